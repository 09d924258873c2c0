// Package extract turns rendered Nairaland pages into discovered links and posts.
package extract

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// DefaultBaseURL is the forum root used to absolutize discovered links.
const DefaultBaseURL = "https://www.nairaland.com"

const (
	postCellSelector   = "td.l.w.pd"
	postBodySelector   = "div.narrow"
	paginationSelector = "a.pgn"
	authorSelector     = "a.user"
	timeSelector       = "span.s"
	unknownAuthor      = "Unknown"
)

// Nairaland implements crawler.Extractor for the Nairaland page layout.
type Nairaland struct {
	base *url.URL
	host string
}

// New constructs an extractor rooted at baseURL; empty uses DefaultBaseURL.
func New(baseURL string) (*Nairaland, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Nairaland{base: u, host: bareHost(u.Host)}, nil
}

// TopicID returns the numeric first path segment of a topic URL, or "".
func (n *Nairaland) TopicID(pageURL string) string {
	segments := n.segments(pageURL)
	if len(segments) > 0 && isDigits(segments[0]) {
		return segments[0]
	}
	return ""
}

// URLType classifies pageURL as a topic when its first segment is numeric.
func (n *Nairaland) URLType(pageURL string) crawler.URLType {
	if n.TopicID(pageURL) != "" {
		return crawler.URLTypeTopic
	}
	return crawler.URLTypeListing
}

// Extract parses content and returns topic links, pagination links, and, for
// topic pages, the posts on the page.
func (n *Nairaland) Extract(pageURL string, urlType crawler.URLType, content string) (crawler.Extraction, error) {
	if strings.TrimSpace(content) == "" {
		return crawler.Extraction{}, &crawler.ExtractionError{URL: pageURL, Reason: "empty document"}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return crawler.Extraction{}, &crawler.ExtractionError{URL: pageURL, Reason: fmt.Sprintf("parse html: %v", err)}
	}

	out := crawler.Extraction{
		TopicLinks:      n.topicLinks(doc),
		PaginationLinks: n.paginationLinks(doc),
	}
	if urlType != crawler.URLTypeTopic {
		return out, nil
	}

	cells := doc.Find(postCellSelector)
	out.Posts, out.Mismatches = n.posts(cells, pageURL)
	if cells.Length() > 0 && len(out.Posts) == 0 {
		return out, &crawler.ExtractionError{
			URL:    pageURL,
			Reason: fmt.Sprintf("%d post blocks, none matched the expected layout", cells.Length()),
		}
	}
	return out, nil
}

func (n *Nairaland) topicLinks(doc *goquery.Document) []string {
	found := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		path, ok := n.localPath(href)
		if !ok {
			return
		}
		parts := strings.Split(path, "/")
		if len(parts) < 2 || !isDigits(parts[0]) || isDigits(parts[1]) {
			return
		}
		found[n.base.String()+"/"+path] = struct{}{}
	})
	return sortedKeys(found)
}

func (n *Nairaland) paginationLinks(doc *goquery.Document) []string {
	found := make(map[string]struct{})
	doc.Find(paginationSelector).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		switch {
		case href == "":
		case strings.HasPrefix(href, "/"):
			found[n.base.String()+href] = struct{}{}
		case strings.Contains(href, n.host):
			found[href] = struct{}{}
		}
	})
	return sortedKeys(found)
}

func (n *Nairaland) posts(cells *goquery.Selection, pageURL string) ([]crawler.Post, int) {
	var (
		posts      []crawler.Post
		mismatches int
	)
	topicID := n.TopicID(pageURL)
	cells.Each(func(_ int, cell *goquery.Selection) {
		id, _ := cell.Attr("id")
		id = strings.TrimPrefix(strings.TrimSpace(id), "pb")
		body := cell.Find(postBodySelector).First()
		text := strings.Join(textNodes(body), "\n")
		if id == "" || text == "" {
			mismatches++
			return
		}

		author := unknownAuthor
		postTime := ""
		header := cell.Closest("tr").PrevAllFiltered("tr").First()
		if header.Length() > 0 {
			if name := strings.TrimSpace(header.Find(authorSelector).First().Text()); name != "" {
				author = name
			}
			stamp := strings.Join(textNodes(header.Find(timeSelector).First()), " ")
			postTime = strings.TrimSpace(strings.SplitN(stamp, "Modified:", 2)[0])
		}

		posts = append(posts, crawler.Post{
			ID:        id,
			Author:    author,
			PostTime:  postTime,
			Content:   text,
			SourceURL: pageURL,
			TopicID:   topicID,
		})
	})
	return posts, mismatches
}

// localPath returns href's path without surrounding slashes when it points at the forum host.
func (n *Nairaland) localPath(href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host != "" && bareHost(u.Host) != n.host {
		return "", false
	}
	path := strings.Trim(u.Path, "/")
	return path, path != ""
}

func (n *Nairaland) segments(pageURL string) []string {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil {
		return nil
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// textNodes returns the trimmed, non-empty text nodes under s in document order.
func textNodes(s *goquery.Selection) []string {
	var out []string
	var walk func(*goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, c *goquery.Selection) {
			switch goquery.NodeName(c) {
			case "#text":
				if t := strings.TrimSpace(c.Text()); t != "" {
					out = append(out, t)
				}
			case "script", "style", "#comment":
			default:
				walk(c)
			}
		})
	}
	walk(s)
	return out
}

func bareHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
