// Package challenge classifies rendered pages and reacts to anti-bot
// interstitials with an evasion loop and a cross-request backoff.
package challenge

import (
	"strings"
)

// Verdict is the outcome of classifying a rendered page.
type Verdict int

// Verdicts produced by Classifier and Controller.
const (
	Clear Verdict = iota
	ChallengePresent
	Blocked
)

func (v Verdict) String() string {
	switch v {
	case Clear:
		return "clear"
	case ChallengePresent:
		return "challenge"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// DefaultInspectBytes bounds how much page content is scanned for markers.
const DefaultInspectBytes = 8 << 10

// Default signature sets for Cloudflare-style interstitials.
var (
	DefaultTitleMarkers   = []string{"Just a moment", "Checking your browser"}
	DefaultContentMarkers = []string{"Verifying you are human", "cf-challenge", "turnstile", "challenges.cloudflare.com"}
)

// Classifier matches page titles and content against interstitial signatures.
type Classifier struct {
	TitleMarkers   []string
	ContentMarkers []string
	// ExpectedTitle is the site marker a settled page carries in its title.
	ExpectedTitle string
	InspectBytes  int
}

// NewClassifier builds a classifier; empty marker sets fall back to the defaults.
func NewClassifier(titleMarkers, contentMarkers []string, expectedTitle string) *Classifier {
	if len(titleMarkers) == 0 {
		titleMarkers = DefaultTitleMarkers
	}
	if len(contentMarkers) == 0 {
		contentMarkers = DefaultContentMarkers
	}
	return &Classifier{
		TitleMarkers:   titleMarkers,
		ContentMarkers: contentMarkers,
		ExpectedTitle:  expectedTitle,
		InspectBytes:   DefaultInspectBytes,
	}
}

// Classify returns ChallengePresent when the title or the content head match a
// signature. A title carrying the expected site marker always wins.
func (c *Classifier) Classify(title, content string) Verdict {
	if containsAny(title, c.TitleMarkers) {
		return ChallengePresent
	}
	if c.ExpectedTitle != "" && strings.Contains(title, c.ExpectedTitle) {
		return Clear
	}
	if containsAny(c.head(content), c.ContentMarkers) {
		return ChallengePresent
	}
	return Clear
}

// Settled reports whether title looks like real site content.
func (c *Classifier) Settled(title string) bool {
	if containsAny(title, c.TitleMarkers) {
		return false
	}
	return c.ExpectedTitle == "" || strings.Contains(title, c.ExpectedTitle)
}

func (c *Classifier) head(content string) string {
	limit := c.InspectBytes
	if limit <= 0 {
		limit = DefaultInspectBytes
	}
	if len(content) > limit {
		return content[:limit]
	}
	return content
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}
