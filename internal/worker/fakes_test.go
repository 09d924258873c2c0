package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSleeper records waits and optionally advances a clock.
type fakeSleeper struct {
	mu     sync.Mutex
	clock  *fakeClock
	sleeps []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return nil
}

func (s *fakeSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type page struct {
	// titles are returned in order; the last one repeats.
	titles  []string
	content string
	// cleared replaces content once the title stops matching a challenge.
	cleared string
}

type fakeBrowser struct {
	mu       sync.Mutex
	pages    map[string]*page
	current  *page
	reads    int
	rendered []string
	onRender func()
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{pages: make(map[string]*page)}
}

func (b *fakeBrowser) add(url string, p *page) { b.pages[url] = p }

func (b *fakeBrowser) Render(ctx context.Context, url string, _ time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rendered = append(b.rendered, url)
	if b.onRender != nil {
		b.onRender()
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	p, ok := b.pages[url]
	if !ok {
		p = &page{titles: []string{"Forum"}, content: "<html></html>"}
	}
	b.current = p
	b.reads = 0
	return p.content, nil
}

func (b *fakeBrowser) title() string {
	p := b.current
	if p == nil || len(p.titles) == 0 {
		return ""
	}
	i := b.reads
	if i >= len(p.titles) {
		i = len(p.titles) - 1
	}
	return p.titles[i]
}

func (b *fakeBrowser) CurrentTitle(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.title()
	b.reads++
	return t, nil
}

func (b *fakeBrowser) Content(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return "", nil
	}
	if b.current.cleared != "" && !strings.Contains(b.title(), "Just a moment") {
		return b.current.cleared, nil
	}
	return b.current.content, nil
}

func (b *fakeBrowser) PointerMove(context.Context, float64, float64) error { return nil }
func (b *fakeBrowser) Click(context.Context, float64, float64) error       { return nil }
func (b *fakeBrowser) Scroll(context.Context, float64, float64) error      { return nil }
func (b *fakeBrowser) Key(context.Context, string) error                   { return nil }

func (b *fakeBrowser) LocateRegion(context.Context, []string) (crawler.Region, bool, error) {
	return crawler.Region{}, false, nil
}

func (b *fakeBrowser) Viewport() crawler.Region {
	return crawler.Region{Width: 1280, Height: 720}
}

func (b *fakeBrowser) renderedURLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.rendered...)
}

type fakeExtractor struct {
	mu      sync.Mutex
	results map[string]crawler.Extraction
	errs    map[string]error
	calls   []string
	// contents records the page content handed to Extract.
	contents map[string]string
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		results:  make(map[string]crawler.Extraction),
		errs:     make(map[string]error),
		contents: make(map[string]string),
	}
}

func (e *fakeExtractor) Extract(pageURL string, _ crawler.URLType, content string) (crawler.Extraction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, pageURL)
	e.contents[pageURL] = content
	if err := e.errs[pageURL]; err != nil {
		return crawler.Extraction{}, err
	}
	res := e.results[pageURL]
	res.Posts = append([]crawler.Post(nil), res.Posts...)
	return res, nil
}

func (e *fakeExtractor) TopicID(pageURL string) string {
	parts := strings.Split(strings.TrimPrefix(pageURL, "https://forum.test/"), "/")
	return parts[0]
}

type noopStrategy struct{}

func (noopStrategy) Interact(context.Context, crawler.Browser, int) error { return nil }

// scriptedFrontier wraps a real frontier and injects errors per operation.
type scriptedFrontier struct {
	crawler.Frontier
	claimErr    error
	completeErr error
	releaseLog  [][]string
	// topicClaim runs before every topic claim; a non-nil result fails it.
	topicClaim func(ctx context.Context) error
}

func (f *scriptedFrontier) ClaimBatch(ctx context.Context, t crawler.URLType, limit int, owner string) ([]crawler.WorkItem, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if t == crawler.URLTypeTopic && f.topicClaim != nil {
		if err := f.topicClaim(ctx); err != nil {
			return nil, err
		}
	}
	return f.Frontier.ClaimBatch(ctx, t, limit, owner)
}

func (f *scriptedFrontier) MarkCompleted(ctx context.Context, url, owner string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	return f.Frontier.MarkCompleted(ctx, url, owner)
}

func (f *scriptedFrontier) Release(ctx context.Context, urls []string, owner string) (int, error) {
	f.releaseLog = append(f.releaseLog, append([]string(nil), urls...))
	return f.Frontier.Release(ctx, urls, owner)
}

type failingPosts struct {
	err error
}

func (p failingPosts) SavePosts(context.Context, []crawler.Post) (crawler.SaveResult, error) {
	return crawler.SaveResult{}, p.err
}
