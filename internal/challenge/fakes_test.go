package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeSleeper records waits and advances the clock instead of blocking.
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
		s.clock.advance(d)
	}
	return nil
}

func (s *fakeSleeper) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.sleeps {
		sum += d
	}
	return sum
}

func (s *fakeSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type action struct {
	kind string
	x, y float64
	key  string
}

// scriptedBrowser serves titles in order and repeats the last one.
type scriptedBrowser struct {
	mu       sync.Mutex
	titles   []string
	content  string
	widget   *crawler.Region
	view     crawler.Region
	actions  []action
	titleIdx int
	shots    int
}

func (b *scriptedBrowser) Render(context.Context, string, time.Duration) (string, error) {
	return b.content, nil
}

func (b *scriptedBrowser) Content(context.Context) (string, error) {
	return b.content, nil
}

func (b *scriptedBrowser) CurrentTitle(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.titles) == 0 {
		return "", errors.New("no page")
	}
	idx := b.titleIdx
	if idx >= len(b.titles) {
		idx = len(b.titles) - 1
	}
	b.titleIdx++
	return b.titles[idx], nil
}

func (b *scriptedBrowser) record(a action) {
	b.mu.Lock()
	b.actions = append(b.actions, a)
	b.mu.Unlock()
}

func (b *scriptedBrowser) PointerMove(_ context.Context, x, y float64) error {
	b.record(action{kind: "move", x: x, y: y})
	return nil
}

func (b *scriptedBrowser) Click(_ context.Context, x, y float64) error {
	b.record(action{kind: "click", x: x, y: y})
	return nil
}

func (b *scriptedBrowser) Scroll(_ context.Context, dx, dy float64) error {
	b.record(action{kind: "scroll", x: dx, y: dy})
	return nil
}

func (b *scriptedBrowser) Key(_ context.Context, key string) error {
	b.record(action{kind: "key", key: key})
	return nil
}

func (b *scriptedBrowser) LocateRegion(context.Context, []string) (crawler.Region, bool, error) {
	if b.widget == nil {
		return crawler.Region{}, false, nil
	}
	return *b.widget, true, nil
}

func (b *scriptedBrowser) Viewport() crawler.Region {
	return b.view
}

func (b *scriptedBrowser) Screenshot(context.Context) ([]byte, error) {
	b.mu.Lock()
	b.shots++
	b.mu.Unlock()
	return []byte("\x89PNG"), nil
}

func (b *scriptedBrowser) recordedActions() []action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]action(nil), b.actions...)
}

type countingStrategy struct {
	mu         sync.Mutex
	iterations []int
}

func (s *countingStrategy) Interact(_ context.Context, _ crawler.Browser, iteration int) error {
	s.mu.Lock()
	s.iterations = append(s.iterations, iteration)
	s.mu.Unlock()
	return nil
}

type fixedHasher struct{}

func (fixedHasher) Hash([]byte) (string, error) { return "deadbeef", nil }
