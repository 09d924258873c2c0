// Package storagetest holds behavior suites shared by every frontier and post
// store backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// ManualClock is a crawler.Clock advanced by hand.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a clock at now.
func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now.UTC()}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FrontierFactory builds a fresh, empty frontier bound to clock.
type FrontierFactory func(t *testing.T, clock crawler.Clock) crawler.Frontier

// RunFrontier exercises the frontier contract against a backend.
func RunFrontier(t *testing.T, newFrontier FrontierFactory) {
	t.Run("AddURLsIdempotent", func(t *testing.T) { testAddIdempotent(t, newFrontier) })
	t.Run("AddURLsConcurrent", func(t *testing.T) { testAddConcurrent(t, newFrontier) })
	t.Run("ClaimOrderAndFilter", func(t *testing.T) { testClaimOrder(t, newFrontier) })
	t.Run("ClaimMutualExclusion", func(t *testing.T) { testClaimExclusive(t, newFrontier) })
	t.Run("IsClaimedOrDone", func(t *testing.T) { testClaimedOrDone(t, newFrontier) })
	t.Run("TransitionsRequireOwnership", func(t *testing.T) { testOwnership(t, newFrontier) })
	t.Run("ReclaimStale", func(t *testing.T) { testReclaim(t, newFrontier) })
	t.Run("RetryFailed", func(t *testing.T) { testRetry(t, newFrontier) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newFrontier) })
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testAddIdempotent(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	f := newFrontier(t, NewManualClock(epoch))

	n, err := f.AddURLs(ctx, []string{"https://forum.test/a", "https://forum.test/a", "https://forum.test/b"}, crawler.URLTypeListing)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	items, err := f.ClaimBatch(ctx, "", 10, "w1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NoError(t, f.MarkCompleted(ctx, "https://forum.test/a", "w1"))

	// Re-adding must not resurrect or retype the completed row.
	n, err = f.AddURLs(ctx, []string{"https://forum.test/a"}, crawler.URLTypeTopic)
	require.NoError(t, err)
	require.Zero(t, n)

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[crawler.StatusCompleted])
	require.Equal(t, 1, stats[crawler.StatusProcessing])
	require.Zero(t, stats[crawler.StatusPending])
}

func testAddConcurrent(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	f := newFrontier(t, NewManualClock(epoch))

	urls := make([]string, 25)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://forum.test/%d/topic", i)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.AddURLs(ctx, urls, crawler.URLTypeTopic)
			if err != nil {
				t.Errorf("AddURLs: %v", err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, len(urls), total)
	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, len(urls), stats[crawler.StatusPending])
}

func testClaimOrder(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	clock := NewManualClock(epoch)
	f := newFrontier(t, clock)

	_, err := f.AddURLs(ctx, []string{"https://forum.test/1/old"}, crawler.URLTypeTopic)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = f.AddURLs(ctx, []string{"https://forum.test/board"}, crawler.URLTypeListing)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = f.AddURLs(ctx, []string{"https://forum.test/2/new"}, crawler.URLTypeTopic)
	require.NoError(t, err)

	listings, err := f.ClaimBatch(ctx, crawler.URLTypeListing, 5, "w1")
	require.NoError(t, err)
	require.Equal(t, []crawler.WorkItem{{URL: "https://forum.test/board", Type: crawler.URLTypeListing}}, listings)

	topics, err := f.ClaimBatch(ctx, crawler.URLTypeTopic, 1, "w1")
	require.NoError(t, err)
	require.Equal(t, []crawler.WorkItem{{URL: "https://forum.test/1/old", Type: crawler.URLTypeTopic}}, topics)

	none, err := f.ClaimBatch(ctx, crawler.URLTypeListing, 5, "w1")
	require.NoError(t, err)
	require.Empty(t, none)

	zero, err := f.ClaimBatch(ctx, "", 0, "w1")
	require.NoError(t, err)
	require.Empty(t, zero)
}

func testClaimExclusive(t *testing.T, newFrontier FrontierFactory) {
	f := newFrontier(t, NewManualClock(epoch))
	RunClaimExclusive(t, f, f, f, f, f, f)
}

// RunClaimExclusive seeds topics through the first handle and claims them
// concurrently through every handle, one claimer each. Each URL must end up
// with exactly one owner. Handles may share state or point at one database.
func RunClaimExclusive(t *testing.T, handles ...crawler.Frontier) {
	t.Helper()
	require.NotEmpty(t, handles)
	ctx := context.Background()

	urls := make([]string, 60)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://forum.test/%d/t", i)
	}
	_, err := handles[0].AddURLs(ctx, urls, crawler.URLTypeTopic)
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners = make(map[string]string)
	)
	for w, f := range handles {
		owner := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := f.ClaimBatch(ctx, crawler.URLTypeTopic, 7, owner)
				if err != nil {
					t.Errorf("ClaimBatch: %v", err)
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					if prev, dup := owners[it.URL]; dup {
						t.Errorf("%s claimed by both %s and %s", it.URL, prev, owner)
					}
					owners[it.URL] = owner
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, owners, len(urls))

	for u, owner := range owners {
		taken, err := handles[0].IsClaimedOrDone(ctx, u, owner)
		require.NoError(t, err)
		require.False(t, taken, "owner should still hold %s", u)
	}
}

func testClaimedOrDone(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	f := newFrontier(t, NewManualClock(epoch))
	u := "https://forum.test/9/x"

	taken, err := f.IsClaimedOrDone(ctx, u, "")
	require.NoError(t, err)
	require.False(t, taken, "unknown url")

	_, err = f.AddURLs(ctx, []string{u}, crawler.URLTypeTopic)
	require.NoError(t, err)
	taken, err = f.IsClaimedOrDone(ctx, u, "")
	require.NoError(t, err)
	require.False(t, taken, "pending url")

	_, err = f.ClaimBatch(ctx, "", 1, "w1")
	require.NoError(t, err)
	for owner, want := range map[string]bool{"": true, "w1": false, "w2": true} {
		taken, err = f.IsClaimedOrDone(ctx, u, owner)
		require.NoError(t, err)
		require.Equal(t, want, taken, "processing url as %q", owner)
	}

	require.NoError(t, f.MarkCompleted(ctx, u, "w1"))
	taken, err = f.IsClaimedOrDone(ctx, u, "w1")
	require.NoError(t, err)
	require.True(t, taken, "completed url")
}

func testOwnership(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	f := newFrontier(t, NewManualClock(epoch))
	u := "https://forum.test/3/y"

	_, err := f.AddURLs(ctx, []string{u}, crawler.URLTypeTopic)
	require.NoError(t, err)
	require.ErrorIs(t, f.MarkCompleted(ctx, u, "w1"), crawler.ErrNotClaimed, "pending cannot complete")

	_, err = f.ClaimBatch(ctx, "", 1, "w1")
	require.NoError(t, err)
	require.ErrorIs(t, f.MarkFailed(ctx, u, "w2"), crawler.ErrNotClaimed, "foreign owner")
	require.NoError(t, f.MarkFailed(ctx, u, "w1"))
	require.ErrorIs(t, f.MarkCompleted(ctx, u, "w1"), crawler.ErrNotClaimed, "failed is terminal for the attempt")

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, map[crawler.Status]int{crawler.StatusFailed: 1}, nonZero(stats))
}

func testReclaim(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	clock := NewManualClock(epoch)
	f := newFrontier(t, clock)

	_, err := f.AddURLs(ctx, []string{"https://forum.test/1/a", "https://forum.test/2/b"}, crawler.URLTypeTopic)
	require.NoError(t, err)
	_, err = f.ClaimBatch(ctx, "", 1, "dead-worker")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	n, err := f.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n, "lease still valid")

	clock.Advance(30 * time.Minute)
	n, err = f.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	taken, err := f.IsClaimedOrDone(ctx, "https://forum.test/1/a", "dead-worker")
	require.NoError(t, err)
	require.True(t, taken, "reclaimed entry no longer belongs to the old owner")
	require.ErrorIs(t, f.MarkCompleted(ctx, "https://forum.test/1/a", "dead-worker"), crawler.ErrNotClaimed)

	items, err := f.ClaimBatch(ctx, "", 5, "w2")
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func testRetry(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	clock := NewManualClock(epoch)
	f := newFrontier(t, clock)
	u := "https://forum.test/5/z"

	fail := func() {
		t.Helper()
		items, err := f.ClaimBatch(ctx, "", 1, "w1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		require.NoError(t, f.MarkFailed(ctx, u, "w1"))
	}

	_, err := f.AddURLs(ctx, []string{u}, crawler.URLTypeTopic)
	require.NoError(t, err)
	fail()

	policy := crawler.RetryPolicy{Cooldown: time.Hour, Exponential: true, MaxAttempts: 3}

	clock.Advance(59 * time.Minute)
	n, err := f.RetryFailed(ctx, policy)
	require.NoError(t, err)
	require.Zero(t, n)

	clock.Advance(time.Minute)
	n, err = f.RetryFailed(ctx, policy)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Second failure doubles the cooldown.
	fail()
	clock.Advance(90 * time.Minute)
	n, err = f.RetryFailed(ctx, policy)
	require.NoError(t, err)
	require.Zero(t, n)
	clock.Advance(30 * time.Minute)
	n, err = f.RetryFailed(ctx, policy)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Third failure reaches MaxAttempts and stays failed.
	fail()
	clock.Advance(24 * time.Hour)
	n, err = f.RetryFailed(ctx, policy)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testRelease(t *testing.T, newFrontier FrontierFactory) {
	ctx := context.Background()
	f := newFrontier(t, NewManualClock(epoch))

	_, err := f.AddURLs(ctx, []string{"https://forum.test/a", "https://forum.test/b"}, crawler.URLTypeListing)
	require.NoError(t, err)
	items, err := f.ClaimBatch(ctx, "", 2, "w1")
	require.NoError(t, err)
	require.Len(t, items, 2)

	n, err := f.Release(ctx, []string{"https://forum.test/a", "https://forum.test/b"}, "w2")
	require.NoError(t, err)
	require.Zero(t, n, "foreign owner cannot release")

	n, err = f.Release(ctx, []string{"https://forum.test/a", "https://forum.test/b", "https://forum.test/missing"}, "w1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, map[crawler.Status]int{crawler.StatusPending: 2}, nonZero(stats))
}

func nonZero(in map[crawler.Status]int) map[crawler.Status]int {
	out := make(map[crawler.Status]int)
	for k, v := range in {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}
