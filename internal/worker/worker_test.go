package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-crawler/internal/challenge"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/publisher/memory"
	storemem "github.com/JakeFAU/forum-crawler/internal/storage/memory"
)

const (
	seedURL  = "https://forum.test/"
	owner    = "worker-a"
	topicOne = "https://forum.test/8000001/first-topic"
	topicTwo = "https://forum.test/8000002/second-topic"
	topicSix = "https://forum.test/8000003/third-topic"
	pageTwo  = "https://forum.test/links/2"
)

type harness struct {
	clock       *fakeClock
	frontier    *storemem.Frontier
	posts       *storemem.PostStore
	browser     *fakeBrowser
	extractor   *fakeExtractor
	publisher   *memory.Publisher
	sleeper     *fakeSleeper
	backoffWait *fakeSleeper
	backoff     *challenge.Backoff
	controller  *challenge.Controller
}

func newHarness() *harness {
	clock := newFakeClock()
	h := &harness{
		clock:       clock,
		frontier:    storemem.NewFrontier(clock),
		posts:       storemem.NewPostStore(),
		browser:     newFakeBrowser(),
		extractor:   newFakeExtractor(),
		publisher:   memory.New(),
		sleeper:     &fakeSleeper{},
		backoffWait: &fakeSleeper{},
	}
	h.backoff = challenge.NewBackoff(challenge.DefaultBackoffConfig(), h.backoffWait, nil)
	h.controller = challenge.NewController(
		challenge.Config{Budget: 20 * time.Second, PollMin: 5 * time.Second, PollMax: 5 * time.Second},
		challenge.NewClassifier(nil, nil, "Forum"),
		nil,
		challenge.WithStrategy(noopStrategy{}),
		challenge.WithSleeper(&fakeSleeper{clock: clock}),
		challenge.WithClock(clock),
		challenge.WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	return h
}

func (h *harness) worker(cfg Config, frontier crawler.Frontier, posts crawler.PostStore) *Worker {
	if frontier == nil {
		frontier = h.frontier
	}
	if posts == nil {
		posts = h.posts
	}
	if cfg.Owner == "" {
		cfg.Owner = owner
	}
	return New(frontier, posts, h.browser, h.extractor, h.controller, h.backoff, cfg, nil,
		WithPublisher(h.publisher),
		WithSleeper(h.sleeper),
		WithClock(h.clock),
		WithRand(rand.New(rand.NewPCG(3, 4))),
	)
}

func topicPosts(ids ...string) []crawler.Post {
	out := make([]crawler.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, crawler.Post{ID: id, Author: "seun", Content: "body " + id})
	}
	return out
}

func TestStepBootstrapsFromSeed(t *testing.T) {
	t.Parallel()

	h := newHarness()
	h.extractor.results[seedURL] = crawler.Extraction{
		TopicLinks:      []string{topicOne, topicTwo, topicSix},
		PaginationLinks: []string{pageTwo},
	}
	w := h.worker(Config{SeedURL: seedURL}, nil, nil)

	require.NoError(t, w.Step(context.Background()))

	seed, ok := h.frontier.Get(seedURL)
	require.True(t, ok)
	require.Equal(t, crawler.StatusCompleted, seed.Status)
	require.Equal(t, crawler.URLTypeListing, seed.Type)

	for _, u := range []string{topicOne, topicTwo, topicSix} {
		e, ok := h.frontier.Get(u)
		require.True(t, ok, u)
		require.Equal(t, crawler.StatusPending, e.Status)
		require.Equal(t, crawler.URLTypeTopic, e.Type)
	}
	next, ok := h.frontier.Get(pageTwo)
	require.True(t, ok)
	require.Equal(t, crawler.URLTypeListing, next.Type)
	require.Equal(t, crawler.StatusPending, next.Status)

	stats, err := h.frontier.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, stats[crawler.StatusPending])
	require.Equal(t, 1, stats[crawler.StatusCompleted])
	require.Zero(t, w.Processed())
}

func TestStepSavesTopicPostsAndPublishes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne}, crawler.URLTypeTopic)
	require.NoError(t, err)
	h.extractor.results[topicOne] = crawler.Extraction{Posts: topicPosts("101", "102")}

	w := h.worker(Config{Politeness: time.Second}, nil, nil)
	require.NoError(t, w.Step(ctx))

	require.Equal(t, 1, w.Processed())
	require.Equal(t, []string{"101", "102"}, h.posts.IDs())
	post, ok := h.posts.Get("101")
	require.True(t, ok)
	require.Equal(t, topicOne, post.SourceURL)
	require.Equal(t, "8000001", post.TopicID)
	require.Equal(t, h.clock.Now(), post.ScrapedAt)

	events := h.publisher.Events()
	require.Len(t, events, 1)
	require.Equal(t, crawler.PostsCaptured{
		WorkerID:   owner,
		TopicID:    "8000001",
		SourceURL:  topicOne,
		PostIDs:    []string{"101", "102"},
		Inserted:   2,
		CapturedAt: h.clock.Now(),
	}, events[0])

	e, _ := h.frontier.Get(topicOne)
	require.Equal(t, crawler.StatusCompleted, e.Status)
	require.Equal(t, []time.Duration{time.Second}, h.sleeper.recorded())
}

func TestRunStopsAtTargetAndReleasesBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne, topicTwo, topicSix}, crawler.URLTypeTopic)
	require.NoError(t, err)

	w := h.worker(Config{TargetTopics: 1}, nil, nil)
	require.NoError(t, w.Run(ctx))
	require.Equal(t, 1, w.Processed())

	stats, err := h.frontier.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[crawler.StatusCompleted])
	require.Equal(t, 2, stats[crawler.StatusPending])
	require.Zero(t, stats[crawler.StatusProcessing])
	for _, e := range h.frontier.Entries() {
		require.Empty(t, e.ClaimedBy)
	}
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness()
	w := h.worker(Config{SeedURL: seedURL}, nil, nil)
	require.NoError(t, w.Run(ctx))
	require.Empty(t, h.browser.renderedURLs())
}

func TestChallengeClearedThenProcessed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne}, crawler.URLTypeTopic)
	require.NoError(t, err)
	h.browser.add(topicOne, &page{
		titles:  []string{"Just a moment...", "Just a moment...", "Just a moment...", "Forum - topic"},
		content: "<div>Verifying you are human</div>",
		cleared: "<html>real topic</html>",
	})
	h.extractor.results[topicOne] = crawler.Extraction{Posts: topicPosts("201")}

	w := h.worker(Config{}, nil, nil)
	require.NoError(t, w.Step(ctx))

	require.Equal(t, "<html>real topic</html>", h.extractor.contents[topicOne])
	e, _ := h.frontier.Get(topicOne)
	require.Equal(t, crawler.StatusCompleted, e.Status)
	require.Zero(t, h.backoff.Consecutive())
	require.Empty(t, h.backoffWait.recorded())
}

func TestConsecutiveBlocksBackOffThenCoolDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	urls := []string{
		"https://forum.test/1/a", "https://forum.test/2/b", "https://forum.test/3/c",
		"https://forum.test/4/d", "https://forum.test/5/e",
	}
	_, err := h.frontier.AddURLs(ctx, urls, crawler.URLTypeTopic)
	require.NoError(t, err)
	for _, u := range urls {
		h.browser.add(u, &page{titles: []string{"Just a moment..."}, content: "cf-challenge"})
	}

	w := h.worker(Config{}, nil, nil)
	for i := 0; i < len(urls); i++ {
		require.NoError(t, w.Step(ctx))
	}

	require.Equal(t, []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		10 * time.Minute,
	}, h.backoffWait.recorded())
	require.Zero(t, h.backoff.Consecutive())
	require.Empty(t, h.extractor.calls)

	for _, u := range urls {
		e, _ := h.frontier.Get(u)
		require.Equal(t, crawler.StatusFailed, e.Status, u)
		require.Equal(t, 1, e.Attempts)
	}
}

func TestExtractionFailureMarksFailedWithoutBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne}, crawler.URLTypeTopic)
	require.NoError(t, err)
	h.extractor.errs[topicOne] = &crawler.ExtractionError{URL: topicOne, Reason: "no post cells matched"}

	w := h.worker(Config{Politeness: 2 * time.Second}, nil, nil)
	require.NoError(t, w.Step(ctx))

	e, _ := h.frontier.Get(topicOne)
	require.Equal(t, crawler.StatusFailed, e.Status)
	require.Empty(t, h.backoffWait.recorded())
	require.Equal(t, []time.Duration{2 * time.Second}, h.sleeper.recorded())
	require.Zero(t, w.Processed())
}

func TestSkipsEntryReclaimedByAnotherWorker(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne}, crawler.URLTypeTopic)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.frontier.AddURLs(ctx, []string{topicTwo}, crawler.URLTypeTopic)
	require.NoError(t, err)

	w := h.worker(Config{}, nil, nil)
	require.NoError(t, w.Step(ctx))
	require.Equal(t, []string{topicOne}, h.browser.renderedURLs())

	h.clock.Advance(time.Hour)
	n, err := h.frontier.ReclaimStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	stolen, err := h.frontier.ClaimBatch(ctx, crawler.URLTypeTopic, 1, "worker-b")
	require.NoError(t, err)
	require.Len(t, stolen, 1)

	require.NoError(t, w.Step(ctx))
	require.Equal(t, []string{topicOne}, h.browser.renderedURLs())
	e, _ := h.frontier.Get(topicTwo)
	require.Equal(t, crawler.StatusProcessing, e.Status)
	require.Equal(t, "worker-b", e.ClaimedBy)
}

func TestRunReturnsFatalStoreError(t *testing.T) {
	t.Parallel()

	h := newHarness()
	frontier := &scriptedFrontier{
		Frontier: h.frontier,
		claimErr: &crawler.StoreError{Op: "claim batch", Kind: crawler.KindFatal, Attempts: 5, Err: errors.New("connection refused")},
	}
	w := h.worker(Config{SeedURL: seedURL}, frontier, nil)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
}

func TestLostLeaseOnCompleteIsNotFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne}, crawler.URLTypeTopic)
	require.NoError(t, err)
	frontier := &scriptedFrontier{Frontier: h.frontier, completeErr: crawler.ErrNotClaimed}

	w := h.worker(Config{}, frontier, nil)
	require.NoError(t, w.Step(ctx))
	require.Equal(t, 1, w.Processed())
}

func TestTransientPostStoreFailureMarksFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne}, crawler.URLTypeTopic)
	require.NoError(t, err)
	h.extractor.results[topicOne] = crawler.Extraction{Posts: topicPosts("301")}
	posts := failingPosts{err: &crawler.StoreError{Op: "save posts", Kind: crawler.KindTransient, Attempts: 1, Err: errors.New("constraint")}}

	w := h.worker(Config{}, nil, posts)
	require.NoError(t, w.Step(ctx))

	e, _ := h.frontier.Get(topicOne)
	require.Equal(t, crawler.StatusFailed, e.Status)
	require.Zero(t, w.Processed())
	require.Empty(t, h.publisher.Events())
}

func TestPublishFailureDoesNotFailPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne}, crawler.URLTypeTopic)
	require.NoError(t, err)
	h.extractor.results[topicOne] = crawler.Extraction{Posts: topicPosts("401")}
	h.publisher.FailWith(errors.New("broker down"))

	w := h.worker(Config{}, nil, nil)
	require.NoError(t, w.Step(ctx))

	e, _ := h.frontier.Get(topicOne)
	require.Equal(t, crawler.StatusCompleted, e.Status)
	require.Equal(t, 1, h.posts.Len())
}

func TestListingsOrderedBeforeTopics(t *testing.T) {
	t.Parallel()

	h := newHarness()
	w := h.worker(Config{Shuffle: true}, nil, nil)
	batch := []crawler.WorkItem{
		{URL: "t1", Type: crawler.URLTypeTopic},
		{URL: "l1", Type: crawler.URLTypeListing},
		{URL: "t2", Type: crawler.URLTypeTopic},
		{URL: "l2", Type: crawler.URLTypeListing},
		{URL: "t3", Type: crawler.URLTypeTopic},
	}
	ordered := w.order(batch)
	require.Len(t, ordered, 5)
	require.Equal(t, crawler.URLTypeListing, ordered[0].Type)
	require.Equal(t, crawler.URLTypeListing, ordered[1].Type)
	for _, item := range ordered[2:] {
		require.Equal(t, crawler.URLTypeTopic, item.Type)
	}
}

func TestPolitenessDelayBounds(t *testing.T) {
	t.Parallel()

	h := newHarness()
	w := h.worker(Config{Politeness: 3 * time.Second, JitterMin: -time.Second, JitterMax: 2 * time.Second}, nil, nil)
	for i := 0; i < 200; i++ {
		d := w.politenessDelay()
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.LessOrEqual(t, d, 5*time.Second)
	}

	w = h.worker(Config{Politeness: time.Second, JitterMin: -5 * time.Second, JitterMax: -4 * time.Second}, nil, nil)
	require.Zero(t, w.politenessDelay())
}

func TestSeenCacheFiltersDiscoveredLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	h.extractor.results[seedURL] = crawler.Extraction{TopicLinks: []string{topicOne, topicTwo}}
	cache := &fakeSeen{seen: map[string]bool{topicTwo: true}}

	w := New(h.frontier, h.posts, h.browser, h.extractor, h.controller, h.backoff,
		Config{Owner: owner, SeedURL: seedURL}, nil,
		WithSeenCache(cache), WithSleeper(h.sleeper), WithClock(h.clock))
	require.NoError(t, w.Step(ctx))

	_, ok := h.frontier.Get(topicOne)
	require.True(t, ok)
	_, ok = h.frontier.Get(topicTwo)
	require.False(t, ok)
	require.True(t, cache.seen[topicOne])
}

func TestStatusReportsCounters(t *testing.T) {
	t.Parallel()

	h := newHarness()
	w := h.worker(Config{TargetTopics: 7}, nil, nil)
	require.Equal(t, Status{WorkerID: owner, TargetTopics: 7}, w.Status())
}

type fakeSeen struct {
	seen map[string]bool
}

func (f *fakeSeen) Filter(_ context.Context, urls []string) ([]string, error) {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !f.seen[u] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeSeen) Mark(_ context.Context, urls []string) error {
	for _, u := range urls {
		f.seen[u] = true
	}
	return nil
}

type fakeLimiter struct {
	waited   []string
	cancelAt int
	cancel   context.CancelFunc
}

func (l *fakeLimiter) Wait(ctx context.Context, pageURL string) error {
	l.waited = append(l.waited, pageURL)
	if l.cancel != nil && len(l.waited) == l.cancelAt {
		l.cancel()
		return ctx.Err()
	}
	return nil
}

func TestPageLimiterGatesEveryRender(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne, topicTwo}, crawler.URLTypeTopic)
	require.NoError(t, err)

	limiter := &fakeLimiter{}
	w := New(h.frontier, h.posts, h.browser, h.extractor, h.controller, h.backoff, Config{Owner: owner}, nil,
		WithSleeper(h.sleeper),
		WithClock(h.clock),
		WithPageLimiter(limiter),
	)
	require.NoError(t, w.Step(ctx))
	require.NoError(t, w.Step(ctx))
	require.Equal(t, h.browser.renderedURLs(), limiter.waited)
	require.Len(t, limiter.waited, 2)
}

func TestCanceledLimiterWaitReleasesItem(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne, topicTwo, topicSix}, crawler.URLTypeTopic)
	require.NoError(t, err)

	limiter := &fakeLimiter{cancelAt: 1, cancel: cancel}
	w := New(h.frontier, h.posts, h.browser, h.extractor, h.controller, h.backoff, Config{Owner: owner}, nil,
		WithSleeper(h.sleeper),
		WithClock(h.clock),
		WithPageLimiter(limiter),
	)
	require.NoError(t, w.Run(ctx))
	require.Empty(t, h.browser.renderedURLs())

	stats, err := h.frontier.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats[crawler.StatusPending])
	require.Zero(t, stats[crawler.StatusProcessing])
}

func TestCanceledRenderReleasesItem(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness()
	_, err := h.frontier.AddURLs(ctx, []string{topicOne, topicTwo, topicSix}, crawler.URLTypeTopic)
	require.NoError(t, err)
	h.browser.onRender = cancel

	w := New(h.frontier, h.posts, h.browser, h.extractor, h.controller, h.backoff, Config{Owner: owner}, nil,
		WithSleeper(h.sleeper),
		WithClock(h.clock),
	)
	require.NoError(t, w.Run(ctx))
	require.Len(t, h.browser.renderedURLs(), 1)

	stats, err := h.frontier.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats[crawler.StatusPending])
	require.Zero(t, stats[crawler.StatusProcessing])
}

func TestClearPageResetsBlockCounterEvenWhenExtractionFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness()
	blockedA := "https://forum.test/1/a"
	blockedB := "https://forum.test/2/b"
	blockedD := "https://forum.test/4/d"
	for _, u := range []string{blockedA, blockedB, topicOne, blockedD} {
		_, err := h.frontier.AddURLs(ctx, []string{u}, crawler.URLTypeTopic)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	for _, u := range []string{blockedA, blockedB, blockedD} {
		h.browser.add(u, &page{titles: []string{"Just a moment..."}, content: "cf-challenge"})
	}
	h.extractor.errs[topicOne] = &crawler.ExtractionError{URL: topicOne, Reason: "no post cells matched"}

	w := h.worker(Config{}, nil, nil)
	require.NoError(t, w.Step(ctx))
	require.NoError(t, w.Step(ctx))
	require.Equal(t, 2, h.backoff.Consecutive())

	require.NoError(t, w.Step(ctx))
	require.Zero(t, h.backoff.Consecutive())
	e, _ := h.frontier.Get(topicOne)
	require.Equal(t, crawler.StatusFailed, e.Status)

	require.NoError(t, w.Step(ctx))
	require.Equal(t, 1, h.backoff.Consecutive())
	require.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 30 * time.Second}, h.backoffWait.recorded())
}

func TestFailedTopicClaimReleasesClaimedListings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		claim   func(cancel context.CancelFunc) func(ctx context.Context) error
		wantErr error
	}{
		{
			name: "fatal store error",
			claim: func(context.CancelFunc) func(context.Context) error {
				return func(context.Context) error {
					return &crawler.StoreError{Op: "claim batch", Kind: crawler.KindFatal, Attempts: 3, Err: errors.New("connection refused")}
				}
			},
			wantErr: crawler.ErrStoreUnavailable,
		},
		{
			name: "shutdown during claim",
			claim: func(cancel context.CancelFunc) func(context.Context) error {
				return func(ctx context.Context) error {
					cancel()
					return ctx.Err()
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h := newHarness()
			_, err := h.frontier.AddURLs(ctx, []string{seedURL}, crawler.URLTypeListing)
			require.NoError(t, err)
			frontier := &scriptedFrontier{Frontier: h.frontier, topicClaim: tt.claim(cancel)}

			w := h.worker(Config{SeedURL: seedURL}, frontier, nil)
			err = w.Run(ctx)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			require.Equal(t, [][]string{{seedURL}}, frontier.releaseLog)
			e, ok := h.frontier.Get(seedURL)
			require.True(t, ok)
			require.Equal(t, crawler.StatusPending, e.Status)
			require.Empty(t, e.ClaimedBy)
			require.Empty(t, h.browser.renderedURLs())
		})
	}
}
