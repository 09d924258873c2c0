// Package worker implements the crawl orchestration loop.
package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/challenge"
	"github.com/JakeFAU/forum-crawler/internal/clock/system"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	// Owner is the claim token for this worker, normally a UUID.
	Owner   string
	SeedURL string
	// TargetTopics stops Run after that many topic pages; zero runs forever.
	TargetTopics   int
	ListingBatch   int
	TopicBatch     int
	BootstrapBatch int
	IdleSleep      time.Duration
	RenderTimeout  time.Duration
	StartupJitter  time.Duration
	Shuffle        bool
	Politeness     time.Duration
	JitterMin      time.Duration
	JitterMax      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListingBatch <= 0 {
		c.ListingBatch = 20
	}
	if c.TopicBatch <= 0 {
		c.TopicBatch = 50
	}
	if c.BootstrapBatch <= 0 {
		c.BootstrapBatch = 10
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = 30 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 60 * time.Second
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	return c
}

// Status is a point-in-time view of a worker.
type Status struct {
	WorkerID          string `json:"worker_id"`
	ProcessedTopics   int    `json:"processed_topics"`
	TargetTopics      int    `json:"target_topics"`
	ConsecutiveBlocks int    `json:"consecutive_blocks"`
	Batched           int    `json:"batched"`
}

// Worker drives one browser session through claimed frontier entries.
type Worker struct {
	frontier   crawler.Frontier
	posts      crawler.PostStore
	browser    crawler.Browser
	extractor  crawler.Extractor
	controller *challenge.Controller
	backoff    *challenge.Backoff
	seen       crawler.SeenCache
	publisher  crawler.Publisher
	limiter    PageLimiter
	clock      crawler.Clock
	sleeper    crawler.Sleeper
	rng        *rand.Rand
	cfg        Config
	logger     *zap.Logger

	mu        sync.Mutex
	batch     []crawler.WorkItem
	processed int
}

// PageLimiter throttles renders before they start.
type PageLimiter interface {
	Wait(ctx context.Context, pageURL string) error
}

// Option configures optional Worker collaborators.
type Option func(*Worker)

// WithSeenCache filters discovered links before they reach the frontier.
func WithSeenCache(c crawler.SeenCache) Option {
	return func(w *Worker) { w.seen = c }
}

// WithPublisher publishes an event after each topic page's posts are stored.
func WithPublisher(p crawler.Publisher) Option {
	return func(w *Worker) { w.publisher = p }
}

// WithPageLimiter applies a rate ceiling to renders on top of the politeness delay.
func WithPageLimiter(l PageLimiter) Option {
	return func(w *Worker) { w.limiter = l }
}

// WithSleeper replaces the wait implementation.
func WithSleeper(s crawler.Sleeper) Option {
	return func(w *Worker) { w.sleeper = s }
}

// WithClock replaces the clock used to stamp posts.
func WithClock(c crawler.Clock) Option {
	return func(w *Worker) { w.clock = c }
}

// WithRand sets the random source for shuffling and jitter.
func WithRand(r *rand.Rand) Option {
	return func(w *Worker) { w.rng = r }
}

// New constructs a Worker.
func New(
	frontier crawler.Frontier,
	posts crawler.PostStore,
	browser crawler.Browser,
	extractor crawler.Extractor,
	controller *challenge.Controller,
	backoff *challenge.Backoff,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		frontier:   frontier,
		posts:      posts,
		browser:    browser,
		extractor:  extractor,
		controller: controller,
		backoff:    backoff,
		clock:      system.New(),
		sleeper:    crawler.TimerSleeper{},
		cfg:        cfg.withDefaults(),
		logger:     logger.With(zap.String("worker_id", cfg.Owner)),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.rng == nil {
		w.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return w
}

// Run loops until the topic target is reached or ctx ends. It returns an
// error only when the store stays unavailable. Unprocessed claims are
// released before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer w.releaseBatch()

	if w.cfg.StartupJitter > 0 {
		offset := time.Duration(w.rng.Int64N(int64(w.cfg.StartupJitter) + 1))
		w.logger.Debug("startup offset", zap.Duration("offset", offset))
		if err := w.sleeper.Sleep(ctx, offset); err != nil {
			return nil
		}
	}
	w.logger.Info("worker started",
		zap.String("seed", w.cfg.SeedURL),
		zap.Int("target_topics", w.cfg.TargetTopics),
	)

	for {
		if w.targetReached() {
			w.logger.Info("topic target reached", zap.Int("processed_topics", w.Processed()))
			return nil
		}
		if ctx.Err() != nil {
			w.logger.Info("worker stopping", zap.Int("processed_topics", w.Processed()))
			return nil
		}
		if err := w.Step(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			if crawler.IsFatal(err) {
				w.logger.Error("store unavailable; halting worker", zap.Error(err))
				return err
			}
			w.logger.Warn("step failed", zap.Error(err))
		}
	}
}

// Step processes at most one frontier entry, refilling the local batch first
// when it is empty.
func (w *Worker) Step(ctx context.Context) error {
	item, ok, err := w.next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Info("no urls available; idling", zap.Duration("sleep", w.cfg.IdleSleep))
		return w.sleeper.Sleep(ctx, w.cfg.IdleSleep)
	}

	taken, err := w.frontier.IsClaimedOrDone(ctx, item.URL, w.cfg.Owner)
	if err != nil {
		if crawler.IsFatal(err) {
			return err
		}
		w.logger.Warn("claim check failed; processing anyway", zap.String("url", item.URL), zap.Error(err))
	}
	if taken {
		w.logger.Debug("skipping url taken elsewhere", zap.String("url", item.URL))
		metrics.ObservePage(string(item.Type), "skipped")
		return nil
	}
	return w.process(ctx, item)
}

func (w *Worker) next(ctx context.Context) (crawler.WorkItem, bool, error) {
	w.mu.Lock()
	empty := len(w.batch) == 0
	w.mu.Unlock()
	if empty {
		batch, err := w.refill(ctx)
		if err != nil {
			return crawler.WorkItem{}, false, err
		}
		w.mu.Lock()
		w.batch = batch
		w.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.batch) == 0 {
		return crawler.WorkItem{}, false, nil
	}
	item := w.batch[0]
	w.batch = w.batch[1:]
	return item, true, nil
}

// refill claims listings then topics, bootstrapping from the seed when the
// frontier has nothing pending.
func (w *Worker) refill(ctx context.Context) ([]crawler.WorkItem, error) {
	listings, err := w.claim(ctx, crawler.URLTypeListing, w.cfg.ListingBatch)
	if err != nil {
		return nil, err
	}
	topics, err := w.claim(ctx, crawler.URLTypeTopic, w.cfg.TopicBatch)
	if err != nil {
		// Listings are already claimed; keep them where releaseBatch finds them.
		w.mu.Lock()
		w.batch = w.order(listings)
		w.mu.Unlock()
		return nil, err
	}
	batch := append(listings, topics...)

	if len(batch) == 0 && w.cfg.SeedURL != "" {
		w.logger.Info("frontier empty; bootstrapping from seed", zap.String("seed", w.cfg.SeedURL))
		if _, err := w.frontier.AddURLs(ctx, []string{w.cfg.SeedURL}, crawler.URLTypeListing); err != nil {
			if ferr := w.storeFailure("add seed", err); ferr != nil {
				return nil, ferr
			}
		}
		batch, err = w.claim(ctx, "", w.cfg.BootstrapBatch)
		if err != nil {
			return nil, err
		}
	}
	return w.order(batch), nil
}

func (w *Worker) claim(ctx context.Context, urlType crawler.URLType, limit int) ([]crawler.WorkItem, error) {
	items, err := w.frontier.ClaimBatch(ctx, urlType, limit, w.cfg.Owner)
	if err != nil {
		return nil, w.storeFailure("claim batch", err)
	}
	metrics.ObserveClaims(string(urlType), len(items))
	return items, nil
}

// order puts listings ahead of topics and shuffles within each group when enabled.
func (w *Worker) order(batch []crawler.WorkItem) []crawler.WorkItem {
	if len(batch) == 0 {
		return nil
	}
	listings := make([]crawler.WorkItem, 0, len(batch))
	topics := make([]crawler.WorkItem, 0, len(batch))
	for _, item := range batch {
		if item.Type == crawler.URLTypeListing {
			listings = append(listings, item)
		} else {
			topics = append(topics, item)
		}
	}
	if w.cfg.Shuffle {
		w.rng.Shuffle(len(listings), func(i, j int) { listings[i], listings[j] = listings[j], listings[i] })
		w.rng.Shuffle(len(topics), func(i, j int) { topics[i], topics[j] = topics[j], topics[i] })
	}
	return append(listings, topics...)
}

func (w *Worker) process(ctx context.Context, item crawler.WorkItem) error {
	logger := w.logger.With(zap.String("url", item.URL), zap.String("type", string(item.Type)))
	logger.Info("processing url",
		zap.Int("processed_topics", w.Processed()),
		zap.Int("target_topics", w.cfg.TargetTopics),
	)

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, item.URL); err != nil {
			w.requeue(item)
			return err
		}
	}

	content, err := w.browser.Render(ctx, item.URL, w.cfg.RenderTimeout)
	if err != nil {
		if ctx.Err() != nil {
			w.requeue(item)
			return ctx.Err()
		}
		logger.Warn("render error; using available content", zap.Error(err))
	}

	verdict, content, err := w.classify(ctx, item, content)
	if err != nil {
		if ctx.Err() != nil {
			w.requeue(item)
		}
		return err
	}
	if verdict == challenge.Blocked {
		logger.Warn("challenge not cleared", zap.Error(crawler.ErrChallengeTimeout))
		metrics.ObservePage(string(item.Type), "blocked")
		if err := w.fail(ctx, item); err != nil {
			return err
		}
		return w.backoff.OnBlocked(ctx)
	}
	// A Clear classification resets the block counter whatever happens next.
	w.backoff.OnClear()

	extraction, err := w.extractor.Extract(item.URL, item.Type, content)
	if err != nil {
		logger.Warn("extraction failed", zap.Error(err))
		metrics.ObservePage(string(item.Type), "extraction_failed")
		if err := w.fail(ctx, item); err != nil {
			return err
		}
		return w.polite(ctx)
	}
	if extraction.Mismatches > 0 {
		logger.Warn("skipped malformed post blocks", zap.Int("mismatches", extraction.Mismatches))
	}

	if err := w.enqueue(ctx, extraction.TopicLinks, crawler.URLTypeTopic); err != nil {
		return err
	}
	if err := w.enqueue(ctx, extraction.PaginationLinks, item.Type); err != nil {
		return err
	}

	if item.Type == crawler.URLTypeTopic {
		saved, err := w.savePosts(ctx, item, extraction.Posts)
		if err != nil {
			return err
		}
		if !saved {
			metrics.ObservePage(string(item.Type), "store_failed")
			if err := w.fail(ctx, item); err != nil {
				return err
			}
			return w.polite(ctx)
		}
	}

	if err := w.complete(ctx, item); err != nil {
		return err
	}
	if item.Type == crawler.URLTypeTopic {
		w.mu.Lock()
		w.processed++
		n := w.processed
		w.mu.Unlock()
		metrics.SetProcessedTopics(n)
	}
	metrics.ObservePage(string(item.Type), "completed")
	return w.polite(ctx)
}

// classify returns the page verdict, running the evasion loop when a
// challenge is detected and re-reading the content once it clears.
func (w *Worker) classify(ctx context.Context, item crawler.WorkItem, content string) (challenge.Verdict, string, error) {
	title, err := w.browser.CurrentTitle(ctx)
	if err != nil {
		w.logger.Debug("read title failed", zap.String("url", item.URL), zap.Error(err))
	}
	if w.controller.Classifier().Classify(title, content) == challenge.Clear {
		return challenge.Clear, content, nil
	}

	w.logger.Info("challenge detected", zap.String("url", item.URL), zap.String("title", title))
	metrics.ObserveChallenge(challenge.ChallengePresent.String())
	verdict, err := w.controller.Resolve(ctx, w.browser, item.URL)
	if err != nil {
		return challenge.Blocked, "", err
	}
	if verdict != challenge.Clear {
		return verdict, "", nil
	}
	cleared, err := w.browser.Content(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return challenge.Blocked, "", ctx.Err()
		}
		w.logger.Warn("read content after challenge", zap.String("url", item.URL), zap.Error(err))
	}
	return challenge.Clear, cleared, nil
}

func (w *Worker) enqueue(ctx context.Context, urls []string, urlType crawler.URLType) error {
	urls = crawler.CleanURLs(urls)
	if len(urls) == 0 {
		return nil
	}
	if w.seen != nil {
		fresh, err := w.seen.Filter(ctx, urls)
		if err != nil {
			w.logger.Warn("seen cache filter failed", zap.Error(err))
		} else {
			urls = fresh
		}
	}
	if len(urls) == 0 {
		return nil
	}
	added, err := w.frontier.AddURLs(ctx, urls, urlType)
	if err != nil {
		return w.storeFailure("add urls", err)
	}
	metrics.ObserveTransition("discovered", added)
	if w.seen != nil {
		if err := w.seen.Mark(ctx, urls); err != nil {
			w.logger.Warn("seen cache mark failed", zap.Error(err))
		}
	}
	return nil
}

// savePosts stores the page's posts. It reports false when a transient
// store failure means the page should be retried later.
func (w *Worker) savePosts(ctx context.Context, item crawler.WorkItem, posts []crawler.Post) (bool, error) {
	if len(posts) == 0 {
		w.logger.Info("no posts on topic page", zap.String("url", item.URL))
		return true, nil
	}
	now := w.clock.Now()
	topicID := w.extractor.TopicID(item.URL)
	ids := make([]string, 0, len(posts))
	for i := range posts {
		posts[i].SourceURL = item.URL
		if posts[i].TopicID == "" {
			posts[i].TopicID = topicID
		}
		posts[i].ScrapedAt = now
		ids = append(ids, posts[i].ID)
	}

	res, err := w.posts.SavePosts(ctx, posts)
	if err != nil {
		if ferr := w.storeFailure("save posts", err); ferr != nil {
			return false, ferr
		}
		return false, nil
	}
	metrics.ObservePosts(res.Inserted, res.Duplicates)
	w.logger.Info("saved posts",
		zap.String("url", item.URL),
		zap.Int("inserted", res.Inserted),
		zap.Int("duplicates", res.Duplicates),
	)

	if w.publisher != nil {
		event := crawler.PostsCaptured{
			WorkerID:   w.cfg.Owner,
			TopicID:    topicID,
			SourceURL:  item.URL,
			PostIDs:    ids,
			Inserted:   res.Inserted,
			CapturedAt: now,
		}
		if err := w.publisher.Publish(ctx, event); err != nil {
			w.logger.Warn("publish posts event failed", zap.String("url", item.URL), zap.Error(err))
		}
	}
	return true, nil
}

func (w *Worker) complete(ctx context.Context, item crawler.WorkItem) error {
	if err := w.frontier.MarkCompleted(ctx, item.URL, w.cfg.Owner); err != nil {
		return w.storeFailure("mark completed", err)
	}
	metrics.ObserveTransition("completed", 1)
	return nil
}

func (w *Worker) fail(ctx context.Context, item crawler.WorkItem) error {
	if err := w.frontier.MarkFailed(ctx, item.URL, w.cfg.Owner); err != nil {
		return w.storeFailure("mark failed", err)
	}
	metrics.ObserveTransition("failed", 1)
	return nil
}

// storeFailure returns err only when it must stop the worker; everything
// else is logged.
func (w *Worker) storeFailure(op string, err error) error {
	switch {
	case crawler.IsFatal(err):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, crawler.ErrNotClaimed):
		w.logger.Warn("lease lost", zap.String("op", op), zap.Error(err))
	default:
		w.logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
	}
	return nil
}

// politenessDelay returns base + uniform(JitterMin, JitterMax), floored at zero.
func (w *Worker) politenessDelay() time.Duration {
	delay := w.cfg.Politeness + w.cfg.JitterMin
	if spread := w.cfg.JitterMax - w.cfg.JitterMin; spread > 0 {
		delay += time.Duration(w.rng.Int64N(int64(spread) + 1))
	}
	if delay < 0 {
		return 0
	}
	return delay
}

func (w *Worker) polite(ctx context.Context) error {
	return w.sleeper.Sleep(ctx, w.politenessDelay())
}

// requeue puts an interrupted item back at the head of the batch so
// shutdown releases its claim.
func (w *Worker) requeue(item crawler.WorkItem) {
	w.mu.Lock()
	w.batch = append([]crawler.WorkItem{item}, w.batch...)
	w.mu.Unlock()
}

// releaseBatch hands unprocessed claims back to the frontier.
func (w *Worker) releaseBatch() {
	w.mu.Lock()
	urls := make([]string, 0, len(w.batch))
	for _, item := range w.batch {
		urls = append(urls, item.URL)
	}
	w.batch = nil
	w.mu.Unlock()
	if len(urls) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	n, err := w.frontier.Release(ctx, urls, w.cfg.Owner)
	if err != nil {
		w.logger.Warn("release claims failed", zap.Int("urls", len(urls)), zap.Error(err))
		return
	}
	metrics.ObserveTransition("released", n)
	w.logger.Info("released unprocessed claims", zap.Int("released", n))
}

func (w *Worker) targetReached() bool {
	return w.cfg.TargetTopics > 0 && w.Processed() >= w.cfg.TargetTopics
}

// Processed returns the number of topic pages completed by this worker.
func (w *Worker) Processed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed
}

// Status reports the worker's progress counters.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		WorkerID:          w.cfg.Owner,
		ProcessedTopics:   w.processed,
		TargetTopics:      w.cfg.TargetTopics,
		ConsecutiveBlocks: w.backoff.Consecutive(),
		Batched:           len(w.batch),
	}
}
