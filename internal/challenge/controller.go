package challenge

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/clock/system"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/metrics"
)

// Config tunes the evasion sub-loop.
type Config struct {
	// Budget is the wall-clock limit for one Resolve call.
	Budget      time.Duration
	PollMin     time.Duration
	PollMax     time.Duration
	PollStep    time.Duration
	UnclearWait time.Duration
	// SnapshotEvery saves a screenshot on iterations 1, 1+n, 1+2n, ...; zero disables.
	SnapshotEvery  int
	SnapshotPrefix string
}

// DefaultConfig returns the evasion defaults.
func DefaultConfig() Config {
	return Config{
		Budget:         180 * time.Second,
		PollMin:        5 * time.Second,
		PollMax:        8 * time.Second,
		PollStep:       250 * time.Millisecond,
		UnclearWait:    4 * time.Second,
		SnapshotEvery:  6,
		SnapshotPrefix: "challenges",
	}
}

// Controller runs the evasion sub-loop against one browser session.
type Controller struct {
	cfg        Config
	classifier *Classifier
	strategy   Strategy
	sleeper    crawler.Sleeper
	clock      crawler.Clock
	rng        *rand.Rand
	snapshots  crawler.BlobStore
	hasher     crawler.Hasher
	logger     *zap.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithStrategy replaces the interaction strategy.
func WithStrategy(s Strategy) Option {
	return func(c *Controller) { c.strategy = s }
}

// WithSleeper replaces the wait implementation.
func WithSleeper(s crawler.Sleeper) Option {
	return func(c *Controller) { c.sleeper = s }
}

// WithClock replaces the clock used for the budget.
func WithClock(clock crawler.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithRand sets the random source for poll jitter.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) { c.rng = rng }
}

// WithSnapshots stores periodic screenshots of unresolved challenges.
func WithSnapshots(store crawler.BlobStore, hasher crawler.Hasher) Option {
	return func(c *Controller) {
		c.snapshots = store
		c.hasher = hasher
	}
}

// NewController builds a Controller with the human strategy and real timers
// unless options override them.
func NewController(cfg Config, classifier *Classifier, logger *zap.Logger, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.PollMin <= 0 {
		cfg.PollMin = def.PollMin
	}
	if cfg.PollMax < cfg.PollMin {
		cfg.PollMax = cfg.PollMin
	}
	if cfg.UnclearWait <= 0 {
		cfg.UnclearWait = def.UnclearWait
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = def.SnapshotPrefix
	}
	if classifier == nil {
		classifier = NewClassifier(nil, nil, "")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:        cfg,
		classifier: classifier,
		sleeper:    crawler.TimerSleeper{},
		clock:      system.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if c.strategy == nil {
		c.strategy = NewHumanStrategy(nil, 0, c.rng, logger)
	}
	return c
}

// Classifier returns the classifier used for verdicts.
func (c *Controller) Classifier() *Classifier {
	return c.classifier
}

// Resolve keeps interacting with the page until it settles into site content
// or the budget runs out, in which case it returns Blocked.
func (c *Controller) Resolve(ctx context.Context, b crawler.Browser, pageURL string) (Verdict, error) {
	start := c.clock.Now()
	deadline := start.Add(c.cfg.Budget)
	logger := c.logger.With(zap.String("url", pageURL))

	c.warmUp(ctx, b)

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return Blocked, err
		}
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			break
		}

		title, err := b.CurrentTitle(ctx)
		if err != nil {
			title = ""
		}
		if c.classifier.ExpectedTitle != "" && c.classifier.Settled(title) {
			return c.passed(logger, start, iteration), nil
		}
		content, err := b.Content(ctx)
		if err != nil {
			content = ""
		}

		var wait time.Duration
		switch verdict := c.classifier.Classify(title, content); {
		case verdict == Clear && c.classifier.Settled(title):
			return c.passed(logger, start, iteration), nil
		case verdict == ChallengePresent:
			if iteration%3 == 1 {
				logger.Info("still waiting for challenge", zap.Int("iteration", iteration))
			}
			c.snapshot(ctx, b, pageURL, iteration)
			if err := c.strategy.Interact(ctx, b, iteration); err != nil {
				return Blocked, err
			}
			wait = c.pollWait(iteration)
		default:
			if iteration > 5 {
				logger.Info("page state unclear", zap.String("title", title), zap.Int("iteration", iteration))
			}
			wait = c.cfg.UnclearWait
		}

		remaining = deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			break
		}
		if wait > remaining {
			wait = remaining
		}
		if err := c.sleeper.Sleep(ctx, wait); err != nil {
			return Blocked, err
		}
	}

	logger.Warn("challenge budget exhausted", zap.Duration("budget", c.cfg.Budget), zap.Error(crawler.ErrChallengeTimeout))
	metrics.ObserveChallenge(Blocked.String())
	return Blocked, nil
}

func (c *Controller) passed(logger *zap.Logger, start time.Time, iteration int) Verdict {
	logger.Info("challenge passed",
		zap.Duration("elapsed", c.clock.Now().Sub(start)),
		zap.Int("iterations", iteration),
	)
	metrics.ObserveChallenge("passed")
	return Clear
}

func (c *Controller) warmUp(ctx context.Context, b crawler.Browser) {
	steps := []func() error{
		func() error {
			return b.PointerMove(ctx, float64(200+c.rng.IntN(401)), float64(200+c.rng.IntN(401)))
		},
		func() error { return b.Key(ctx, "PageDown") },
		func() error { return b.Key(ctx, "PageUp") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			c.logger.Debug("challenge warm-up input failed", zap.Error(err))
			return
		}
	}
}

// pollWait returns uniform(PollMin, PollMax) plus iteration*PollStep.
func (c *Controller) pollWait(iteration int) time.Duration {
	wait := c.cfg.PollMin
	if spread := c.cfg.PollMax - c.cfg.PollMin; spread > 0 {
		wait += time.Duration(c.rng.Int64N(int64(spread) + 1))
	}
	return wait + time.Duration(iteration)*c.cfg.PollStep
}

func (c *Controller) snapshot(ctx context.Context, b crawler.Browser, pageURL string, iteration int) {
	if c.snapshots == nil || c.cfg.SnapshotEvery <= 0 || (iteration-1)%c.cfg.SnapshotEvery != 0 {
		return
	}
	shooter, ok := b.(crawler.Screenshotter)
	if !ok {
		return
	}
	png, err := shooter.Screenshot(ctx)
	if err != nil {
		c.logger.Debug("challenge screenshot failed", zap.Error(err))
		return
	}
	key := pageURL
	if c.hasher != nil {
		if digest, err := c.hasher.Hash([]byte(pageURL)); err == nil {
			key = digest
		}
	}
	path := fmt.Sprintf("%s/%s/%d-%d.png", c.cfg.SnapshotPrefix, key, c.clock.Now().Unix(), iteration)
	uri, err := c.snapshots.PutObject(ctx, path, "image/png", bytes.NewReader(png))
	if err != nil {
		c.logger.Warn("store challenge snapshot", zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Debug("challenge snapshot stored", zap.String("uri", uri))
}
