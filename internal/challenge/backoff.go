package challenge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/metrics"
)

// BackoffConfig tunes the cross-request backoff.
type BackoffConfig struct {
	Base      time.Duration
	Ceiling   time.Duration
	Threshold int
	Cooldown  time.Duration
}

// DefaultBackoffConfig returns 30s base, 10m ceiling, cooldown after 5 blocks.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:      30 * time.Second,
		Ceiling:   10 * time.Minute,
		Threshold: 5,
		Cooldown:  10 * time.Minute,
	}
}

// Backoff tracks consecutive blocked pages for one worker identity.
type Backoff struct {
	cfg     BackoffConfig
	sleeper crawler.Sleeper
	logger  *zap.Logger

	mu      sync.Mutex
	counter int
}

// NewBackoff constructs a Backoff. A nil sleeper uses real timers.
func NewBackoff(cfg BackoffConfig, sleeper crawler.Sleeper, logger *zap.Logger) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if sleeper == nil {
		sleeper = crawler.TimerSleeper{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backoff{cfg: cfg, sleeper: sleeper, logger: logger}
}

// Delay returns min(base * 2^(n-1), ceiling) for the nth consecutive block.
func (b *Backoff) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	delay := b.cfg.Base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= b.cfg.Ceiling {
			return b.cfg.Ceiling
		}
	}
	if delay > b.cfg.Ceiling {
		return b.cfg.Ceiling
	}
	return delay
}

// OnBlocked records a blocked page, sleeps the backoff delay, and forces one
// cooldown once the threshold is reached.
func (b *Backoff) OnBlocked(ctx context.Context) error {
	b.mu.Lock()
	b.counter++
	n := b.counter
	b.mu.Unlock()

	delay := b.Delay(n)
	b.logger.Warn("blocked; backing off",
		zap.Int("consecutive_blocks", n),
		zap.Duration("delay", delay),
	)
	metrics.ObserveBackoff(delay)
	if err := b.sleeper.Sleep(ctx, delay); err != nil {
		return err
	}

	if n < b.cfg.Threshold {
		return nil
	}
	b.logger.Warn("block threshold reached; cooling down",
		zap.Int("consecutive_blocks", n),
		zap.Duration("cooldown", b.cfg.Cooldown),
	)
	metrics.ObserveCooldown()
	if err := b.sleeper.Sleep(ctx, b.cfg.Cooldown); err != nil {
		return err
	}
	b.mu.Lock()
	b.counter = 0
	b.mu.Unlock()
	return nil
}

// OnClear resets the consecutive-block counter.
func (b *Backoff) OnClear() {
	b.mu.Lock()
	b.counter = 0
	b.mu.Unlock()
}

// Consecutive returns the current consecutive-block count.
func (b *Backoff) Consecutive() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counter
}
