// Package retry runs store operations with bounded, jittered exponential backoff
// and classifies the final failure for the orchestrator.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/metrics"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy mirrors the store defaults: three attempts starting at two seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Classifier reports whether an error is a connectivity failure worth retrying.
type Classifier func(err error) bool

// Retrier executes operations under a Policy.
type Retrier struct {
	policy    Policy
	transient Classifier
	sleeper   crawler.Sleeper
	logger    *zap.Logger
}

// Option customizes a Retrier.
type Option func(*Retrier)

// WithSleeper overrides the sleeper used between attempts.
func WithSleeper(s crawler.Sleeper) Option {
	return func(r *Retrier) {
		if s != nil {
			r.sleeper = s
		}
	}
}

// New builds a Retrier. A nil classifier treats every error as permanent.
func New(policy Policy, transient Classifier, logger *zap.Logger, opts ...Option) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if transient == nil {
		transient = func(error) bool { return false }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrier{
		policy:    policy,
		transient: transient,
		sleeper:   crawler.TimerSleeper{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// Exhausted connectivity failures come back as a fatal *crawler.StoreError;
// other failures as a transient one. ErrNotClaimed and context errors pass through.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, crawler.ErrNotClaimed) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !r.transient(err) {
			return &crawler.StoreError{Op: op, Kind: crawler.KindTransient, Attempts: attempt, Err: err}
		}
		if attempt >= r.policy.MaxAttempts {
			r.logger.Error("store retries exhausted",
				zap.String("op", op),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return &crawler.StoreError{Op: op, Kind: crawler.KindFatal, Attempts: attempt, Err: err}
		}
		delay := r.Backoff(attempt)
		metrics.ObserveStoreRetry(op)
		r.logger.Warn("store operation failed; retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if sleepErr := r.sleeper.Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// Backoff returns the wait before the attempt following the given one.
// The delay doubles per attempt, is capped at MaxDelay, and half of it is jittered.
func (r *Retrier) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
