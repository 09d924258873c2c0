package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/metrics"
)

// SweeperConfig controls lease expiry and failed-entry retry.
type SweeperConfig struct {
	Lease    time.Duration
	Interval time.Duration
	Retry    crawler.RetryPolicy
}

// Sweeper returns expired claims and cooled-down failures to pending.
type Sweeper struct {
	frontier crawler.Frontier
	cfg      SweeperConfig
	logger   *zap.Logger
}

// NewSweeper constructs a Sweeper; Lease defaults to 2h and Interval to 5m.
func NewSweeper(frontier crawler.Frontier, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{frontier: frontier, cfg: cfg, logger: logger}
}

// Sweep runs one reclaim and retry pass.
func (s *Sweeper) Sweep(ctx context.Context) (reclaimed, retried int, err error) {
	reclaimed, err = s.frontier.ReclaimStale(ctx, s.cfg.Lease)
	if err != nil {
		return 0, 0, err
	}
	metrics.ObserveTransition("reclaimed", reclaimed)

	retried, err = s.frontier.RetryFailed(ctx, s.cfg.Retry)
	if err != nil {
		return reclaimed, 0, err
	}
	metrics.ObserveTransition("retried", retried)

	if reclaimed > 0 || retried > 0 {
		s.logger.Info("frontier sweep",
			zap.Int("reclaimed", reclaimed),
			zap.Int("retried", retried),
			zap.Duration("lease", s.cfg.Lease),
		)
	}
	return reclaimed, retried, nil
}

// Run sweeps immediately and then every Interval until ctx ends. Only a
// fatal store error stops it early.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, _, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if crawler.IsFatal(err) {
				return err
			}
			s.logger.Warn("frontier sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
