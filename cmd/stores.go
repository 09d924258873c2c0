package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/config"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/storage/memory"
	"github.com/JakeFAU/forum-crawler/internal/storage/postgres"
	"github.com/JakeFAU/forum-crawler/internal/storage/sqlite"
)

// backend is a frontier and post store sharing one connection.
type backend interface {
	crawler.Frontier
	crawler.PostStore
}

type memoryBackend struct {
	*memory.Frontier
	*memory.PostStore
}

// openedStore pairs a backend with its lifecycle hooks.
type openedStore struct {
	backend
	migrate func(ctx context.Context) error
	close   func()
}

// openStore connects to the configured driver. When migrate is set the
// schema is created before returning.
func openStore(ctx context.Context, cfg config.StoreConfig, clock crawler.Clock, logger *zap.Logger, migrate bool) (*openedStore, error) {
	policy := storeRetryPolicy(cfg)
	var out *openedStore
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
			Retry:    policy,
		}, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		out = &openedStore{backend: st, migrate: st.Migrate, close: st.Close}
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, sqlite.Options{Path: cfg.SQLitePath, Retry: policy}, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		out = &openedStore{
			backend: st,
			migrate: st.Migrate,
			close: func() {
				if err := st.Close(); err != nil {
					logger.Warn("close sqlite store", zap.Error(err))
				}
			},
		}
	case config.DriverMemory:
		out = &openedStore{
			backend: memoryBackend{Frontier: memory.NewFrontier(clock), PostStore: memory.NewPostStore()},
			migrate: func(context.Context) error { return nil },
			close:   func() {},
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if migrate {
		if err := out.migrate(ctx); err != nil {
			out.close()
			return nil, fmt.Errorf("migrate store: %w", err)
		}
	}
	return out, nil
}
