// Package postgres implements the shared frontier and post store on Postgres.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/retry"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Retry           retry.Policy
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements crawler.Frontier and crawler.PostStore.
type Store struct {
	db     dbtx
	clock  crawler.Clock
	retry  *retry.Retrier
	logger *zap.Logger
}

// Option customizes a Store.
type Option func(*storeOptions)

type storeOptions struct {
	retryOpts []retry.Option
}

// WithRetryOptions forwards options to the internal retrier.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *storeOptions) {
		o.retryOpts = append(o.retryOpts, opts...)
	}
}

// Open builds a pool from cfg and verifies connectivity with bounded retries.
func Open(ctx context.Context, cfg Config, clock crawler.Clock, logger *zap.Logger, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if poolCfg.ConnConfig.ConnectTimeout == 0 {
		poolCfg.ConnConfig.ConnectTimeout = 15 * time.Second
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Retry, clock, logger, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(db dbtx, policy retry.Policy, clock crawler.Clock, logger *zap.Logger, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		db:     db,
		clock:  clock,
		retry:  retry.New(policy, isTransient, logger.Named("postgres"), o.retryOpts...),
		logger: logger,
	}, nil
}

// Ping checks connectivity, retrying connection failures.
func (s *Store) Ping(ctx context.Context) error {
	return s.retry.Do(ctx, "ping", func(ctx context.Context) error {
		return s.db.Ping(ctx)
	})
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}
