// Package sqlite implements the frontier and post store on a local SQLite
// file for single-host crawls.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/retry"
)

// Options configures the SQLite store.
type Options struct {
	// Path is the database file; parent directories are created.
	Path  string
	Retry retry.Policy
}

// Store implements crawler.Frontier and crawler.PostStore on SQLite.
type Store struct {
	db     *sql.DB
	path   string
	clock  crawler.Clock
	retry  *retry.Retrier
	logger *zap.Logger
}

// Open creates or opens the database, enables WAL, and creates the schema.
func Open(ctx context.Context, opts Options, clock crawler.Clock, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("store.sqlite_path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers, which is what makes claims atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		path:   opts.Path,
		clock:  clock,
		retry:  retry.New(opts.Retry, isBusy, logger.Named("sqlite")),
		logger: logger,
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the frontier and posts tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS frontier (
		url          TEXT PRIMARY KEY,
		status       TEXT NOT NULL DEFAULT 'pending',
		url_type     TEXT NOT NULL,
		last_visited INTEGER NOT NULL,
		claimed_by   TEXT,
		attempts     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS frontier_claim_idx ON frontier (status, url_type, last_visited);

	CREATE TABLE IF NOT EXISTS posts (
		post_id    TEXT PRIMARY KEY,
		author     TEXT,
		post_time  TEXT,
		content    TEXT,
		source_url TEXT,
		topic_id   TEXT,
		scraped_at TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// SQLITE_BUSY and SQLITE_LOCKED primary result codes.
const (
	codeBusy   = 5
	codeLocked = 6
)

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		primary := se.Code() & 0xff
		return primary == codeBusy || primary == codeLocked
	}
	return false
}
