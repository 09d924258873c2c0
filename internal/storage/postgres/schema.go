package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS frontier (
	url          TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'pending',
	url_type     TEXT NOT NULL,
	last_visited TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_by   TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0
)`,
	`ALTER TABLE frontier ADD COLUMN IF NOT EXISTS claimed_by TEXT`,
	`ALTER TABLE frontier ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS frontier_claim_idx ON frontier (status, url_type, last_visited)`,
	`CREATE TABLE IF NOT EXISTS posts (
	post_id    TEXT PRIMARY KEY,
	author     TEXT,
	post_time  TEXT,
	content    TEXT,
	source_url TEXT,
	topic_id   TEXT,
	scraped_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`ALTER TABLE posts ADD COLUMN IF NOT EXISTS topic_id TEXT`,
}

// Migrate creates the frontier and posts tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		err := s.retry.Do(ctx, "migrate", func(ctx context.Context) error {
			_, err := s.db.Exec(ctx, stmt)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
