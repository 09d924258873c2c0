package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

const addURLsQuery = `
INSERT INTO frontier (url, url_type, status, last_visited)
SELECT u, $2, 'pending', $3 FROM unnest($1::text[]) AS u
ON CONFLICT (url) DO NOTHING`

// AddURLs inserts unknown URLs as pending and returns how many were new.
func (s *Store) AddURLs(ctx context.Context, urls []string, urlType crawler.URLType) (int, error) {
	urls = crawler.CleanURLs(urls)
	if len(urls) == 0 {
		return 0, nil
	}
	now := s.clock.Now()
	var added int64
	err := s.retry.Do(ctx, "add_urls", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, addURLsQuery, urls, string(urlType), now)
		if err != nil {
			return err
		}
		added = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add urls: %w", err)
	}
	return int(added), nil
}

// The row lock with SKIP LOCKED and the status update happen in one
// statement, so concurrent claimers never receive the same URL.
const claimBatchQuery = `
WITH picked AS (
	SELECT url FROM frontier
	WHERE status = 'pending' AND ($1 = '' OR url_type = $1)
	ORDER BY last_visited ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE frontier AS f
SET status = 'processing', claimed_by = $3, last_visited = $4
FROM picked
WHERE f.url = picked.url
RETURNING f.url, f.url_type`

// ClaimBatch moves up to limit pending entries to processing under owner.
func (s *Store) ClaimBatch(ctx context.Context, urlType crawler.URLType, limit int, owner string) ([]crawler.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	var items []crawler.WorkItem
	err := s.retry.Do(ctx, "claim_batch", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, claimBatchQuery, string(urlType), limit, owner, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		items = items[:0]
		for rows.Next() {
			var (
				u string
				t string
			)
			if err := rows.Scan(&u, &t); err != nil {
				return err
			}
			items = append(items, crawler.WorkItem{URL: u, Type: crawler.URLType(t)})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return items, nil
}

// IsClaimedOrDone reports whether url is completed or held by someone other than owner.
func (s *Store) IsClaimedOrDone(ctx context.Context, url, owner string) (bool, error) {
	var (
		status    string
		claimedBy string
		found     bool
	)
	err := s.retry.Do(ctx, "is_claimed_or_done", func(ctx context.Context) error {
		err := s.db.QueryRow(ctx,
			`SELECT status, COALESCE(claimed_by, '') FROM frontier WHERE url = $1`, url,
		).Scan(&status, &claimedBy)
		if errors.Is(err, pgx.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check claim: %w", err)
	}
	if !found {
		return false, nil
	}
	switch crawler.Status(status) {
	case crawler.StatusCompleted:
		return true, nil
	case crawler.StatusProcessing:
		return owner == "" || claimedBy != owner, nil
	default:
		return owner != "", nil
	}
}

const markCompletedQuery = `
UPDATE frontier SET status = 'completed', claimed_by = NULL, last_visited = $3
WHERE url = $1 AND status = 'processing' AND claimed_by = $2`

const markFailedQuery = `
UPDATE frontier SET status = 'failed', claimed_by = NULL, last_visited = $3, attempts = attempts + 1
WHERE url = $1 AND status = 'processing' AND claimed_by = $2`

// MarkCompleted finishes an owned entry.
func (s *Store) MarkCompleted(ctx context.Context, url, owner string) error {
	return s.finish(ctx, "mark_completed", markCompletedQuery, url, owner)
}

// MarkFailed fails an owned entry and bumps its attempt count.
func (s *Store) MarkFailed(ctx context.Context, url, owner string) error {
	return s.finish(ctx, "mark_failed", markFailedQuery, url, owner)
}

func (s *Store) finish(ctx context.Context, op, query, url, owner string) error {
	now := s.clock.Now()
	err := s.retry.Do(ctx, op, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, query, url, owner, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return crawler.ErrNotClaimed
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, url, err)
	}
	return nil
}

const releaseQuery = `
UPDATE frontier SET status = 'pending', claimed_by = NULL, last_visited = $3
WHERE url = ANY($1) AND status = 'processing' AND claimed_by = $2`

// Release returns still-owned processing entries to pending.
func (s *Store) Release(ctx context.Context, urls []string, owner string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	now := s.clock.Now()
	var n int64
	err := s.retry.Do(ctx, "release", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, releaseQuery, urls, owner, now)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return int(n), nil
}

const reclaimStaleQuery = `
UPDATE frontier SET status = 'pending', claimed_by = NULL, last_visited = $1
WHERE status = 'processing' AND last_visited < $2`

// ReclaimStale returns processing entries older than olderThan to pending.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-olderThan)
	var n int64
	err := s.retry.Do(ctx, "reclaim_stale", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, reclaimStaleQuery, now, cutoff)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	return int(n), nil
}

const retryFailedQuery = `
UPDATE frontier SET status = 'pending', last_visited = $1
WHERE status = 'failed'
  AND ($4::int <= 0 OR attempts < $4::int)
  AND last_visited <= $1 - make_interval(secs => $2::double precision *
      power($3::double precision, LEAST(GREATEST(attempts - 1, 0), $5::int)))`

// RetryFailed returns failed entries whose cooldown elapsed to pending.
func (s *Store) RetryFailed(ctx context.Context, policy crawler.RetryPolicy) (int, error) {
	now := s.clock.Now()
	factor := 1.0
	if policy.Exponential {
		factor = 2.0
	}
	var n int64
	err := s.retry.Do(ctx, "retry_failed", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, retryFailedQuery,
			now, policy.Cooldown.Seconds(), factor, policy.MaxAttempts, crawler.MaxRetryExponent)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return int(n), nil
}

// Stats counts entries by status.
func (s *Store) Stats(ctx context.Context) (map[crawler.Status]int, error) {
	out := make(map[crawler.Status]int, 4)
	err := s.retry.Do(ctx, "stats", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `SELECT status, count(*) FROM frontier GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		clear(out)
		for rows.Next() {
			var (
				status string
				count  int64
			)
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			out[crawler.Status(status)] = int(count)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("frontier stats: %w", err)
	}
	return out, nil
}
