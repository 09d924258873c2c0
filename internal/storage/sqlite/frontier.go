package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// AddURLs inserts unknown URLs as pending and returns how many were new.
func (s *Store) AddURLs(ctx context.Context, urls []string, urlType crawler.URLType) (int, error) {
	urls = crawler.CleanURLs(urls)
	if len(urls) == 0 {
		return 0, nil
	}
	now := s.clock.Now().UnixNano()
	var added int
	err := s.retry.Do(ctx, "add_urls", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO frontier (url, url_type, status, last_visited) VALUES (?, ?, 'pending', ?)
			 ON CONFLICT (url) DO NOTHING`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		n := 0
		for _, u := range urls {
			res, err := stmt.ExecContext(ctx, u, string(urlType), now)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			n += int(affected)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		added = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("add urls: %w", err)
	}
	return added, nil
}

const claimBatchQuery = `
UPDATE frontier SET status = 'processing', claimed_by = ?, last_visited = ?
WHERE url IN (
	SELECT url FROM frontier
	WHERE status = 'pending' AND (? = '' OR url_type = ?)
	ORDER BY last_visited ASC, rowid ASC
	LIMIT ?
)
RETURNING url, url_type`

// ClaimBatch moves up to limit pending entries to processing under owner in one statement.
func (s *Store) ClaimBatch(ctx context.Context, urlType crawler.URLType, limit int, owner string) ([]crawler.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.clock.Now().UnixNano()
	var items []crawler.WorkItem
	err := s.retry.Do(ctx, "claim_batch", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, claimBatchQuery, owner, now, string(urlType), string(urlType), limit)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		items = items[:0]
		for rows.Next() {
			var u, t string
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
		claimedBy sql.NullString
		found     bool
	)
	err := s.retry.Do(ctx, "is_claimed_or_done", func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx,
			`SELECT status, claimed_by FROM frontier WHERE url = ?`, url,
		).Scan(&status, &claimedBy)
		if errors.Is(err, sql.ErrNoRows) {
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
		return owner == "" || claimedBy.String != owner, nil
	default:
		return owner != "", nil
	}
}

// MarkCompleted finishes an owned entry.
func (s *Store) MarkCompleted(ctx context.Context, url, owner string) error {
	return s.finish(ctx, "mark_completed",
		`UPDATE frontier SET status = 'completed', claimed_by = NULL, last_visited = ?
		 WHERE url = ? AND status = 'processing' AND claimed_by = ?`, url, owner)
}

// MarkFailed fails an owned entry and bumps its attempt count.
func (s *Store) MarkFailed(ctx context.Context, url, owner string) error {
	return s.finish(ctx, "mark_failed",
		`UPDATE frontier SET status = 'failed', claimed_by = NULL, last_visited = ?, attempts = attempts + 1
		 WHERE url = ? AND status = 'processing' AND claimed_by = ?`, url, owner)
}

func (s *Store) finish(ctx context.Context, op, query, url, owner string) error {
	now := s.clock.Now().UnixNano()
	err := s.retry.Do(ctx, op, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, now, url, owner)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return crawler.ErrNotClaimed
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, url, err)
	}
	return nil
}

// Release returns still-owned processing entries to pending.
func (s *Store) Release(ctx context.Context, urls []string, owner string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	now := s.clock.Now().UnixNano()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(urls)), ",")
	query := fmt.Sprintf(`UPDATE frontier SET status = 'pending', claimed_by = NULL, last_visited = ?
		WHERE status = 'processing' AND claimed_by = ? AND url IN (%s)`, placeholders)
	args := make([]any, 0, len(urls)+2)
	args = append(args, now, owner)
	for _, u := range urls {
		args = append(args, u)
	}
	var n int64
	err := s.retry.Do(ctx, "release", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release claims: %w", err)
	}
	return int(n), nil
}

// ReclaimStale returns processing entries older than olderThan to pending.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := s.clock.Now()
	var n int64
	err := s.retry.Do(ctx, "reclaim_stale", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE frontier SET status = 'pending', claimed_by = NULL, last_visited = ?
			 WHERE status = 'processing' AND last_visited < ?`,
			now.UnixNano(), now.Add(-olderThan).UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	return int(n), nil
}

// RetryFailed returns failed entries whose cooldown elapsed to pending.
func (s *Store) RetryFailed(ctx context.Context, policy crawler.RetryPolicy) (int, error) {
	now := s.clock.Now()
	var total int
	err := s.retry.Do(ctx, "retry_failed", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT url, attempts, last_visited FROM frontier WHERE status = 'failed'`)
		if err != nil {
			return err
		}
		var due []string
		for rows.Next() {
			var (
				u        string
				attempts int
				last     int64
			)
			if err := rows.Scan(&u, &attempts, &last); err != nil {
				_ = rows.Close()
				return err
			}
			if !policy.Eligible(attempts) {
				continue
			}
			if now.Sub(time.Unix(0, last)) >= policy.CooldownFor(attempts) {
				due = append(due, u)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		n := 0
		for _, u := range due {
			res, err := tx.ExecContext(ctx,
				`UPDATE frontier SET status = 'pending', last_visited = ? WHERE url = ? AND status = 'failed'`,
				now.UnixNano(), u)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			n += int(affected)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		total = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	return total, nil
}

// Stats counts entries by status.
func (s *Store) Stats(ctx context.Context) (map[crawler.Status]int, error) {
	out := make(map[crawler.Status]int, 4)
	err := s.retry.Do(ctx, "stats", func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM frontier GROUP BY status`)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		clear(out)
		for rows.Next() {
			var (
				status string
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			out[crawler.Status(status)] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("frontier stats: %w", err)
	}
	return out, nil
}
