package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// SavePosts inserts posts; an existing post_id keeps its first stored version.
func (s *Store) SavePosts(ctx context.Context, posts []crawler.Post) (crawler.SaveResult, error) {
	var res crawler.SaveResult
	if len(posts) == 0 {
		return res, nil
	}
	err := s.retry.Do(ctx, "save_posts", func(ctx context.Context) error {
		res = crawler.SaveResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO posts (post_id, author, post_time, content, source_url, topic_id, scraped_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (post_id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()
		for _, p := range posts {
			if p.ID == "" {
				continue
			}
			scrapedAt := p.ScrapedAt
			if scrapedAt.IsZero() {
				scrapedAt = s.clock.Now()
			}
			r, err := stmt.ExecContext(ctx, p.ID, p.Author, p.PostTime, p.Content, p.SourceURL, p.TopicID,
				scrapedAt.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return err
			}
			n, err := r.RowsAffected()
			if err != nil {
				return err
			}
			if n > 0 {
				res.Inserted++
			} else {
				res.Duplicates++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return crawler.SaveResult{}, fmt.Errorf("save posts: %w", err)
	}
	return res, nil
}

// GetPost reads back a stored post.
func (s *Store) GetPost(ctx context.Context, id string) (crawler.Post, bool, error) {
	var (
		p         crawler.Post
		scrapedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT post_id, author, post_time, content, source_url, topic_id, scraped_at FROM posts WHERE post_id = ?`, id,
	).Scan(&p.ID, &p.Author, &p.PostTime, &p.Content, &p.SourceURL, &p.TopicID, &scrapedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.Post{}, false, nil
	}
	if err != nil {
		return crawler.Post{}, false, fmt.Errorf("get post %s: %w", id, err)
	}
	if ts, perr := time.Parse(time.RFC3339Nano, scrapedAt); perr == nil {
		p.ScrapedAt = ts
	}
	return p, true, nil
}
