package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

const insertPostQuery = `
INSERT INTO posts (post_id, author, post_time, content, source_url, topic_id, scraped_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (post_id) DO NOTHING`

// SavePosts inserts posts; an existing post_id keeps its first stored version.
func (s *Store) SavePosts(ctx context.Context, posts []crawler.Post) (crawler.SaveResult, error) {
	var res crawler.SaveResult
	for _, p := range posts {
		if p.ID == "" {
			continue
		}
		scrapedAt := p.ScrapedAt
		if scrapedAt.IsZero() {
			scrapedAt = s.clock.Now()
		}
		var inserted bool
		err := s.retry.Do(ctx, "save_post", func(ctx context.Context) error {
			tag, err := s.db.Exec(ctx, insertPostQuery,
				p.ID, p.Author, p.PostTime, p.Content, p.SourceURL, p.TopicID, scrapedAt)
			if err != nil {
				return err
			}
			inserted = tag.RowsAffected() > 0
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("save post %s: %w", p.ID, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}
	return res, nil
}
