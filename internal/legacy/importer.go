// Package legacy imports posts captured by the earlier file-based crawler,
// which appended one JSON object per line to scraped_posts.jsonl.
package legacy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// DefaultBatchSize is the number of posts written per SavePosts call.
const DefaultBatchSize = 50

const maxLineBytes = 4 << 20

// Result summarizes one import run.
type Result struct {
	Read       int `json:"read"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Importer streams legacy records into a PostStore.
type Importer struct {
	store     crawler.PostStore
	batchSize int
	topicID   func(string) string
	clock     crawler.Clock
	logger    *zap.Logger
}

// NewImporter builds an Importer. topicID derives a topic id from a source
// URL and may be nil.
func NewImporter(store crawler.PostStore, batchSize int, topicID func(string) string, clock crawler.Clock, logger *zap.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{store: store, batchSize: batchSize, topicID: topicID, clock: clock, logger: logger}
}

// Import reads r line by line. Malformed lines are skipped; a store error
// aborts the run and returns the counts so far.
func (im *Importer) Import(ctx context.Context, r io.Reader) (Result, error) {
	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	batch := make([]crawler.Post, 0, im.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		saved, err := im.store.SavePosts(ctx, batch)
		if err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
		res.Inserted += saved.Inserted
		res.Duplicates += saved.Duplicates
		im.logger.Info("imported batch",
			zap.Int("read", res.Read),
			zap.Int("inserted", res.Inserted),
			zap.Int("duplicates", res.Duplicates),
		)
		batch = batch[:0]
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		res.Read++
		post, err := im.parse(raw)
		if err != nil {
			res.Skipped++
			im.logger.Debug("skipped line", zap.Int("line", line), zap.Error(err))
			continue
		}
		batch = append(batch, post)
		if len(batch) >= im.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("read legacy file: %w", err)
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

func (im *Importer) parse(raw string) (crawler.Post, error) {
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return crawler.Post{}, fmt.Errorf("decode: %w", err)
	}
	for _, key := range []string{"post_id", "author", "content"} {
		if _, ok := rec[key]; !ok {
			return crawler.Post{}, fmt.Errorf("missing %q", key)
		}
	}

	postTime := field(rec, "time")
	if postTime == "" {
		postTime = field(rec, "post_time")
	}
	post := crawler.Post{
		ID:        field(rec, "post_id"),
		Author:    field(rec, "author"),
		PostTime:  postTime,
		Content:   field(rec, "content"),
		SourceURL: field(rec, "source_url"),
		TopicID:   field(rec, "topic_id"),
	}
	if post.ID == "" {
		return crawler.Post{}, fmt.Errorf("empty post_id")
	}
	if post.TopicID == "" && im.topicID != nil && post.SourceURL != "" {
		post.TopicID = im.topicID(post.SourceURL)
	}
	if ts := field(rec, "scraped_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			post.ScrapedAt = parsed.UTC()
		}
	}
	if post.ScrapedAt.IsZero() && im.clock != nil {
		post.ScrapedAt = im.clock.Now()
	}
	return post, nil
}

// field returns rec[key] as a NUL-free string.
func field(rec map[string]any, key string) string {
	v, ok := rec[key]
	if !ok || v == nil {
		return ""
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strings.TrimSuffix(fmt.Sprintf("%f", t), ".000000")
	default:
		s = fmt.Sprint(t)
	}
	return strings.ReplaceAll(s, "\x00", "")
}
