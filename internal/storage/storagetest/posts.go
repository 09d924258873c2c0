package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// PostLookup reads back a stored post so suites can check the conflict policy.
type PostLookup func(t *testing.T, id string) (crawler.Post, bool)

// RunPostStore checks first-write-wins semantics against a backend.
func RunPostStore(t *testing.T, store crawler.PostStore, lookup PostLookup) {
	ctx := context.Background()
	first := crawler.Post{
		ID:        "1001",
		Author:    "seun",
		PostTime:  "10:12am On Mar 01",
		Content:   "original body",
		SourceURL: "https://forum.test/77/topic",
		TopicID:   "77",
		ScrapedAt: epoch,
	}

	res, err := store.SavePosts(ctx, []crawler.Post{first, {ID: "1002", Content: "other", TopicID: "77", ScrapedAt: epoch}})
	require.NoError(t, err)
	require.Equal(t, crawler.SaveResult{Inserted: 2}, res)

	second := first
	second.Content = "edited body"
	second.ScrapedAt = epoch.Add(time.Hour)
	res, err = store.SavePosts(ctx, []crawler.Post{second})
	require.NoError(t, err)
	require.Equal(t, crawler.SaveResult{Duplicates: 1}, res)

	got, ok := lookup(t, "1001")
	require.True(t, ok)
	require.Equal(t, "original body", got.Content)
	require.Equal(t, "seun", got.Author)

	res, err = store.SavePosts(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, crawler.SaveResult{}, res)
}
