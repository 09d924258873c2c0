package legacy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func topicFromURL(u string) string {
	parts := strings.Split(strings.TrimPrefix(u, "https://forum.test/"), "/")
	return parts[0]
}

func TestImportHandlesBothTimeKeys(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`{"post_id":"1","author":"ada","time":"9:00am","content":"a\u0000b","source_url":"https://forum.test/77/x"}`,
		`{"post_id":"2","author":"bola","post_time":"10:00am","content":"c"}`,
		``,
		`not json`,
		`{"post_id":"3","content":"no author"}`,
		`{"post_id":1.5e3,"author":"num","content":"numeric id"}`,
	}, "\n")

	store := memory.NewPostStore()
	now := time.Unix(1700000000, 0).UTC()
	im := NewImporter(store, 0, topicFromURL, fixedClock{now: now}, nil)

	res, err := im.Import(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, Result{Read: 5, Inserted: 3, Skipped: 2}, res)

	p1, ok := store.Get("1")
	require.True(t, ok)
	require.Equal(t, "ab", p1.Content)
	require.Equal(t, "9:00am", p1.PostTime)
	require.Equal(t, "77", p1.TopicID)
	require.Equal(t, now, p1.ScrapedAt)

	p2, ok := store.Get("2")
	require.True(t, ok)
	require.Equal(t, "10:00am", p2.PostTime)

	_, ok = store.Get("1500")
	require.True(t, ok)
}

func TestImportBatchesAndCountsDuplicates(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&b, `{"post_id":"%d","author":"a","content":"c"}`+"\n", i%100)
	}
	store := &countingStore{PostStore: memory.NewPostStore()}
	im := NewImporter(store, 0, nil, nil, nil)

	res, err := im.Import(context.Background(), strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Equal(t, Result{Read: 120, Inserted: 100, Duplicates: 20}, res)
	require.Equal(t, []int{50, 50, 20}, store.sizes)
}

func TestImportStopsOnStoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	im := NewImporter(failingStore{err: boom}, 1, nil, nil, nil)
	res, err := im.Import(context.Background(), strings.NewReader(`{"post_id":"1","author":"a","content":"c"}`+"\n"))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, res.Read)
}

type countingStore struct {
	*memory.PostStore
	sizes []int
}

func (s *countingStore) SavePosts(ctx context.Context, posts []crawler.Post) (crawler.SaveResult, error) {
	s.sizes = append(s.sizes, len(posts))
	return s.PostStore.SavePosts(ctx, posts)
}

type failingStore struct{ err error }

func (f failingStore) SavePosts(context.Context, []crawler.Post) (crawler.SaveResult, error) {
	return crawler.SaveResult{}, f.err
}
