package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-crawler/internal/storage/storagetest"
)

func openCache(t *testing.T) (*Cache, *storagetest.ManualClock) {
	t.Helper()
	clock := storagetest.NewManualClock(time.Unix(1700000000, 0).UTC())
	c, err := Open(filepath.Join(t.TempDir(), "seen", "urls.db"), time.Hour, clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestFilterAndMark(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, clock := openCache(t)

	urls := []string{"https://forum.test/1/a", "https://forum.test/2/b"}
	fresh, err := c.Filter(ctx, urls)
	require.NoError(t, err)
	require.Equal(t, urls, fresh)

	require.NoError(t, c.Mark(ctx, urls[:1]))
	fresh, err = c.Filter(ctx, urls)
	require.NoError(t, err)
	require.Equal(t, urls[1:], fresh)

	clock.Advance(time.Hour + time.Second)
	fresh, err = c.Filter(ctx, urls)
	require.NoError(t, err)
	require.Equal(t, urls, fresh)
}

func TestPurgeRemovesExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, clock := openCache(t)

	require.NoError(t, c.Mark(ctx, []string{"a", "b"}))
	clock.Advance(30 * time.Minute)
	require.NoError(t, c.Mark(ctx, []string{"c"}))
	clock.Advance(45 * time.Minute)

	removed, err := c.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	fresh, err := c.Filter(ctx, []string{"a", "c"})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, fresh)
}

func TestOpenValidates(t *testing.T) {
	t.Parallel()

	clock := storagetest.NewManualClock(time.Now())
	_, err := Open("", time.Hour, clock)
	require.Error(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "x.db"), 0, clock)
	require.Error(t, err)
	_, err = Open(filepath.Join(t.TempDir(), "x.db"), time.Hour, nil)
	require.Error(t, err)
}
