package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/config"
	"github.com/JakeFAU/forum-crawler/internal/publisher/async"
	"github.com/JakeFAU/forum-crawler/internal/publisher/fanout"
)

func TestWorkerConfigMapping(t *testing.T) {
	t.Parallel()

	got := workerConfig(testConfig(), "owner-1")
	assert.Equal(t, "owner-1", got.Owner)
	assert.Equal(t, "https://forum.test", got.SeedURL)
	assert.Equal(t, 10, got.TargetTopics)
	assert.Equal(t, 30*time.Second, got.IdleSleep)
	assert.Equal(t, 12*time.Second, got.Politeness)
	assert.Equal(t, -time.Second, got.JitterMin)
	assert.Equal(t, 2500*time.Millisecond, got.JitterMax)
	assert.True(t, got.Shuffle)
}

func TestChallengeAndBackoffMapping(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	ch := challengeConfig(cfg)
	assert.Equal(t, 180*time.Second, ch.Budget)
	assert.Equal(t, 250*time.Millisecond, ch.PollStep)
	assert.Equal(t, "challenges", ch.SnapshotPrefix)

	b := backoffConfig(cfg.Challenge)
	assert.Equal(t, 30*time.Second, b.Base)
	assert.Equal(t, 10*time.Minute, b.Ceiling)
	assert.Equal(t, 5, b.Threshold)
}

func TestSweeperAndRetryMapping(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	s := sweeperConfig(cfg)
	assert.Equal(t, 2*time.Hour, s.Lease)
	assert.Equal(t, 5*time.Minute, s.Interval)
	assert.Equal(t, time.Hour, s.Retry.Cooldown)
	assert.Equal(t, 5, s.Retry.MaxAttempts)

	p := storeRetryPolicy(cfg.Store)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
}

func TestRateLimitConfigMapping(t *testing.T) {
	t.Parallel()

	got := rateLimitConfig(config.PolitenessConfig{MaxPagesPerMinute: 4, Burst: 2})
	assert.InDelta(t, 4.0, got.PagesPerMinute, 1e-9)
	assert.Equal(t, 2, got.Burst)
}

func TestBrowserConfigMapping(t *testing.T) {
	t.Parallel()

	got := browserConfig(testConfig())
	assert.Equal(t, 1280, got.ViewportWidth)
	assert.Equal(t, 1500*time.Millisecond, got.SettleDelay)
	assert.Equal(t, time.Minute, got.NavigationTimeout)
}

func TestBuildersDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := zap.NewNop()

	seen, closeSeen, err := buildSeen(config.SeenConfig{Backend: "none"}, fixedClock{}, logger)
	require.NoError(t, err)
	assert.Nil(t, seen)
	closeSeen()

	pub, closePub, err := buildPublisher(ctx, config.PublisherConfig{}, logger)
	require.NoError(t, err)
	assert.Nil(t, pub)
	closePub()

	snaps, closeSnaps, err := buildSnapshots(ctx, config.SnapshotsConfig{Kind: "none"}, logger)
	require.NoError(t, err)
	assert.Nil(t, snaps)
	closeSnaps()
}

func TestBuildersUnknownKinds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := zap.NewNop()

	_, _, err := buildSeen(config.SeenConfig{Backend: "memcached"}, fixedClock{}, logger)
	require.Error(t, err)
	_, _, err = buildPublisher(ctx, config.PublisherConfig{Kind: "nats"}, logger)
	require.Error(t, err)
	_, _, err = buildSnapshots(ctx, config.SnapshotsConfig{Kind: "s3"}, logger)
	require.Error(t, err)
}

func TestBuildLocalBackends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := zap.NewNop()
	dir := t.TempDir()

	seen, closeSeen, err := buildSeen(config.SeenConfig{Backend: "bbolt", Path: dir + "/seen.db", TTLSeconds: 60}, fixedClock{}, logger)
	require.NoError(t, err)
	require.NotNil(t, seen)
	closeSeen()

	snaps, closeSnaps, err := buildSnapshots(ctx, config.SnapshotsConfig{Kind: "local", Dir: dir + "/snaps"}, logger)
	require.NoError(t, err)
	require.NotNil(t, snaps)
	closeSnaps()

	pub, closePub, err := buildPublisher(ctx, config.PublisherConfig{Kind: "webhook", URL: "http://127.0.0.1:1/hook", TimeoutSeconds: 1}, logger)
	require.NoError(t, err)
	require.IsType(t, &fanout.Publisher{}, pub)
	require.Equal(t, 1, pub.(*fanout.Publisher).Len())
	closePub()

	pub, closePub, err = buildPublisher(ctx, config.PublisherConfig{Kind: "webhook, webhook", URL: "http://127.0.0.1:1/hook", Async: true, BufferSize: 4}, logger)
	require.NoError(t, err)
	require.IsType(t, &async.Publisher{}, pub)
	closePub()
}
