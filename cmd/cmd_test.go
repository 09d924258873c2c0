package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/config"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

func testConfig() config.Config {
	return config.Config{
		Crawl: config.CrawlConfig{
			SeedURL:              "https://forum.test",
			TargetTopics:         10,
			ListingBatch:         20,
			TopicBatch:           50,
			BootstrapBatch:       10,
			IdleSleepSeconds:     30,
			RenderTimeoutSeconds: 60,
			StartupJitterSeconds: 5,
			ShuffleBatch:         true,
		},
		Politeness: config.PolitenessConfig{DelaySeconds: 12, JitterMinSeconds: -1, JitterMaxSeconds: 2.5},
		Browser:    config.BrowserConfig{ViewportWidth: 1280, ViewportHeight: 720, SettleDelayMs: 1500},
		Challenge: config.ChallengeConfig{
			BudgetSeconds:         180,
			PollMinSeconds:        5,
			PollMaxSeconds:        8,
			PollStepMs:            250,
			UnclearWaitSeconds:    4,
			BackoffBaseSeconds:    30,
			BackoffCeilingSeconds: 600,
			CooldownThreshold:     5,
			CooldownSeconds:       600,
			SnapshotEvery:         6,
		},
		Frontier: config.FrontierConfig{
			LeaseSeconds:         7200,
			SweepIntervalSeconds: 300,
			RetryCooldownSeconds: 3600,
			RetryExponential:     true,
			MaxAttempts:          5,
		},
		Store:     config.StoreConfig{Driver: config.DriverMemory, RetryAttempts: 3, RetryBaseMs: 2000, RetryMaxMs: 30000},
		Snapshots: config.SnapshotsConfig{Prefix: "challenges"},
	}
}

// withEnv swaps the command environment for the duration of a test.
func withEnv(t *testing.T, cfg config.Config) {
	t.Helper()
	prev := loadEnv
	loadEnv = func(string) (*env, error) {
		return &env{cfg: cfg, logger: zap.NewNop()}, nil
	}
	t.Cleanup(func() { loadEnv = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSeedCommandAddsUniqueURLs(t *testing.T) {
	withEnv(t, testConfig())

	out, err := execute(t, "seed", "--type", "topic",
		"https://forum.test/1/a", "https://forum.test/1/a#top", "https://forum.test/2/b")
	require.NoError(t, err)
	assert.Contains(t, out, "added 2 of 3")
}

func TestSeedCommandRejectsUnknownType(t *testing.T) {
	withEnv(t, testConfig())

	_, err := execute(t, "seed", "--type", "board", "https://forum.test/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown url type")
}

func TestStatsCommandPrintsJSON(t *testing.T) {
	withEnv(t, testConfig())

	out, err := execute(t, "stats")
	require.NoError(t, err)

	var got frontierStats
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, frontierStats{}, got)
}

func TestMigrateAndReclaimOnMemoryStore(t *testing.T) {
	withEnv(t, testConfig())

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema ready (memory)")

	out, err = execute(t, "reclaim")
	require.NoError(t, err)
	assert.Contains(t, out, "reclaimed 0, retried 0")
}

func TestImportCommandCountsLines(t *testing.T) {
	withEnv(t, testConfig())

	path := filepath.Join(t.TempDir(), "posts.jsonl")
	lines := `{"post_id": 101, "author": "ada", "time": "9:01am", "content": "hello", "source_url": "https://forum.test/55/thread"}
{"post_id": "102", "author": "bola", "post_time": "9:05am", "content": "reply"}
{"post_id": "101", "author": "ada", "content": "again"}
not json
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o600))

	out, err := execute(t, "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "read 4, inserted 2, duplicates 1, skipped 1")
}

func TestImportCommandMissingFile(t *testing.T) {
	withEnv(t, testConfig())

	_, err := execute(t, "import", filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open export")
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := openStore(context.Background(), config.StoreConfig{Driver: "mongo"}, nil, zap.NewNop(), false)
	require.Error(t, err)
}

func TestOpenStoreSQLite(t *testing.T) {
	t.Parallel()

	cfg := config.StoreConfig{
		Driver:        config.DriverSQLite,
		SQLitePath:    filepath.Join(t.TempDir(), "forum.db"),
		RetryAttempts: 1,
	}
	store, err := openStore(context.Background(), cfg, fixedClock{}, zap.NewNop(), true)
	require.NoError(t, err)
	defer store.close()

	added, err := store.AddURLs(context.Background(), []string{"https://forum.test/"}, crawler.URLTypeListing)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
