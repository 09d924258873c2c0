// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Challenge  ChallengeConfig  `mapstructure:"challenge"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	Store      StoreConfig      `mapstructure:"store"`
	Seen       SeenConfig       `mapstructure:"seen"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Snapshots  SnapshotsConfig  `mapstructure:"snapshots"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CrawlConfig drives the orchestration loop.
type CrawlConfig struct {
	SeedURL              string `mapstructure:"seed_url"`
	TargetTopics         int    `mapstructure:"target_topics"`
	ListingBatch         int    `mapstructure:"listing_batch"`
	TopicBatch           int    `mapstructure:"topic_batch"`
	BootstrapBatch       int    `mapstructure:"bootstrap_batch"`
	IdleSleepSeconds     int    `mapstructure:"idle_sleep_seconds"`
	RenderTimeoutSeconds int    `mapstructure:"render_timeout_seconds"`
	StartupJitterSeconds int    `mapstructure:"startup_jitter_seconds"`
	ShuffleBatch         bool   `mapstructure:"shuffle_batch"`
}

// PolitenessConfig sets the inter-request delay. Values are fractional seconds.
type PolitenessConfig struct {
	DelaySeconds     float64 `mapstructure:"delay_seconds"`
	JitterMinSeconds float64 `mapstructure:"jitter_min_seconds"`
	JitterMaxSeconds float64 `mapstructure:"jitter_max_seconds"`
	// MaxPagesPerMinute caps renders per host; zero disables the ceiling.
	MaxPagesPerMinute float64 `mapstructure:"max_pages_per_minute"`
	Burst             int     `mapstructure:"burst"`
}

// BrowserConfig controls the chromedp session.
type BrowserConfig struct {
	Headless       bool     `mapstructure:"headless"`
	UserDataDir    string   `mapstructure:"user_data_dir"`
	ViewportWidth  int      `mapstructure:"viewport_width"`
	ViewportHeight int      `mapstructure:"viewport_height"`
	UserAgents     []string `mapstructure:"user_agents"`
	SettleDelayMs  int      `mapstructure:"settle_delay_ms"`
	ReadySelectors string   `mapstructure:"ready_selectors"`
	ExecPath       string   `mapstructure:"exec_path"`
}

// ChallengeConfig tunes interstitial detection, evasion and backoff.
type ChallengeConfig struct {
	BudgetSeconds         int      `mapstructure:"budget_seconds"`
	PollMinSeconds        int      `mapstructure:"poll_min_seconds"`
	PollMaxSeconds        int      `mapstructure:"poll_max_seconds"`
	PollStepMs            int      `mapstructure:"poll_step_ms"`
	UnclearWaitSeconds    int      `mapstructure:"unclear_wait_seconds"`
	ClickAfter            int      `mapstructure:"click_after"`
	ExpectedTitle         string   `mapstructure:"expected_title"`
	TitleMarkers          []string `mapstructure:"title_markers"`
	ContentMarkers        []string `mapstructure:"content_markers"`
	WidgetSelectors       []string `mapstructure:"widget_selectors"`
	BackoffBaseSeconds    int      `mapstructure:"backoff_base_seconds"`
	BackoffCeilingSeconds int      `mapstructure:"backoff_ceiling_seconds"`
	CooldownThreshold     int      `mapstructure:"cooldown_threshold"`
	CooldownSeconds       int      `mapstructure:"cooldown_seconds"`
	SnapshotEvery         int      `mapstructure:"snapshot_every"`
}

// FrontierConfig controls leases and failed-entry retries.
type FrontierConfig struct {
	LeaseSeconds         int  `mapstructure:"lease_seconds"`
	SweepIntervalSeconds int  `mapstructure:"sweep_interval_seconds"`
	RetryCooldownSeconds int  `mapstructure:"retry_cooldown_seconds"`
	RetryExponential     bool `mapstructure:"retry_exponential"`
	MaxAttempts          int  `mapstructure:"max_attempts"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// StoreConfig selects and tunes the frontier and post store.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	RetryBaseMs   int    `mapstructure:"retry_base_ms"`
	RetryMaxMs    int    `mapstructure:"retry_max_ms"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
}

// SeenConfig selects the discovery cache.
type SeenConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Prefix        string `mapstructure:"prefix"`
	TTLSeconds    int    `mapstructure:"ttl_seconds"`
}

// PublisherConfig selects where post events go.
type PublisherConfig struct {
	Kind           string   `mapstructure:"kind"`
	ProjectID      string   `mapstructure:"project_id"`
	Topic          string   `mapstructure:"topic"`
	Brokers        []string `mapstructure:"brokers"`
	QueueURL       string   `mapstructure:"queue_url"`
	Region         string   `mapstructure:"region"`
	URL            string   `mapstructure:"url"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	// Async delivers from a background goroutine so slow sinks never stall a page.
	Async      bool `mapstructure:"async"`
	BufferSize int  `mapstructure:"buffer_size"`
}

// SnapshotsConfig selects where challenge screenshots are written.
type SnapshotsConfig struct {
	Kind   string `mapstructure:"kind"`
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// legacyEnv maps keys to the environment names the earlier crawler read.
var legacyEnv = map[string]string{
	"store.dsn":                "DATABASE_URL",
	"crawl.seed_url":           "BASE_URL",
	"browser.headless":         "HEADLESS",
	"politeness.delay_seconds": "CRAWL_DELAY",
	"crawl.target_topics":      "MAX_TOPICS",
}

// Load builds a Config from an optional .env file, the environment and an
// optional config file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.seed_url", "https://www.nairaland.com")
	v.SetDefault("crawl.target_topics", 50000)
	v.SetDefault("crawl.listing_batch", 20)
	v.SetDefault("crawl.topic_batch", 50)
	v.SetDefault("crawl.bootstrap_batch", 10)
	v.SetDefault("crawl.idle_sleep_seconds", 30)
	v.SetDefault("crawl.render_timeout_seconds", 60)
	v.SetDefault("crawl.startup_jitter_seconds", 5)
	v.SetDefault("crawl.shuffle_batch", true)
	v.SetDefault("politeness.delay_seconds", 12.0)
	v.SetDefault("politeness.jitter_min_seconds", -1.0)
	v.SetDefault("politeness.jitter_max_seconds", 2.0)
	v.SetDefault("politeness.max_pages_per_minute", 0.0)
	v.SetDefault("politeness.burst", 1)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "data/browser_profile")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.settle_delay_ms", 10000)
	v.SetDefault("browser.ready_selectors", "#up, .topictitle, table[summary='posts']")
	v.SetDefault("challenge.budget_seconds", 180)
	v.SetDefault("challenge.poll_min_seconds", 5)
	v.SetDefault("challenge.poll_max_seconds", 8)
	v.SetDefault("challenge.poll_step_ms", 250)
	v.SetDefault("challenge.unclear_wait_seconds", 4)
	v.SetDefault("challenge.click_after", 3)
	v.SetDefault("challenge.expected_title", "Nairaland")
	v.SetDefault("challenge.backoff_base_seconds", 30)
	v.SetDefault("challenge.backoff_ceiling_seconds", 600)
	v.SetDefault("challenge.cooldown_threshold", 5)
	v.SetDefault("challenge.cooldown_seconds", 600)
	v.SetDefault("challenge.snapshot_every", 6)
	v.SetDefault("frontier.lease_seconds", 7200)
	v.SetDefault("frontier.sweep_interval_seconds", 300)
	v.SetDefault("frontier.retry_cooldown_seconds", 3600)
	v.SetDefault("frontier.retry_exponential", true)
	v.SetDefault("frontier.max_attempts", 5)
	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.sqlite_path", "data/forum.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("store.retry_attempts", 3)
	v.SetDefault("store.retry_base_ms", 2000)
	v.SetDefault("store.retry_max_ms", 30000)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("seen.backend", "none")
	v.SetDefault("seen.path", "data/seen.db")
	v.SetDefault("seen.prefix", "forum:seen:")
	v.SetDefault("seen.ttl_seconds", 86400)
	v.SetDefault("publisher.kind", "none")
	v.SetDefault("publisher.timeout_seconds", 10)
	v.SetDefault("publisher.async", true)
	v.SetDefault("publisher.buffer_size", 1024)
	v.SetDefault("snapshots.kind", "none")
	v.SetDefault("snapshots.dir", "data/snapshots")
	v.SetDefault("snapshots.prefix", "challenges")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.SeedURL == "" {
		return fmt.Errorf("crawl.seed_url is required")
	}
	if c.Crawl.TargetTopics < 0 {
		return fmt.Errorf("crawl.target_topics must be >= 0")
	}
	if c.Crawl.ListingBatch <= 0 || c.Crawl.TopicBatch <= 0 || c.Crawl.BootstrapBatch <= 0 {
		return fmt.Errorf("crawl batch sizes must be > 0")
	}
	if c.Politeness.DelaySeconds < 0 {
		return fmt.Errorf("politeness.delay_seconds must be >= 0")
	}
	if c.Politeness.JitterMaxSeconds < c.Politeness.JitterMinSeconds {
		return fmt.Errorf("politeness.jitter_max_seconds must be >= jitter_min_seconds")
	}
	if c.Politeness.MaxPagesPerMinute < 0 {
		return fmt.Errorf("politeness.max_pages_per_minute must be >= 0")
	}
	if c.Challenge.BudgetSeconds <= 0 {
		return fmt.Errorf("challenge.budget_seconds must be > 0")
	}
	if c.Challenge.PollMaxSeconds < c.Challenge.PollMinSeconds {
		return fmt.Errorf("challenge.poll_max_seconds must be >= poll_min_seconds")
	}
	if c.Challenge.CooldownThreshold <= 0 {
		return fmt.Errorf("challenge.cooldown_threshold must be > 0")
	}
	if c.Frontier.LeaseSeconds <= 0 {
		return fmt.Errorf("frontier.lease_seconds must be > 0")
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Seen.Backend {
	case "", "none":
	case "bbolt":
		if c.Seen.Path == "" {
			return fmt.Errorf("seen.path is required for the bbolt backend")
		}
	case "redis":
		if c.Seen.RedisAddr == "" {
			return fmt.Errorf("seen.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown seen.backend %q", c.Seen.Backend)
	}
	if c.Seen.Backend == "bbolt" || c.Seen.Backend == "redis" {
		if c.Seen.TTLSeconds <= 0 {
			return fmt.Errorf("seen.ttl_seconds must be > 0")
		}
	}
	for _, kind := range c.Publisher.Kinds() {
		if err := c.Publisher.validateKind(kind); err != nil {
			return err
		}
	}
	switch c.Snapshots.Kind {
	case "", "none":
	case "local":
		if c.Snapshots.Dir == "" {
			return fmt.Errorf("snapshots.dir is required for local snapshots")
		}
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket is required for gcs snapshots")
		}
	default:
		return fmt.Errorf("unknown snapshots.kind %q", c.Snapshots.Kind)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Kinds splits the comma-separated publisher kinds, ignoring "none".
func (p PublisherConfig) Kinds() []string {
	var out []string
	for _, k := range strings.Split(p.Kind, ",") {
		k = strings.TrimSpace(k)
		if k == "" || k == "none" {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (p PublisherConfig) validateKind(kind string) error {
	switch kind {
	case "pubsub":
		if p.ProjectID == "" || p.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic are required for pubsub")
		}
	case "kafka":
		if len(p.Brokers) == 0 || p.Topic == "" {
			return fmt.Errorf("publisher.brokers and publisher.topic are required for kafka")
		}
	case "sqs":
		if p.QueueURL == "" {
			return fmt.Errorf("publisher.queue_url is required for sqs")
		}
	case "webhook":
		if p.URL == "" {
			return fmt.Errorf("publisher.url is required for webhook")
		}
	default:
		return fmt.Errorf("unknown publisher.kind %q", kind)
	}
	return nil
}

// Seconds converts an integer config value to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts an integer config value to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// FloatSeconds converts a fractional config value to a duration.
func FloatSeconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
