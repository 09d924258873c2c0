package cmd

import (
	"context"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/challenge"
	"github.com/JakeFAU/forum-crawler/internal/config"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
	"github.com/JakeFAU/forum-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/forum-crawler/internal/publisher/async"
	"github.com/JakeFAU/forum-crawler/internal/publisher/fanout"
	kafkapub "github.com/JakeFAU/forum-crawler/internal/publisher/kafka"
	pubsubpub "github.com/JakeFAU/forum-crawler/internal/publisher/pubsub"
	sqspub "github.com/JakeFAU/forum-crawler/internal/publisher/sqs"
	"github.com/JakeFAU/forum-crawler/internal/publisher/webhook"
	"github.com/JakeFAU/forum-crawler/internal/render/headless"
	"github.com/JakeFAU/forum-crawler/internal/retry"
	boltseen "github.com/JakeFAU/forum-crawler/internal/seen/bolt"
	redisseen "github.com/JakeFAU/forum-crawler/internal/seen/redis"
	"github.com/JakeFAU/forum-crawler/internal/storage/gcs"
	"github.com/JakeFAU/forum-crawler/internal/storage/local"
	"github.com/JakeFAU/forum-crawler/internal/worker"
)

// cleanup releases a component built from config.
type cleanup func()

func noCleanup() {}

func storeRetryPolicy(cfg config.StoreConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.RetryAttempts,
		BaseDelay:   config.Millis(cfg.RetryBaseMs),
		MaxDelay:    config.Millis(cfg.RetryMaxMs),
	}
}

func frontierRetryPolicy(cfg config.FrontierConfig) crawler.RetryPolicy {
	return crawler.RetryPolicy{
		Cooldown:    config.Seconds(cfg.RetryCooldownSeconds),
		Exponential: cfg.RetryExponential,
		MaxAttempts: cfg.MaxAttempts,
	}
}

func workerConfig(cfg config.Config, owner string) worker.Config {
	return worker.Config{
		Owner:          owner,
		SeedURL:        cfg.Crawl.SeedURL,
		TargetTopics:   cfg.Crawl.TargetTopics,
		ListingBatch:   cfg.Crawl.ListingBatch,
		TopicBatch:     cfg.Crawl.TopicBatch,
		BootstrapBatch: cfg.Crawl.BootstrapBatch,
		IdleSleep:      config.Seconds(cfg.Crawl.IdleSleepSeconds),
		RenderTimeout:  config.Seconds(cfg.Crawl.RenderTimeoutSeconds),
		StartupJitter:  config.Seconds(cfg.Crawl.StartupJitterSeconds),
		Shuffle:        cfg.Crawl.ShuffleBatch,
		Politeness:     config.FloatSeconds(cfg.Politeness.DelaySeconds),
		JitterMin:      config.FloatSeconds(cfg.Politeness.JitterMinSeconds),
		JitterMax:      config.FloatSeconds(cfg.Politeness.JitterMaxSeconds),
	}
}

func rateLimitConfig(cfg config.PolitenessConfig) ratelimit.Config {
	return ratelimit.Config{PagesPerMinute: cfg.MaxPagesPerMinute, Burst: cfg.Burst}
}

func sweeperConfig(cfg config.Config) worker.SweeperConfig {
	return worker.SweeperConfig{
		Lease:    config.Seconds(cfg.Frontier.LeaseSeconds),
		Interval: config.Seconds(cfg.Frontier.SweepIntervalSeconds),
		Retry:    frontierRetryPolicy(cfg.Frontier),
	}
}

func challengeConfig(cfg config.Config) challenge.Config {
	c := cfg.Challenge
	return challenge.Config{
		Budget:         config.Seconds(c.BudgetSeconds),
		PollMin:        config.Seconds(c.PollMinSeconds),
		PollMax:        config.Seconds(c.PollMaxSeconds),
		PollStep:       config.Millis(c.PollStepMs),
		UnclearWait:    config.Seconds(c.UnclearWaitSeconds),
		SnapshotEvery:  c.SnapshotEvery,
		SnapshotPrefix: cfg.Snapshots.Prefix,
	}
}

func backoffConfig(cfg config.ChallengeConfig) challenge.BackoffConfig {
	return challenge.BackoffConfig{
		Base:      config.Seconds(cfg.BackoffBaseSeconds),
		Ceiling:   config.Seconds(cfg.BackoffCeilingSeconds),
		Threshold: cfg.CooldownThreshold,
		Cooldown:  config.Seconds(cfg.CooldownSeconds),
	}
}

func browserConfig(cfg config.Config) headless.Config {
	b := cfg.Browser
	return headless.Config{
		Headless:          b.Headless,
		UserDataDir:       b.UserDataDir,
		ExecPath:          b.ExecPath,
		ViewportWidth:     b.ViewportWidth,
		ViewportHeight:    b.ViewportHeight,
		UserAgents:        b.UserAgents,
		SettleDelay:       config.Millis(b.SettleDelayMs),
		ReadySelectors:    b.ReadySelectors,
		NavigationTimeout: config.Seconds(cfg.Crawl.RenderTimeoutSeconds),
	}
}

// buildSeen returns nil when no discovery cache is configured.
func buildSeen(cfg config.SeenConfig, clock crawler.Clock, logger *zap.Logger) (crawler.SeenCache, cleanup, error) {
	ttl := config.Seconds(cfg.TTLSeconds)
	switch cfg.Backend {
	case "", "none":
		return nil, noCleanup, nil
	case "bbolt":
		c, err := boltseen.Open(cfg.Path, ttl, clock)
		if err != nil {
			return nil, nil, fmt.Errorf("open seen cache: %w", err)
		}
		return c, func() {
			if err := c.Close(); err != nil {
				logger.Warn("close seen cache", zap.Error(err))
			}
		}, nil
	case "redis":
		c, err := redisseen.New(redisseen.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
			TTL:      ttl,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open seen cache: %w", err)
		}
		return c, func() {
			if err := c.Close(); err != nil {
				logger.Warn("close seen cache", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown seen backend %q", cfg.Backend)
	}
}

// buildPublisher returns nil when no event sink is configured. Several
// comma-separated kinds fan out to every sink.
func buildPublisher(ctx context.Context, cfg config.PublisherConfig, logger *zap.Logger) (crawler.Publisher, cleanup, error) {
	kinds := cfg.Kinds()
	if len(kinds) == 0 {
		return nil, noCleanup, nil
	}
	sinks := make([]crawler.Publisher, 0, len(kinds))
	closers := make([]cleanup, 0, len(kinds))
	closeSink := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	for _, kind := range kinds {
		sink, closeOne, err := buildSink(ctx, kind, cfg, logger)
		if err != nil {
			closeSink()
			return nil, nil, err
		}
		sinks = append(sinks, sink)
		closers = append(closers, closeOne)
	}
	pub := fanout.New(sinks...)
	if !cfg.Async {
		return pub, closeSink, nil
	}
	buffered, err := async.New(pub, async.Config{
		BufferSize: cfg.BufferSize,
		Timeout:    config.Seconds(cfg.TimeoutSeconds),
		Logger:     logger.Named("publisher"),
	})
	if err != nil {
		closeSink()
		return nil, nil, fmt.Errorf("create async publisher: %w", err)
	}
	return buffered, func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := buffered.Close(drainCtx); err != nil {
			logger.Warn("drain publisher", zap.Error(err))
		}
		closeSink()
	}, nil
}

func buildSink(ctx context.Context, kind string, cfg config.PublisherConfig, logger *zap.Logger) (crawler.Publisher, cleanup, error) {
	switch kind {
	case "pubsub":
		client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("create pubsub client: %w", err)
		}
		pub := pubsubpub.New(client.Topic(cfg.Topic))
		return pub, func() {
			pub.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("close pubsub client", zap.Error(err))
			}
		}, nil
	case "kafka":
		pub, err := kafkapub.New(cfg.Brokers, cfg.Topic)
		if err != nil {
			return nil, nil, fmt.Errorf("create kafka publisher: %w", err)
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close kafka publisher", zap.Error(err))
			}
		}, nil
	case "sqs":
		pub, err := sqspub.New(ctx, cfg.Region, cfg.QueueURL)
		if err != nil {
			return nil, nil, fmt.Errorf("create sqs publisher: %w", err)
		}
		return pub, noCleanup, nil
	case "webhook":
		pub, err := webhook.New(cfg.URL, config.Seconds(cfg.TimeoutSeconds), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create webhook publisher: %w", err)
		}
		return pub, noCleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher kind %q", kind)
	}
}

// buildSnapshots returns nil when challenge screenshots are disabled.
func buildSnapshots(ctx context.Context, cfg config.SnapshotsConfig, logger *zap.Logger) (crawler.BlobStore, cleanup, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, noCleanup, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("create snapshot store: %w", err)
		}
		return store, noCleanup, nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("create snapshot store: %w", err)
		}
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("close gcs client", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown snapshots kind %q", cfg.Kind)
	}
}
