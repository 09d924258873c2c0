package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/forum-crawler/internal/api"
	"github.com/JakeFAU/forum-crawler/internal/challenge"
	"github.com/JakeFAU/forum-crawler/internal/clock/system"
	"github.com/JakeFAU/forum-crawler/internal/extract"
	"github.com/JakeFAU/forum-crawler/internal/hash/sha256"
	"github.com/JakeFAU/forum-crawler/internal/id/uuid"
	"github.com/JakeFAU/forum-crawler/internal/metrics"
	"github.com/JakeFAU/forum-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/forum-crawler/internal/render/headless"
	"github.com/JakeFAU/forum-crawler/internal/worker"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one worker until
// its topic target is reached or it is interrupted.
func newCrawlCmd() *cobra.Command {
	var workerID string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl worker",
		Long: `Starts one browser-driven worker against the shared frontier. The
worker claims batches under a fresh owner token, resolves interstitial
challenges, stores posts and enqueues discovered links. Run several
processes against the same store to crawl in parallel.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, workerID)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "owner token for claims (default: random UUID)")
	return cmd
}

func runCrawl(cmd *cobra.Command, workerID string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cfg := e.cfg

	if workerID == "" {
		workerID, err = uuid.New().NewID()
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}
	}
	logger := e.logger.With(zap.String("worker_id", workerID))
	metrics.Init()
	clock := system.New()

	store, err := openStore(ctx, cfg.Store, clock, logger, cfg.Store.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.close()

	extractor, err := extract.New(cfg.Crawl.SeedURL)
	if err != nil {
		return fmt.Errorf("init extractor: %w", err)
	}

	seen, closeSeen, err := buildSeen(cfg.Seen, clock, logger)
	if err != nil {
		return err
	}
	defer closeSeen()

	publisher, closePublisher, err := buildPublisher(ctx, cfg.Publisher, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	snapshots, closeSnapshots, err := buildSnapshots(ctx, cfg.Snapshots, logger)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	browser, err := headless.New(ctx, browserConfig(cfg), rng, logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer browser.Close()

	classifier := challenge.NewClassifier(cfg.Challenge.TitleMarkers, cfg.Challenge.ContentMarkers, cfg.Challenge.ExpectedTitle)
	strategy := challenge.NewHumanStrategy(cfg.Challenge.WidgetSelectors, cfg.Challenge.ClickAfter, rng, logger.Named("strategy"))
	controllerOpts := []challenge.Option{
		challenge.WithStrategy(strategy),
		challenge.WithClock(clock),
		challenge.WithRand(rng),
	}
	if snapshots != nil {
		controllerOpts = append(controllerOpts, challenge.WithSnapshots(snapshots, sha256.NewShort(12)))
	}
	controller := challenge.NewController(challengeConfig(cfg), classifier, logger.Named("challenge"), controllerOpts...)
	backoff := challenge.NewBackoff(backoffConfig(cfg.Challenge), nil, logger.Named("backoff"))

	workerOpts := []worker.Option{worker.WithClock(clock), worker.WithRand(rng)}
	if seen != nil {
		workerOpts = append(workerOpts, worker.WithSeenCache(seen))
	}
	if publisher != nil {
		workerOpts = append(workerOpts, worker.WithPublisher(publisher))
	}
	if limiter := ratelimit.New(rateLimitConfig(cfg.Politeness)); limiter.Enabled() {
		workerOpts = append(workerOpts, worker.WithPageLimiter(limiter))
	}
	w := worker.New(store, store, browser, extractor, controller, backoff, workerConfig(cfg, workerID), e.logger, workerOpts...)
	sweeper := worker.NewSweeper(store, sweeperConfig(cfg), logger.Named("sweeper"))

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// The sweeper and server only live as long as the worker.
		defer cancel()
		return w.Run(runCtx)
	})
	g.Go(func() error {
		return sweeper.Run(runCtx)
	})
	if cfg.Server.Enabled {
		srv := api.NewServer(store, w, logger.Named("api"))
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		g.Go(func() error {
			return srv.Serve(runCtx, addr)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	logger.Info("Crawl finished", zap.Int("topics_processed", w.Processed()))
	return nil
}
