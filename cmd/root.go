// Package cmd defines the forum-crawler CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/config"
	"github.com/JakeFAU/forum-crawler/internal/logging"
)

var cfgFile string

type envKeyType string

const envKey envKeyType = "env"

// env carries what every subcommand needs.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadEnv builds the command environment. It is a variable so tests can
// inject a fixed config.
var loadEnv = func(path string) (*env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forum-crawler",
		Short: "A polite, challenge-aware forum crawler.",
		Long: `forum-crawler walks one discussion forum with a real browser session,
coordinating any number of workers through a shared frontier so every URL
has at most one active claim, and stores each post exactly once.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cfgFile)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(
		newCrawlCmd(),
		newReclaimCmd(),
		newMigrateCmd(),
		newImportCmd(),
		newSeedCmd(),
		newStatsCmd(),
	)
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signalContext()
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
