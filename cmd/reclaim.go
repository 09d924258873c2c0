package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-crawler/internal/clock/system"
	"github.com/JakeFAU/forum-crawler/internal/worker"
)

// newReclaimCmd creates the 'reclaim' subcommand. It runs a single frontier
// sweep, which is how operators recover claims left by crashed workers.
func newReclaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Return expired claims and cooled-down failures to pending",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), e.cfg.Store, system.New(), e.logger, e.cfg.Store.AutoMigrate)
			if err != nil {
				return err
			}
			defer store.close()

			sweeper := worker.NewSweeper(store, sweeperConfig(e.cfg), e.logger.Named("sweeper"))
			reclaimed, retried, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d, retried %d\n", reclaimed, retried)
			return nil
		},
	}
}
