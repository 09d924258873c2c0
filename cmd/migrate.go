package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-crawler/internal/clock/system"
)

// newMigrateCmd creates the 'migrate' subcommand, which creates the frontier
// and posts tables without starting a worker.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the frontier and posts schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), e.cfg.Store, system.New(), e.logger, true)
			if err != nil {
				return err
			}
			defer store.close()
			e.logger.Info("Schema ready")
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s)\n", e.cfg.Store.Driver)
			return nil
		},
	}
}
