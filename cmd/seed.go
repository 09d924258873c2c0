package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-crawler/internal/clock/system"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

// newSeedCmd creates the 'seed' subcommand, which adds URLs to the frontier.
func newSeedCmd() *cobra.Command {
	var urlType string
	cmd := &cobra.Command{
		Use:   "seed URL...",
		Short: "Add URLs to the frontier as pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			t := crawler.URLType(urlType)
			if !t.Valid() {
				return fmt.Errorf("unknown url type %q", urlType)
			}
			store, err := openStore(cmd.Context(), e.cfg.Store, system.New(), e.logger, e.cfg.Store.AutoMigrate)
			if err != nil {
				return err
			}
			defer store.close()

			added, err := store.AddURLs(cmd.Context(), args, t)
			if err != nil {
				return fmt.Errorf("add urls: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d of %d\n", added, len(args))
			return nil
		},
	}
	cmd.Flags().StringVar(&urlType, "type", string(crawler.URLTypeListing), "url type: listing or topic")
	return cmd
}
