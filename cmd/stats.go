package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-crawler/internal/clock/system"
	"github.com/JakeFAU/forum-crawler/internal/crawler"
)

type frontierStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// newStatsCmd creates the 'stats' subcommand, which prints frontier counts as JSON.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print frontier counts by status",
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

			counts, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("frontier stats: %w", err)
			}
			out := frontierStats{
				Pending:    counts[crawler.StatusPending],
				Processing: counts[crawler.StatusProcessing],
				Completed:  counts[crawler.StatusCompleted],
				Failed:     counts[crawler.StatusFailed],
			}
			out.Total = out.Pending + out.Processing + out.Completed + out.Failed
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
