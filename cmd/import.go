package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-crawler/internal/clock/system"
	"github.com/JakeFAU/forum-crawler/internal/extract"
	"github.com/JakeFAU/forum-crawler/internal/legacy"
)

// newImportCmd creates the 'import' subcommand, which loads posts from a
// JSON-lines export into the post store.
func newImportCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import posts from a JSON-lines export",
		Long: `Reads one JSON object per line with post_id, author, time (or
post_time), content and optional source_url, topic_id and scraped_at fields.
Posts already stored are counted as duplicates and left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open export: %w", err)
			}
			defer f.Close()

			extractor, err := extract.New(e.cfg.Crawl.SeedURL)
			if err != nil {
				return fmt.Errorf("init extractor: %w", err)
			}
			clock := system.New()
			store, err := openStore(cmd.Context(), e.cfg.Store, clock, e.logger, e.cfg.Store.AutoMigrate)
			if err != nil {
				return err
			}
			defer store.close()

			importer := legacy.NewImporter(store, batchSize, extractor.TopicID, clock, e.logger.Named("import"))
			res, err := importer.Import(cmd.Context(), f)
			if err != nil {
				return err
			}
			e.logger.Info("Import finished",
				zap.Int("read", res.Read),
				zap.Int("inserted", res.Inserted),
				zap.Int("duplicates", res.Duplicates),
				zap.Int("skipped", res.Skipped),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "read %d, inserted %d, duplicates %d, skipped %d\n",
				res.Read, res.Inserted, res.Duplicates, res.Skipped)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", legacy.DefaultBatchSize, "posts per store write")
	return cmd
}
