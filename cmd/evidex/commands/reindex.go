package commands

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/retrieval"
)

// NewReindexCmd constructs the `evidex reindex` command.
func NewReindexCmd() *cobra.Command {
	var engagementID string
	var force bool

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-ingest catalogued documents into the search backends",
		Long: `Re-chunk and re-embed the documents held in the catalog and rewrite
them to every backend.

Without --force, documents already indexed with the current chunking and
embedding settings are skipped unless they are waiting for the primary. Use --force after a backend lost data or after
a delete could not reach it.

Examples:
  evidex reindex
  evidex reindex --engagement acme-2026 --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.New()

			a, err := openApp(ctx, log, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			defer a.Close()

			job, err := a.coordinator.Reindex(ctx, engagementID, force)
			if perr := printJSON(cmd.OutOrStdout(), job); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			log.Info("reindex finished",
				slog.Int("reindexed", job.Reindexed),
				slog.Int("skipped", job.Skipped),
				slog.Int("failed", job.Failed),
			)
			if job.Failed > 0 {
				return fmt.Errorf("reindex: %d document(s) failed", job.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&engagementID, "engagement", "e", retrieval.AllEngagements, `Engagement ID to reindex, or "*" for all`)
	cmd.Flags().BoolVar(&force, "force", false, "Reindex documents even when their embeddings are current")

	return cmd
}
