package commands

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/evidex-go/internal/logging"
)

// NewDeleteCmd constructs the `evidex delete` command.
func NewDeleteCmd() *cobra.Command {
	var engagementID string

	cmd := &cobra.Command{
		Use:   "delete DOCUMENT_ID",
		Short: "Remove a document and its chunks from every backend",
		Long: `Remove a document, its chunks and its vectors from the catalog and
every configured backend.

A backend that cannot be reached is reported but does not stop the delete;
run "evidex reindex --force" once it recovers to clear stale vectors.

Example:
  evidex delete --engagement acme-2026 soc2-access-review`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			a, err := openApp(ctx, log, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer a.Close()

			res, err := a.coordinator.Delete(ctx, engagementID, args[0])
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Superseded {
				return fmt.Errorf("delete: %s was re-ingested while it was being deleted", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&engagementID, "engagement", "e", "", "Engagement ID the document belongs to (required)")
	_ = cmd.MarkFlagRequired("engagement")

	return cmd
}
