package commands

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/evidex-go/internal/logging"
)

// NewStatusCmd constructs the `evidex status` command, which probes every
// backend once and prints the routing configuration.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the search backends and print the routing status",
		Long: `Probe every configured backend once and print the routing status as
JSON: the effective mode, the backend searches would use right now, and
each backend's health and last error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			a, err := openApp(cmd.Context(), log, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer a.Close()

			return printJSON(cmd.OutOrStdout(), a.coordinator.Config())
		},
	}
}
