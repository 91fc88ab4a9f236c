// Package commands defines all Cobra CLI commands for the evidex binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/evidex-go/internal/audit"
	"github.com/54b3r/evidex-go/internal/config"
	"github.com/54b3r/evidex-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "evidex",
		Short: "evidex: retrieval over audit evidence with citations",
		Long: `evidex indexes audit evidence (policies, reports, screenshot text,
exports) per engagement and answers questions with ranked citations back to
the source documents.

Retrieval runs against a vector-search backend (Qdrant or pgvector) with a
local SQLite document store as failover. Settings come from RAG_* and
related environment variables or a YAML config file (~/.evidex/config.yaml).
See 'evidex --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Env vars always override YAML values.
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}

			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.evidex/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewIngestCmd(),
		NewSearchCmd(),
		NewDeleteCmd(),
		NewStatusCmd(),
		NewReindexCmd(),
		NewVersionCmd(),
	)

	return root
}
