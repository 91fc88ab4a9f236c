package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retrieval"
)

// NewSearchCmd constructs the `evidex search` command.
func NewSearchCmd() *cobra.Command {
	var engagementID string
	var topK int
	var threshold float64
	var hybrid bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search an engagement's evidence and print citations",
		Long: `Search one engagement's evidence and print ranked citations.

Results come from the primary search backend while it is healthy and from
the fallback otherwise. --top-k, --threshold and --hybrid override the
RAG_* defaults for this query only.

Examples:
  evidex search --engagement acme-2026 "quarterly access review approvals"
  evidex search -e acme-2026 --top-k 3 --threshold 0.5 "backup restore test"
  evidex search -e acme-2026 --json "MFA enforcement" | jq '.[0]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			a, err := openApp(ctx, log, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer a.Close()

			q := rag.SearchQuery{EngagementID: engagementID, QueryText: args[0]}
			if cmd.Flags().Changed("top-k") {
				q.TopK = &topK
			}
			if cmd.Flags().Changed("threshold") {
				q.ScoreThreshold = &threshold
			}
			if cmd.Flags().Changed("hybrid") {
				q.UseHybrid = &hybrid
			}

			res, err := a.coordinator.Query(ctx, q)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if asJSON {
				citations := res.Citations
				if citations == nil {
					citations = []rag.Citation{}
				}
				return printJSON(cmd.OutOrStdout(), citations)
			}
			printCitations(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&engagementID, "engagement", "e", "", "Engagement ID to search (required)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Maximum number of results, 1-50 (default: RAG_SEARCH_TOP_K)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Minimum score in [0,1] (default: RAG_SCORE_THRESHOLD)")
	cmd.Flags().BoolVar(&hybrid, "hybrid", false, "Combine lexical and vector scoring (default: RAG_USE_HYBRID)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print citations as a JSON array")
	_ = cmd.MarkFlagRequired("engagement")

	return cmd
}

// printCitations writes a human-readable citation list.
func printCitations(w io.Writer, res *retrieval.QueryResult) {
	if len(res.Citations) == 0 {
		fmt.Fprintf(w, "no results (backend: %s, %dms)\n", res.BackendUsed, res.Elapsed.Milliseconds())
		return
	}
	for _, c := range res.Citations {
		loc := fmt.Sprintf("chunk %d", c.ChunkIndex)
		if c.PageNumber != nil {
			loc = fmt.Sprintf("page %d, %s", *c.PageNumber, loc)
		}
		fmt.Fprintf(w, "[%d] relevance %.3f  %s (%s)\n", c.Rank, c.Score, c.DocumentName, loc)
		if c.SourceURI != "" {
			fmt.Fprintf(w, "    %s\n", c.SourceURI)
		}
		fmt.Fprintf(w, "    %s\n\n", strings.Join(strings.Fields(c.Excerpt), " "))
	}
	fmt.Fprintf(w, "%d result(s) from %s in %dms\n", len(res.Citations), res.BackendUsed, res.Elapsed.Milliseconds())
}
