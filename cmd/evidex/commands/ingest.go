package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/evidex-go/internal/ingestion"
	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// ingestReport is the per-source line printed by `evidex ingest`.
type ingestReport struct {
	Source string            `json:"source"`
	Result *rag.IngestResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// NewIngestCmd constructs the `evidex ingest` command, which loads evidence
// from files, URLs or stdin and indexes it for an engagement.
func NewIngestCmd() *cobra.Command {
	var engagementID string
	var documentID string
	var name string
	var tags []string

	cmd := &cobra.Command{
		Use:   "ingest SOURCE...",
		Short: "Index evidence files, URLs or stdin for an engagement",
		Long: `Load evidence and index it for one engagement.

A SOURCE is a local file, an http(s) URL, or "-" for stdin. PDFs are
detected by content type, extension or file header and their pages are
joined with form feeds so citations carry page numbers. Other content must
be UTF-8 text.

The document ID, display name and tags are inferred from the source path
(e.g. evidence/soc2/Access Review.pdf is tagged soc2 and access-control).
Explicit flags override inference; --id and --name need a single SOURCE.
Re-ingesting a document replaces its previous chunks.

Sources are ingested concurrently on RAG_WORKERS workers. The command
prints one JSON result per source and fails if any source failed.

Examples:
  evidex ingest --engagement acme-2026 evidence/soc2/*.pdf
  evidex ingest --engagement acme-2026 --tag q3 https://wiki.example.com/policies/backup
  pdftotext report.pdf - | evidex ingest --engagement acme-2026 --id pentest-report -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, sources []string) error {
			ctx := cmd.Context()
			log := logging.New()

			if len(sources) > 1 && (documentID != "" || name != "") {
				return errors.New("ingest: --id and --name need exactly one SOURCE")
			}

			a, err := openApp(ctx, log, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.Close()

			loader := ingestion.NewLoader(ingestion.Config{Stdin: os.Stdin, Logger: log})

			reports := make([]ingestReport, len(sources))
			var docs []*rag.Document
			var index []int
			for i, src := range sources {
				reports[i].Source = src
				loaded, err := loader.Load(ctx, src)
				if err != nil {
					reports[i].Error = err.Error()
					continue
				}
				doc := loaded.Document(engagementID, documentID, tags)
				if name != "" {
					doc.Name = name
				}
				log.Info("source loaded",
					slog.String("source", src),
					slog.String("document_id", doc.ID),
					slog.Int("pages", loaded.Pages),
					slog.Any("tags", doc.Tags),
				)
				docs = append(docs, doc)
				index = append(index, i)
			}

			for j, out := range a.coordinator.IngestMany(ctx, docs) {
				r := &reports[index[j]]
				r.Result = out.Result
				if out.Err != nil {
					r.Error = out.Err.Error()
				}
			}

			failed := 0
			for _, r := range reports {
				if r.Error != "" || (r.Result != nil && r.Result.Status == rag.IngestFailed) {
					failed++
				}
				if err := printJSON(cmd.OutOrStdout(), r); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("ingest: %d of %d source(s) failed", failed, len(sources))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&engagementID, "engagement", "e", "", "Engagement ID the evidence belongs to (required)")
	cmd.Flags().StringVar(&documentID, "id", "", "Document ID (default: inferred from the source)")
	cmd.Flags().StringVar(&name, "name", "", "Display name shown in citations (default: file name)")
	cmd.Flags().StringArrayVarP(&tags, "tag", "t", nil, "Tag to attach (repeatable); inferred tags are added")
	_ = cmd.MarkFlagRequired("engagement")

	return cmd
}

