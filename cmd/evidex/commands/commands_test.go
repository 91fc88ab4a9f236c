package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/retrieval"
)

// ---------------------------------------------------------------------------
// Command tree
// ---------------------------------------------------------------------------

func TestNewRootCmd_Subcommands(t *testing.T) {
	t.Parallel()
	root := NewRootCmd()

	for _, name := range []string{"serve", "ingest", "search", "delete", "status", "reindex", "version"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered (err=%v)", name, err)
		}
	}
}

func TestIngestCmd_IDNeedsSingleSource(t *testing.T) {
	t.Parallel()
	cmd := NewIngestCmd()
	cmd.SetArgs([]string{"--engagement", "acme", "--id", "doc", "a.txt", "b.txt"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "exactly one SOURCE") {
		t.Fatalf("want single-source error, got %v", err)
	}
}

func TestSearchCmd_RequiresEngagement(t *testing.T) {
	t.Parallel()
	cmd := NewSearchCmd()
	cmd.SetArgs([]string{"access review"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "engagement") {
		t.Fatalf("want required-flag error, got %v", err)
	}
}

func TestReindexCmd_DefaultsToAllEngagements(t *testing.T) {
	t.Parallel()
	cmd := NewReindexCmd()
	if got := cmd.Flags().Lookup("engagement").DefValue; got != retrieval.AllEngagements {
		t.Errorf("want default %q, got %q", retrieval.AllEngagements, got)
	}
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func TestPrintCitations(t *testing.T) {
	t.Parallel()
	page := 3
	res := &retrieval.QueryResult{
		Citations: []rag.Citation{{
			DocumentID:   "soc2-access-review",
			DocumentName: "Access Review.pdf",
			SourceURI:    "file:///evidence/soc2/Access Review.pdf",
			ChunkIndex:   2,
			PageNumber:   &page,
			Excerpt:      "Quarterly   access\nreviews were approved.",
			Score:        0.8123,
			Rank:         1,
		}},
		BackendUsed: rag.KindVectorSearch,
		Elapsed:     42 * time.Millisecond,
	}

	var buf bytes.Buffer
	printCitations(&buf, res)
	out := buf.String()

	for _, want := range []string{
		"[1] relevance 0.812  Access Review.pdf (page 3, chunk 2)",
		"file:///evidence/soc2/Access Review.pdf",
		"Quarterly access reviews were approved.",
		"1 result(s) from vector_search in 42ms",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintCitations_Empty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	printCitations(&buf, &retrieval.QueryResult{BackendUsed: retrieval.BackendNone})
	if !strings.HasPrefix(buf.String(), "no results (backend: none") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()
	cmd := NewVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs(nil)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(buf.String()) == "" {
		t.Error("version printed nothing")
	}
}
