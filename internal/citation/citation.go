// Package citation turns ranked search results into caller-facing citations
// by resolving each hit against the document catalog.
package citation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// DefaultExcerptLength is the excerpt bound in characters.
const DefaultExcerptLength = 280

const ellipsis = "…"

// Builder resolves search results into citations.
type Builder struct {
	chunks     rag.ChunkStore
	excerptLen int
	log        *slog.Logger
}

// NewBuilder returns a Builder that looks chunks up in store. excerptLen <= 0
// selects DefaultExcerptLength.
func NewBuilder(store rag.ChunkStore, excerptLen int, log *slog.Logger) *Builder {
	if excerptLen <= 0 {
		excerptLen = DefaultExcerptLength
	}
	return &Builder{chunks: store, excerptLen: excerptLen, log: logging.Component(log, "citation")}
}

// Build returns one citation per result whose chunk still exists in the
// catalog, in result order, with ranks renumbered from 1. Results whose chunk
// is gone (or belongs to another engagement or document) are dropped and
// logged as index consistency warnings. Only a catalog failure is an error.
func (b *Builder) Build(ctx context.Context, engagementID string, results []rag.SearchResult) ([]rag.Citation, error) {
	out := make([]rag.Citation, 0, len(results))
	if len(results) == 0 {
		return out, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	records, err := b.chunks.GetChunks(ctx, engagementID, ids)
	if err != nil {
		return nil, fmt.Errorf("citation: resolve chunks: %w", err)
	}

	for _, r := range results {
		rec, ok := records[r.ChunkID]
		if reason := mismatch(r, rec, ok, engagementID); reason != "" {
			b.log.WarnContext(ctx, "dropping stale search result",
				slog.Any("warning", rag.IndexConsistencyWarning{
					ChunkID:      r.ChunkID,
					DocumentID:   r.DocumentID,
					EngagementID: engagementID,
					Reason:       reason,
				}),
			)
			continue
		}

		page := rec.PageNumber
		if page == nil {
			page = r.PageNumber
		}
		out = append(out, rag.Citation{
			DocumentID:   rec.DocumentID,
			DocumentName: rec.DocumentName,
			SourceURI:    rec.SourceURI,
			ChunkIndex:   rec.SequenceIndex + 1,
			PageNumber:   page,
			Excerpt:      Excerpt(rec.Text, b.excerptLen),
			Score:        r.Score,
			Rank:         len(out) + 1,
			UploadedAt:   rec.UploadedAt,
			Tags:         rec.Tags,
		})
	}
	return out, nil
}

func mismatch(r rag.SearchResult, rec rag.ChunkRecord, found bool, engagementID string) string {
	switch {
	case !found:
		return "chunk not found in catalog"
	case rec.EngagementID != engagementID || r.EngagementID != engagementID:
		return "engagement mismatch"
	case rec.DocumentID != r.DocumentID:
		return "document mismatch"
	default:
		return ""
	}
}

// Excerpt returns at most n characters of text with runs of whitespace
// collapsed. Longer text is cut at the last word boundary that fits and
// marked with an ellipsis, which counts toward n. A single leading word
// longer than the remaining budget is cut on a grapheme boundary.
func Excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	n -= utf8.RuneCountInString(ellipsis)

	var (
		b     strings.Builder
		used  int
		state = -1
		rest  = text
		word  string
	)
	for len(rest) > 0 {
		word, rest, state = uniseg.FirstWordInString(rest, state)
		l := utf8.RuneCountInString(word)
		if used+l > n {
			break
		}
		b.WriteString(word)
		used += l
	}

	out := strings.TrimRightFunc(b.String(), unicode.IsSpace)
	if out == "" {
		out = cutGraphemes(text, n)
	}
	return out + ellipsis
}

func cutGraphemes(text string, n int) string {
	var (
		b       strings.Builder
		used    int
		state   = -1
		cluster string
	)
	for len(text) > 0 {
		cluster, text, _, state = uniseg.FirstGraphemeClusterInString(text, state)
		l := utf8.RuneCountInString(cluster)
		if used+l > n {
			break
		}
		b.WriteString(cluster)
		used += l
	}
	return b.String()
}
