// Package rerank implements optional semantic re-ranking: a chat model
// grades each candidate passage against the query, and the grade replaces
// the retrieval score.
package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/evidex-go/internal/budget"
	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

const (
	// maxScore is the top of the grading scale the model is asked to use.
	maxScore = 10

	// DefaultPassageChars bounds each passage shown to the model.
	DefaultPassageChars = 1200
)

const systemPrompt = `You grade how well evidence passages answer an audit query.
For every passage, reply with one line "<number>: <score>" where score is an
integer from 0 (irrelevant) to 10 (directly answers the query). Grade every
passage. Reply with nothing else.`

// scoreLine matches "3: 7", "[3] 7.5", "3 = 7" and similar reply lines.
var scoreLine = regexp.MustCompile(`(?m)^\s*\[?(\d+)\]?\s*[:=\-]?\s*(\d+(?:\.\d+)?)`)

// Config holds the settings for an LLMReranker.
type Config struct {
	// MaxContextTokens bounds the whole prompt (default budget.DefaultRerankContextTokens).
	MaxContextTokens int
	// PassageChars truncates each passage (default DefaultPassageChars).
	PassageChars int
	Logger       *slog.Logger
}

// LLMReranker grades candidates with a chat model.
type LLMReranker struct {
	model     model.BaseChatModel
	maxTokens int
	maxChars  int
	log       *slog.Logger
}

var _ rag.Reranker = (*LLMReranker)(nil)

// New returns a reranker backed by m.
func New(m model.BaseChatModel, cfg Config) *LLMReranker {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = budget.DefaultRerankContextTokens
	}
	if cfg.PassageChars <= 0 {
		cfg.PassageChars = DefaultPassageChars
	}
	return &LLMReranker{
		model:     m,
		maxTokens: cfg.MaxContextTokens,
		maxChars:  cfg.PassageChars,
		log:       logging.Component(cfg.Logger, "rerank"),
	}
}

// Rerank grades candidates in one model call. Scores are normalised to
// [0, 1]. Candidates that did not fit the prompt budget, or that the model
// did not grade, keep their retrieval score. The returned slice is parallel
// to candidates; ordering and ranks are left to the caller.
func (r *LLMReranker) Rerank(ctx context.Context, queryText string, candidates []rag.SearchResult) ([]rag.SearchResult, error) {
	out := make([]rag.SearchResult, len(candidates))
	copy(out, candidates)
	if len(candidates) == 0 {
		return out, nil
	}

	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = fmt.Sprintf("[%d] %s", i+1, truncate(c.Text, r.maxChars))
	}

	fixed := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("Query: " + queryText),
	}
	n := budget.FitPassages(fixed, passages, r.maxTokens)
	if n == 0 {
		r.log.WarnContext(ctx, "no passage fits the re-ranking budget; keeping retrieval scores",
			slog.Int("max_context_tokens", r.maxTokens))
		return out, nil
	}
	if n < len(candidates) {
		r.log.DebugContext(ctx, "re-ranking a prefix of the candidates",
			slog.Int("graded", n), slog.Int("candidates", len(candidates)))
	}

	prompt := "Query: " + queryText + "\n\nPassages:\n" + strings.Join(passages[:n], "\n\n")
	resp, err := r.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: generate: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("rerank: generate returned nil response")
	}

	scores := parseScores(resp.Content, n)
	if len(scores) == 0 {
		r.log.WarnContext(ctx, "model reply contained no scores; keeping retrieval scores",
			slog.Int("reply_chars", len(resp.Content)))
		return out, nil
	}
	for i, s := range scores {
		out[i].Score = s
	}
	return out, nil
}

// parseScores extracts "<index>: <score>" grades for passages 1..n and
// returns them keyed by 0-based candidate index, normalised to [0, 1].
// Out-of-range indexes are ignored; the first grade for an index wins.
func parseScores(reply string, n int) map[int]float64 {
	out := make(map[int]float64)
	for _, m := range scoreLine.FindAllStringSubmatch(reply, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if _, seen := out[idx-1]; seen {
			continue
		}
		out[idx-1] = min(max(v/maxScore, 0), 1)
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
