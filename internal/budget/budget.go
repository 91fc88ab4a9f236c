// Package budget estimates token costs and packs work into provider-sized
// requests. Embedding providers and chat models tokenize differently, so the
// estimate is a conservative character heuristic: 1 token ≈ 4 characters.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// messageOverhead is the per-message framing cost in chat APIs.
	messageOverhead = 4

	// DefaultRerankContextTokens bounds the reranker prompt.
	DefaultRerankContextTokens = 6000
)

// Estimate returns a rough token count for s.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated token count of a chat prompt.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Batch is a half-open range [Start, End) of item indices sent in one request.
type Batch struct {
	Start int
	End   int
}

// Len returns the number of items in the batch.
func (b Batch) Len() int { return b.End - b.Start }

// Plan packs items, in order, into batches of at most maxItems items and at
// most maxTokens total cost. An item that alone exceeds maxTokens gets a
// batch of its own. maxItems or maxTokens <= 0 disables that limit.
func Plan(costs []int, maxItems, maxTokens int) []Batch {
	var batches []Batch
	start, tokens := 0, 0
	for i, c := range costs {
		n := i - start
		full := (maxItems > 0 && n >= maxItems) || (maxTokens > 0 && n > 0 && tokens+c > maxTokens)
		if full {
			batches = append(batches, Batch{Start: start, End: i})
			start, tokens = i, 0
		}
		tokens += c
	}
	if start < len(costs) {
		batches = append(batches, Batch{Start: start, End: len(costs)})
	}
	return batches
}

// FitPassages returns how many passages, taken in order, fit alongside the
// fixed prompt messages within maxTokens. Each passage is costed as a
// message line of its own.
func FitPassages(fixed []*schema.Message, passages []string, maxTokens int) int {
	used := EstimateMessages(fixed)
	for i, p := range passages {
		used += messageOverhead + Estimate(p)
		if used > maxTokens {
			return i
		}
	}
	return len(passages)
}
