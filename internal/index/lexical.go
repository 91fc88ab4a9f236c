// Package index implements the search backends: Qdrant and pgvector for
// approximate vector search, and a SQLite brute-force scan that serves as
// the document-store fallback. Every backend filters by engagement inside
// the query itself and reports scores normalised to [0, 1].
package index

import (
	"strings"
	"unicode"

	"github.com/rivo/uniseg"
)

// hybridPoolFactor widens the vector candidate pool before lexical
// re-scoring, so chunks with strong keyword overlap but middling vector
// similarity still get a chance to place in the top K.
const (
	hybridPoolFactor = 4
	minHybridPool    = 50
)

// vectorPoolMargin is the number of extra candidates fetched for pure
// vector search. Engines break score ties in their own order; fetching past
// the cut lets rag.Rank apply the chunk ID tie-break.
const vectorPoolMargin = 8

// candidatePool returns how many vector candidates to fetch for a request.
func candidatePool(topK int, hybrid bool) int {
	if !hybrid {
		return topK + vectorPoolMargin
	}
	return max(topK*hybridPoolFactor, minHybridPool)
}

// Terms returns the distinct lower-cased word terms of text, in order of
// first appearance.
func Terms(text string) []string {
	var (
		out     []string
		seen    = map[string]struct{}{}
		state   = -1
		segment string
	)
	for len(text) > 0 {
		segment, text, state = uniseg.FirstWordInString(text, state)
		if !isWord(segment) {
			continue
		}
		t := strings.ToLower(segment)
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// LexicalScore is the fraction of query terms present in text, in [0, 1].
func LexicalScore(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range Terms(text) {
		have[t] = struct{}{}
	}
	hits := 0
	for _, q := range queryTerms {
		if _, ok := have[q]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

// HybridScore blends a normalised vector score with a lexical score.
func HybridScore(vector, lexical, vectorWeight float64) float64 {
	return vectorWeight*vector + (1-vectorWeight)*lexical
}

func isWord(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
