package rag

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// scoreEpsilon absorbs float32 round-trips through backends so a score equal
// to the threshold is not lost to representation error.
const scoreEpsilon = 1e-9

// Cosine returns the cosine similarity of a and b in [-1, 1]. A zero vector
// has similarity 0 with everything.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("rag: cosine: dimension mismatch %d != %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// NormalizeCosine maps a cosine similarity from [-1, 1] onto [0, 1].
func NormalizeCosine(c float64) float64 {
	return clamp01((c + 1) / 2)
}

// DenormalizeThreshold is the inverse of NormalizeCosine, used to push a
// normalised threshold down into a backend that filters on raw cosine.
func DenormalizeThreshold(t float64) float64 {
	return 2*t - 1
}

// Rank applies the result contract to hits: drop scores below threshold
// (inclusive), order by score descending with chunk ID ascending as the
// tie-break, keep at most topK, and assign 1-based ranks. The input slice is
// not modified.
func Rank(hits []SearchResult, threshold float64, topK int) []SearchResult {
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		h.Score = clamp01(h.Score)
		if h.Score+scoreEpsilon >= threshold {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(a, b SearchResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ChunkID, b.ChunkID)
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
