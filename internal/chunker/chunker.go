// Package chunker splits a document's raw text into ordered, overlapping
// chunks sized in word tokens. Chunk IDs are deterministic, so re-chunking
// unchanged text with the same settings yields the same chunks.
package chunker

import (
	"fmt"
	"math"
	"strings"

	"github.com/54b3r/evidex-go/internal/rag"
)

// Defaults used when a Config field is zero.
const (
	DefaultSize            = 1500
	DefaultOverlapFraction = 0.1
	DefaultMaxTokens       = 100_000
)

// Config controls chunk geometry.
type Config struct {
	// Size is the maximum number of tokens per chunk, overlap included.
	Size int
	// OverlapFraction is the share of Size repeated from the previous
	// chunk's tail. Must be in [0, 0.5).
	OverlapFraction float64
	// MaxTokens rejects documents longer than this many tokens.
	MaxTokens int
}

// Chunker splits documents. It holds no state and is safe for concurrent use.
type Chunker struct {
	size      int
	overlap   int
	maxTokens int
}

// New validates cfg and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Size < 1 {
		return nil, fmt.Errorf("chunker: size must be positive, got %d", cfg.Size)
	}
	if cfg.OverlapFraction < 0 || cfg.OverlapFraction >= 0.5 {
		return nil, fmt.Errorf("chunker: overlap fraction must be in [0, 0.5), got %v", cfg.OverlapFraction)
	}
	return &Chunker{
		size:      cfg.Size,
		overlap:   int(math.Floor(float64(cfg.Size) * cfg.OverlapFraction)),
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Signature identifies the chunk geometry. Documents indexed under a
// different signature need re-chunking.
func (c *Chunker) Signature() string {
	return fmt.Sprintf("size=%d,overlap=%d", c.size, c.overlap)
}

// Chunk splits doc.Text. Every chunk after the first starts with the last
// overlap tokens of its predecessor; no chunk exceeds the configured size.
// Empty text and text over the maximum length yield a *rag.ChunkingError.
func (c *Chunker) Chunk(doc *rag.Document) ([]rag.Chunk, error) {
	tokens := Tokenize(doc.Text)
	if len(tokens) == 0 {
		return nil, &rag.ChunkingError{DocumentID: doc.ID, Reason: "document has no text"}
	}
	if len(tokens) > c.maxTokens {
		return nil, &rag.ChunkingError{
			DocumentID: doc.ID,
			Reason:     fmt.Sprintf("document has %d tokens, maximum is %d", len(tokens), c.maxTokens),
		}
	}

	paged := strings.ContainsRune(doc.Text, '\f')
	step := c.size - c.overlap

	var chunks []rag.Chunk
	for start := 0; ; start += step {
		end := min(start+c.size, len(tokens))
		span := tokens[start:end]

		var b strings.Builder
		for _, t := range span {
			b.WriteString(t.Text)
		}
		text := b.String()
		hash := rag.ContentHash(text)
		seq := len(chunks)

		ch := rag.Chunk{
			ID:            rag.ChunkID(doc.EngagementID, doc.ID, seq, hash),
			DocumentID:    doc.ID,
			EngagementID:  doc.EngagementID,
			SequenceIndex: seq,
			Text:          text,
			TokenCount:    len(span),
			ContentHash:   hash,
		}
		if seq > 0 {
			ch.OverlapTokens = c.overlap
		}
		if paged {
			page := span[0].Page
			ch.PageNumber = &page
		}
		chunks = append(chunks, ch)

		if end == len(tokens) {
			break
		}
	}
	return chunks, nil
}
