package rag

import (
	"fmt"
	"strings"
)

// MaxTopK bounds SearchQuery.TopK.
const MaxTopK = 50

// Validate checks the fields every ingest needs.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return &ValidationError{Field: "document_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(d.EngagementID) == "" {
		return &ValidationError{Field: "engagement_id", Reason: "must not be empty"}
	}
	return nil
}

// Validate checks a query before any work is done. A nil TopK or threshold
// means "use the configured default".
func (q *SearchQuery) Validate() error {
	if strings.TrimSpace(q.EngagementID) == "" {
		return &ValidationError{Field: "engagement_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(q.QueryText) == "" {
		return &ValidationError{Field: "query_text", Reason: "must not be empty"}
	}
	if q.TopK != nil && (*q.TopK < 1 || *q.TopK > MaxTopK) {
		return &ValidationError{Field: "top_k", Reason: fmt.Sprintf("must be between 1 and %d", MaxTopK)}
	}
	if q.ScoreThreshold != nil && (*q.ScoreThreshold < 0 || *q.ScoreThreshold > 1) {
		return &ValidationError{Field: "score_threshold", Reason: "must be between 0 and 1"}
	}
	return nil
}
