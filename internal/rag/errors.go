package rag

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ValidationError reports a malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// ChunkingError reports a document that cannot be chunked (empty or over
// the maximum length).
type ChunkingError struct {
	DocumentID string
	Reason     string
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("chunking %s: %s", e.DocumentID, e.Reason)
}

// EmbeddingError reports a batch that could not be embedded after retries.
// BatchIndex lets a caller resume from the failed batch.
type EmbeddingError struct {
	BatchIndex int
	Attempts   int
	// Retryable is true when the final failure was transient (rate limit,
	// 5xx, timeout) and a later retry may succeed.
	Retryable bool
	Err       error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding batch %d failed after %d attempt(s): %v", e.BatchIndex, e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// BackendUnavailableError reports that no routable backend could serve a
// request.
type BackendUnavailableError struct {
	Backend BackendKind
	Reason  string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s unavailable: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("backend %s unavailable: %s", e.Backend, e.Reason)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// TimeoutError reports that a stage exceeded its time budget.
type TimeoutError struct {
	// Stage is "embedding", "search" or "query".
	Stage  string
	Budget time.Duration
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded %s budget", e.Stage, e.Budget)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IndexConsistencyWarning describes an index hit whose chunk no longer
// exists in the catalog. It is logged, never returned to callers.
type IndexConsistencyWarning struct {
	ChunkID      string
	DocumentID   string
	EngagementID string
	Reason       string
}

func (w IndexConsistencyWarning) String() string {
	return fmt.Sprintf("index consistency: chunk %s of document %s: %s", w.ChunkID, w.DocumentID, w.Reason)
}

// LogValue implements slog.LogValuer.
func (w IndexConsistencyWarning) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("chunk_id", w.ChunkID),
		slog.String("document_id", w.DocumentID),
		slog.String("engagement_id", w.EngagementID),
		slog.String("reason", w.Reason),
	)
}

// IsValidation reports whether err is (or wraps) a ValidationError or a
// ChunkingError, the two caller-input failures.
func IsValidation(err error) bool {
	var v *ValidationError
	var c *ChunkingError
	return errors.As(err, &v) || errors.As(err, &c)
}

// IsUnavailable reports whether err is (or wraps) a BackendUnavailableError.
func IsUnavailable(err error) bool {
	var u *BackendUnavailableError
	return errors.As(err, &u)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsEmbedding reports whether err is (or wraps) an EmbeddingError.
func IsEmbedding(err error) bool {
	var e *EmbeddingError
	return errors.As(err, &e)
}
