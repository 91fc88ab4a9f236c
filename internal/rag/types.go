// Package rag defines the data model shared by every stage of evidence
// retrieval: documents and their chunks, embeddings, index entries, search
// queries and results, citations, and backend health. It also holds the
// interfaces that concrete backends and embedders satisfy, the error
// taxonomy, and the ranking helpers every backend uses so scores mean the
// same thing regardless of where a query ran.
package rag

import "time"

// Document is one uploaded piece of evidence. Its raw text has already been
// extracted by the time it reaches the engine.
type Document struct {
	// ID is the stable document identifier assigned by the document store.
	ID string `json:"document_id"`
	// EngagementID is the tenant boundary. Every chunk and search is scoped to it.
	EngagementID string `json:"engagement_id"`
	// Name is the human-readable document name shown in citations.
	Name string `json:"name,omitempty"`
	// SourceURI points at the original artefact.
	SourceURI string `json:"source_uri,omitempty"`
	// UploadedAt is when the document entered the document store.
	UploadedAt time.Time `json:"uploaded_at"`
	// Tags are free-form labels carried through to citations.
	Tags []string `json:"tags,omitempty"`
	// Text is the extracted raw text. Form feeds (\f) mark page breaks.
	Text string `json:"raw_text"`
}

// Chunk is a contiguous span of a document's text. Chunks of one document
// are ordered by SequenceIndex starting at 0.
type Chunk struct {
	// ID is deterministic: see [ChunkID].
	ID           string `json:"chunk_id"`
	DocumentID   string `json:"document_id"`
	EngagementID string `json:"engagement_id"`
	// SequenceIndex is 0-based.
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	// TokenCount is the number of tokens in Text, overlap included.
	TokenCount int `json:"token_count"`
	// OverlapTokens is how many leading tokens repeat the previous chunk's tail.
	OverlapTokens int `json:"overlap_tokens"`
	// PageNumber is 1-based when the source has page breaks, nil otherwise.
	PageNumber *int `json:"page_number,omitempty"`
	// ContentHash is the hex SHA-256 of Text.
	ContentHash string `json:"content_hash"`
}

// Embedding is the vector for one chunk.
type Embedding struct {
	ChunkID   string    `json:"chunk_id"`
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
}

// IndexEntry is what a backend persists: the chunk, its vector, and the
// document metadata needed to filter and cite without another lookup.
type IndexEntry struct {
	Chunk     Chunk
	Embedding Embedding
	// DocumentName is denormalised for backends that return results without
	// consulting the catalog.
	DocumentName string
}

// SearchQuery is a caller's retrieval request.
type SearchQuery struct {
	EngagementID string `json:"engagement_id"`
	QueryText    string `json:"query_text"`
	// TopK is the maximum number of results. Nil selects the configured
	// default; an explicit value must be within 1..MaxTopK.
	TopK *int `json:"top_k,omitempty"`
	// ScoreThreshold overrides the configured minimum score when set.
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
	// UseHybrid overrides the configured hybrid-search switch when set.
	UseHybrid *bool `json:"use_hybrid,omitempty"`
}

// SearchRequest is what the coordinator hands a backend after embedding the
// query and resolving defaults.
type SearchRequest struct {
	EngagementID string
	QueryText    string
	Vector       []float32
	TopK         int
	// Threshold is the inclusive minimum normalised score.
	Threshold float64
	// Hybrid asks for combined lexical and vector scoring. Backends without
	// lexical support ignore it.
	Hybrid bool
	// HybridVectorWeight is the vector share of a hybrid score, in [0, 1].
	HybridVectorWeight float64
}

// SearchResult is one ranked hit. Score is in [0, 1]; Rank is 1-based.
type SearchResult struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	EngagementID  string  `json:"engagement_id"`
	SequenceIndex int     `json:"sequence_index"`
	PageNumber    *int    `json:"page_number,omitempty"`
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	Rank          int     `json:"rank"`
}

// Citation is the caller-facing form of a result.
type Citation struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	SourceURI    string `json:"source_uri,omitempty"`
	// ChunkIndex is 1-based (SequenceIndex + 1).
	ChunkIndex int       `json:"chunk_index"`
	PageNumber *int      `json:"page_number,omitempty"`
	Excerpt    string    `json:"excerpt"`
	Score      float64   `json:"relevance_score"`
	Rank       int       `json:"rank"`
	UploadedAt time.Time `json:"uploaded_at"`
	Tags       []string  `json:"tags,omitempty"`
}

// ChunkRecord is a stored chunk joined with its document's metadata. It is
// what a [ChunkStore] returns to the citation builder.
type ChunkRecord struct {
	Chunk
	DocumentName string
	SourceURI    string
	UploadedAt   time.Time
	Tags         []string
}

// BackendKind names the two backend roles.
type BackendKind string

const (
	// KindVectorSearch is the ANN primary backend.
	KindVectorSearch BackendKind = "vector_search"
	// KindDocumentStore is the brute-force fallback backend.
	KindDocumentStore BackendKind = "document_store"
)

// BackendStatus is the health monitor's view of one backend.
type BackendStatus string

const (
	StatusUnknown  BackendStatus = "unknown"
	StatusHealthy  BackendStatus = "healthy"
	StatusDegraded BackendStatus = "degraded"
	StatusOffline  BackendStatus = "offline"
)

// Routable reports whether queries may be sent to a backend in this state.
func (s BackendStatus) Routable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// BackendHealth is the latest probe state of one backend.
type BackendHealth struct {
	Kind                BackendKind   `json:"kind"`
	Name                string        `json:"name"`
	Status              BackendStatus `json:"status"`
	LastCheck           time.Time     `json:"last_check"`
	LastLatency         time.Duration `json:"last_latency_ns"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// BackendConfig is the engine's current routing configuration. Status and
// LastCheck describe the configured primary; Backends lists every monitored
// backend.
type BackendConfig struct {
	Mode          string          `json:"mode"`
	SearchBackend BackendKind     `json:"search_backend"`
	Status        BackendStatus   `json:"status"`
	LastCheck     time.Time       `json:"last_check"`
	Backends      []BackendHealth `json:"backends"`
}

// IngestStatus summarises an ingest call.
type IngestStatus string

const (
	IngestSuccess        IngestStatus = "success"
	IngestPartialSuccess IngestStatus = "partial_success"
	IngestFailed         IngestStatus = "failed"
	// IngestSuperseded means a newer ingest or delete of the same document
	// started before this one finished writing; this call stopped writing.
	IngestSuperseded IngestStatus = "superseded"
)

// ChunkError records why one chunk was not written.
type ChunkError struct {
	SequenceIndex int `json:"sequence_index"`
	// BatchIndex is the embedding batch the chunk belonged to, -1 if the
	// failure happened after embedding.
	BatchIndex int    `json:"batch_index"`
	Message    string `json:"message"`
}

// IngestResult reports what an ingest wrote.
type IngestResult struct {
	DocumentID   string        `json:"document_id"`
	EngagementID string        `json:"engagement_id"`
	ChunksTotal  int           `json:"chunks_total"`
	// ChunksWritten counts chunks persisted to the active backend.
	ChunksWritten int           `json:"chunks_written"`
	Status        IngestStatus  `json:"status"`
	Errors        []ChunkError  `json:"errors,omitempty"`
	Backends      []BackendKind `json:"backends,omitempty"`
}
