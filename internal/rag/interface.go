package rag

import "context"

// Backend is an index that stores [IndexEntry] values and answers
// engagement-scoped similarity searches. Implementations must be safe for
// concurrent use and must never return an entry from another engagement.
type Backend interface {
	// Kind reports the role this backend plays.
	Kind() BackendKind

	// Name is a short label for logs and metrics (e.g. "qdrant").
	Name() string

	// Upsert stores entries, replacing any with the same chunk ID.
	Upsert(ctx context.Context, entries []IndexEntry) error

	// Delete removes every entry of one document within one engagement.
	// Deleting a document with no entries is not an error.
	Delete(ctx context.Context, documentID, engagementID string) error

	// Search returns hits ordered by score descending then chunk ID, with
	// Score normalised to [0, 1], Threshold applied inclusively and at most
	// TopK results.
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)

	// HealthCheck returns nil when the backend can serve requests.
	HealthCheck(ctx context.Context) error

	// Close releases connections.
	Close() error
}

// Embedder converts texts to vectors in one provider call. The result is
// parallel to texts. Implementations must be safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore resolves chunk IDs to stored chunks and their document
// metadata. Missing IDs are simply absent from the returned map.
type ChunkStore interface {
	GetChunks(ctx context.Context, engagementID string, chunkIDs []string) (map[string]ChunkRecord, error)
}

// Reranker re-scores candidates against the query text. Returned results
// carry the new score in [0, 1]; ranks are assigned by the caller.
type Reranker interface {
	Rerank(ctx context.Context, queryText string, candidates []SearchResult) ([]SearchResult, error)
}
