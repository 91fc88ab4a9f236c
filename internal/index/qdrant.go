package index

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

// Payload keys stored on every Qdrant point.
const (
	payloadChunkID       = "chunk_id"
	payloadDocumentID    = "document_id"
	payloadEngagementID  = "engagement_id"
	payloadSequenceIndex = "sequence_index"
	payloadPageNumber    = "page_number"
	payloadText          = "text"
	payloadDocumentName  = "document_name"
)

// qdrantAPI is the subset of *qdrant.Client the backend uses.
type qdrantAPI interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string
	// Port is the Qdrant gRPC port (default: 6334).
	Port int
	// Collection is the collection holding evidence chunks.
	Collection string
	// VectorSize is the embedding dimension the collection is created with.
	VectorSize uint64
	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string
	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
	Logger *slog.Logger
}

// QdrantBackend is a vector-search rag.Backend on Qdrant. Engagement
// isolation is a server-side payload filter on every query.
type QdrantBackend struct {
	client     qdrantAPI
	collection string
	vectorSize uint64
	schema     schemaGuard
	log        *slog.Logger
}

var _ rag.Backend = (*QdrantBackend)(nil)

// NewQdrantBackend builds a client for Qdrant without contacting it. The
// collection and its payload indexes are created on the first successful
// health check or operation, so an unreachable server at startup leaves
// the backend Offline instead of failing construction.
func NewQdrantBackend(cfg *QdrantConfig) (*QdrantBackend, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		// The version check dials synchronously.
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	return newQdrantBackend(client, cfg), nil
}

func newQdrantBackend(client qdrantAPI, cfg *QdrantConfig) *QdrantBackend {
	return &QdrantBackend{
		client:     client,
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
		log:        logging.Component(cfg.Logger, "qdrant"),
	}
}

// ready creates the collection on first use.
func (b *QdrantBackend) ready(ctx context.Context) error {
	return b.schema.ensure(ctx, b.ensureCollection)
}

// ensureCollection creates the collection and the keyword indexes used by
// the engagement and document filters if they do not already exist.
func (b *QdrantBackend) ensureCollection(ctx context.Context) error {
	exists, err := b.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = b.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: b.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     b.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", b.collection, err)
	}

	for _, field := range []string{payloadEngagementID, payloadDocumentID} {
		_, err := b.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: b.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to index payload field %q: %w", field, err)
		}
	}
	b.log.Info("created collection", slog.String("collection", b.collection), slog.Uint64("vector_size", b.vectorSize))
	return nil
}

// Kind implements rag.Backend.
func (b *QdrantBackend) Kind() rag.BackendKind { return rag.KindVectorSearch }

// Name implements rag.Backend.
func (b *QdrantBackend) Name() string { return "qdrant" }

// Upsert writes entries as points keyed by chunk ID.
func (b *QdrantBackend) Upsert(ctx context.Context, entries []rag.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := b.ready(ctx); err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		payload := map[string]any{
			payloadChunkID:       e.Chunk.ID,
			payloadDocumentID:    e.Chunk.DocumentID,
			payloadEngagementID:  e.Chunk.EngagementID,
			payloadSequenceIndex: int64(e.Chunk.SequenceIndex),
			payloadText:          e.Chunk.Text,
			payloadDocumentName:  e.DocumentName,
		}
		if e.Chunk.PageNumber != nil {
			payload[payloadPageNumber] = int64(*e.Chunk.PageNumber)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(e.Chunk.ID),
			Vectors: qdrant.NewVectors(e.Embedding.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := b.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// Delete removes every point of one document in one engagement.
func (b *QdrantBackend) Delete(ctx context.Context, documentID, engagementID string) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	_, err := b.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: b.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(payloadEngagementID, engagementID),
				qdrant.NewMatch(payloadDocumentID, documentID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// Search runs a cosine ANN query filtered to the request's engagement. For
// pure vector search the threshold is pushed down as a raw cosine bound;
// hybrid search fetches a wider pool and re-scores it locally.
func (b *QdrantBackend) Search(ctx context.Context, req rag.SearchRequest) ([]rag.SearchResult, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	limit := uint64(candidatePool(req.TopK, req.Hybrid))
	q := &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQuery(req.Vector...),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadEngagementID, req.EngagementID)},
		},
		Limit:       &limit,
		WithPayload: qdrant.NewWithPayload(true),
	}
	if !req.Hybrid {
		q.ScoreThreshold = qdrant.PtrOf(float32(rag.DenormalizeThreshold(req.Threshold)))
	}

	points, err := b.client.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	var terms []string
	if req.Hybrid {
		terms = Terms(req.QueryText)
	}
	hits := make([]rag.SearchResult, 0, len(points))
	for _, p := range points {
		h := resultFromPayload(p.GetPayload())
		if h.EngagementID != req.EngagementID {
			// The filter makes this unreachable; a mismatch means a corrupt point.
			b.log.Warn("dropping point from another engagement", slog.String("chunk_id", h.ChunkID))
			continue
		}
		h.Score = rag.NormalizeCosine(float64(p.GetScore()))
		if req.Hybrid {
			h.Score = HybridScore(h.Score, LexicalScore(terms, h.Text), req.HybridVectorWeight)
		}
		hits = append(hits, h)
	}
	return rag.Rank(hits, req.Threshold, req.TopK), nil
}

func resultFromPayload(p map[string]*qdrant.Value) rag.SearchResult {
	r := rag.SearchResult{
		ChunkID:       p[payloadChunkID].GetStringValue(),
		DocumentID:    p[payloadDocumentID].GetStringValue(),
		EngagementID:  p[payloadEngagementID].GetStringValue(),
		SequenceIndex: int(p[payloadSequenceIndex].GetIntegerValue()),
		Text:          p[payloadText].GetStringValue(),
	}
	if v, ok := p[payloadPageNumber]; ok {
		page := int(v.GetIntegerValue())
		r.PageNumber = &page
	}
	return r
}

// HealthCheck pings the Qdrant server and creates the collection if it
// does not exist yet.
func (b *QdrantBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check: %w", err)
	}
	return b.ready(ctx)
}

// Close closes the underlying gRPC connection.
func (b *QdrantBackend) Close() error {
	return b.client.Close()
}
