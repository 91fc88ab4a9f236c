package retrieval

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/evidex-go/internal/rag"
)

// componentType names the coordinator in eino callbacks.
const componentType = "Evidex"

// Metadata keys set on documents returned by Retriever and reported to
// eino callbacks.
const (
	MetaDocumentID   = "document_id"
	MetaDocumentName = "document_name"
	MetaEngagementID = "engagement_id"
	MetaSourceURI    = "source_uri"
	MetaChunkIndex   = "chunk_index"
	MetaPageNumber   = "page_number"
	MetaRank         = "rank"
	MetaTags         = "tags"
	MetaBackend      = "backend"
)

// Retriever exposes the coordinator as an eino retriever so it can be
// used in eino chains and graphs. Each returned document is one citation:
// Content is the excerpt and MetaData carries its provenance.
type Retriever struct {
	c            *Coordinator
	engagementID string
}

var _ retriever.Retriever = (*Retriever)(nil)

// NewRetriever returns a retriever scoped to engagementID. The
// retriever.WithIndex option overrides the engagement per call.
func NewRetriever(c *Coordinator, engagementID string) *Retriever {
	return &Retriever{c: c, engagementID: engagementID}
}

// Retrieve runs a query. retriever.WithTopK and
// retriever.WithScoreThreshold override the configured defaults.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	o := retriever.GetCommonOptions(&retriever.Options{}, opts...)
	q := rag.SearchQuery{EngagementID: r.engagementID, QueryText: query, TopK: o.TopK, ScoreThreshold: o.ScoreThreshold}
	if o.Index != nil && *o.Index != "" {
		q.EngagementID = *o.Index
	}

	res, err := r.c.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return toDocuments(res), nil
}

// GetType names the component in eino callbacks.
func (r *Retriever) GetType() string { return componentType }

// IsCallbacksEnabled tells eino that Retrieve emits its own callbacks
// (Coordinator.Query does).
func (r *Retriever) IsCallbacksEnabled() bool { return true }

func toDocuments(res *QueryResult) []*schema.Document {
	docs := make([]*schema.Document, 0, len(res.Citations))
	for _, cit := range res.Citations {
		docs = append(docs, toDocument(cit, res.BackendUsed))
	}
	return docs
}

func toDocument(c rag.Citation, backend rag.BackendKind) *schema.Document {
	meta := map[string]any{
		MetaDocumentID:   c.DocumentID,
		MetaDocumentName: c.DocumentName,
		MetaChunkIndex:   c.ChunkIndex,
		MetaRank:         c.Rank,
		MetaBackend:      string(backend),
	}
	if c.SourceURI != "" {
		meta[MetaSourceURI] = c.SourceURI
	}
	if c.PageNumber != nil {
		meta[MetaPageNumber] = *c.PageNumber
	}
	if len(c.Tags) > 0 {
		meta[MetaTags] = c.Tags
	}
	doc := &schema.Document{
		ID:       fmt.Sprintf("%s#%d", c.DocumentID, c.ChunkIndex),
		Content:  c.Excerpt,
		MetaData: meta,
	}
	return doc.WithScore(c.Score)
}
