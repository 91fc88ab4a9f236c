package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/evidex-go/internal/rag"
)

// Outcome is the result of one document in IngestMany.
type Outcome struct {
	Result *rag.IngestResult
	Err    error
}

// DeleteResult reports what Delete removed.
type DeleteResult struct {
	// Deleted is true when the document was in the catalog.
	Deleted bool `json:"deleted"`
	// Superseded is true when a newer ingest or delete of the same
	// document started first; this call wrote nothing.
	Superseded bool `json:"superseded,omitempty"`
	// Errors lists backends whose entries could not be removed. The
	// document is gone from the catalog regardless, so its stale entries
	// never reach a citation.
	Errors []string `json:"errors,omitempty"`
}

// Ingest chunks doc, embeds the chunks and writes them to the routable
// backends, replacing any previous version of the document. Chunks whose
// embedding batch failed are listed in the result and the rest are still
// written (partial_success). When no chunk could be embedded nothing is
// written, and the result is returned together with the first
// *rag.EmbeddingError.
//
// The write section runs to completion once entered, even if ctx is
// cancelled. A newer Ingest or Delete of the same document that starts
// first makes this call stop writing and report superseded.
func (c *Coordinator) Ingest(ctx context.Context, doc *rag.Document) (*rag.IngestResult, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() {
		return nil, c.disabledErr()
	}

	log := c.log.With(
		slog.String("engagement_id", doc.EngagementID),
		slog.String("document_id", doc.ID),
	)
	key := fenceKey(doc.EngagementID, doc.ID)
	ticket := c.fence.begin(key)
	defer c.fence.end(key)

	res := &rag.IngestResult{
		DocumentID:   doc.ID,
		EngagementID: doc.EngagementID,
		Status:       rag.IngestFailed,
	}

	chunks, err := c.chunker.Chunk(doc)
	if err != nil {
		c.metrics.ingests.WithLabelValues(string(rag.IngestFailed)).Inc()
		return nil, err
	}
	res.ChunksTotal = len(chunks)

	entries, chunkErrs, firstErr := c.embed(ctx, doc, chunks)
	res.Errors = chunkErrs
	if len(entries) == 0 {
		c.metrics.ingests.WithLabelValues(string(rag.IngestFailed)).Inc()
		log.WarnContext(ctx, "no chunk could be embedded; document not written",
			slog.Int("chunks", len(chunks)))
		return res, firstErr
	}

	if !c.fence.current(key, ticket) {
		return c.superseded(ctx, log, res), nil
	}
	unlock := c.fence.lock(key)
	defer unlock()
	if !c.fence.current(key, ticket) {
		return c.superseded(ctx, log, res), nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.WriteTimeout)
	defer cancel()

	kinds, pending, err := c.writeEntries(wctx, key, ticket, doc, entries)
	if errors.Is(err, errSuperseded) {
		return c.superseded(ctx, log, res), nil
	}
	if err != nil {
		c.metrics.ingests.WithLabelValues(string(rag.IngestFailed)).Inc()
		return res, err
	}
	if !c.fence.current(key, ticket) {
		return c.superseded(ctx, log, res), nil
	}

	written := make([]rag.Chunk, len(entries))
	for i, e := range entries {
		written[i] = e.Chunk
	}
	sig := ""
	if len(chunkErrs) == 0 {
		sig = c.signature(doc)
	}
	if err := c.catalog.PutDocument(wctx, doc); err != nil {
		c.metrics.ingests.WithLabelValues(string(rag.IngestFailed)).Inc()
		return res, fmt.Errorf("retrieval: catalog document: %w", err)
	}
	if err := c.catalog.ReplaceChunks(wctx, doc.EngagementID, doc.ID, written, sig, pending); err != nil {
		c.metrics.ingests.WithLabelValues(string(rag.IngestFailed)).Inc()
		return res, fmt.Errorf("retrieval: catalog chunks: %w", err)
	}

	res.ChunksWritten = len(written)
	res.Backends = kinds
	if len(chunkErrs) == 0 {
		res.Status = rag.IngestSuccess
	} else {
		res.Status = rag.IngestPartialSuccess
	}
	c.metrics.ingests.WithLabelValues(string(res.Status)).Inc()
	log.InfoContext(ctx, "document ingested",
		slog.String("status", string(res.Status)),
		slog.Int("chunks_total", res.ChunksTotal),
		slog.Int("chunks_written", res.ChunksWritten),
		slog.Bool("pending_primary", pending),
	)
	return res, nil
}

// IngestMany ingests docs concurrently on at most Options.Workers
// goroutines. Each document runs its own sequential pipeline; one
// document failing does not affect the others. Outcomes are parallel to
// docs.
func (c *Coordinator) IngestMany(ctx context.Context, docs []*rag.Document) []Outcome {
	out := make([]Outcome, len(docs))
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for i, doc := range docs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i] = Outcome{Err: err}
				return nil
			}
			res, err := c.Ingest(ctx, doc)
			out[i] = Outcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Delete removes a document's entries from every backend and its record
// from the catalog. Deleting an unknown document is not an error.
func (c *Coordinator) Delete(ctx context.Context, engagementID, documentID string) (*DeleteResult, error) {
	if strings.TrimSpace(engagementID) == "" {
		return nil, &rag.ValidationError{Field: "engagement_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(documentID) == "" {
		return nil, &rag.ValidationError{Field: "document_id", Reason: "must not be empty"}
	}
	if !c.Enabled() {
		return nil, c.disabledErr()
	}

	log := c.log.With(slog.String("engagement_id", engagementID), slog.String("document_id", documentID))
	key := fenceKey(engagementID, documentID)
	ticket := c.fence.begin(key)
	defer c.fence.end(key)

	unlock := c.fence.lock(key)
	defer unlock()
	if !c.fence.current(key, ticket) {
		log.InfoContext(ctx, "delete superseded by a newer operation")
		return &DeleteResult{Superseded: true}, nil
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.WriteTimeout)
	defer cancel()

	res := &DeleteResult{}
	for _, b := range c.backends() {
		if err := b.Delete(wctx, documentID, engagementID); err != nil {
			log.WarnContext(ctx, "backend delete failed",
				slog.String("backend", b.Name()), slog.String("error", err.Error()))
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", b.Kind(), err))
		}
	}
	found, err := c.catalog.DeleteDocument(wctx, engagementID, documentID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: catalog delete: %w", err)
	}
	res.Deleted = found
	log.InfoContext(ctx, "document deleted", slog.Bool("found", found), slog.Int("backend_errors", len(res.Errors)))
	return res, nil
}

// embed runs the chunks through the embedding client and pairs each
// embedded chunk with its vector. Chunks of failed batches are reported as
// ChunkErrors.
func (c *Coordinator) embed(ctx context.Context, doc *rag.Document, chunks []rag.Chunk) ([]rag.IndexEntry, []rag.ChunkError, error) {
	var (
		entries  []rag.IndexEntry
		errs     []rag.ChunkError
		firstErr error
	)
	for _, br := range c.embedder.EmbedChunks(ctx, chunks) {
		if br.Err != nil {
			if firstErr == nil {
				firstErr = br.Err
			}
			for _, ch := range chunks[br.Start:br.End] {
				errs = append(errs, rag.ChunkError{
					SequenceIndex: ch.SequenceIndex,
					BatchIndex:    br.Index,
					Message:       br.Err.Error(),
				})
			}
			continue
		}
		for j, emb := range br.Embeddings {
			entries = append(entries, rag.IndexEntry{
				Chunk:        chunks[br.Start+j],
				Embedding:    emb,
				DocumentName: doc.Name,
			})
		}
	}
	return entries, errs, firstErr
}

var errSuperseded = errors.New("retrieval: superseded")

// writeEntries replaces the document's entries on the primary when it is
// routable, mirroring to the fallback when one is configured. When the
// primary is not routable, or its write fails, the fallback alone takes
// the write and pending reports that the primary needs a resync.
func (c *Coordinator) writeEntries(ctx context.Context, key string, ticket uint64, doc *rag.Document, entries []rag.IndexEntry) (kinds []rag.BackendKind, pending bool, err error) {
	primaryOK := c.health.Status(c.primary.Kind()).Routable()
	var primaryErr error
	switch {
	case primaryOK:
		if primaryErr = replaceDocument(ctx, c.primary, doc, entries); primaryErr == nil {
			kinds = append(kinds, c.primary.Kind())
			c.metrics.chunksWritten.WithLabelValues(string(c.primary.Kind())).Add(float64(len(entries)))
		} else {
			primaryOK = false
			if c.fallback == nil {
				return nil, false, &rag.BackendUnavailableError{Backend: c.primary.Kind(), Reason: "index write failed", Err: primaryErr}
			}
			c.noteFailover(ctx, "ingest", primaryErr.Error())
		}
	case c.fallback == nil:
		return nil, false, &rag.BackendUnavailableError{
			Backend: c.primary.Kind(),
			Reason:  fmt.Sprintf("primary is %s and no fallback is configured", c.health.Status(c.primary.Kind())),
		}
	default:
		c.noteFailover(ctx, "ingest", "primary not routable")
	}

	if c.fallback == nil {
		return kinds, false, nil
	}
	if !c.fence.current(key, ticket) {
		return nil, false, errSuperseded
	}
	if err := replaceDocument(ctx, c.fallback, doc, entries); err != nil {
		if !primaryOK {
			return nil, false, &rag.BackendUnavailableError{
				Backend: c.fallback.Kind(),
				Reason:  "index write failed on every backend",
				Err:     errors.Join(primaryErr, err),
			}
		}
		c.log.WarnContext(ctx, "fallback mirror write failed; failover will miss this document",
			slog.String("document_id", doc.ID), slog.String("error", err.Error()))
		return kinds, false, nil
	}
	kinds = append(kinds, c.fallback.Kind())
	c.metrics.chunksWritten.WithLabelValues(string(c.fallback.Kind())).Add(float64(len(entries)))
	return kinds, !primaryOK, nil
}

// replaceDocument deletes the document's old entries from b and upserts
// the new ones, so chunks of a previous version never linger.
func replaceDocument(ctx context.Context, b rag.Backend, doc *rag.Document, entries []rag.IndexEntry) error {
	if err := b.Delete(ctx, doc.ID, doc.EngagementID); err != nil {
		return fmt.Errorf("%s: delete previous entries: %w", b.Name(), err)
	}
	if err := b.Upsert(ctx, entries); err != nil {
		return fmt.Errorf("%s: upsert: %w", b.Name(), err)
	}
	return nil
}

func (c *Coordinator) superseded(ctx context.Context, log *slog.Logger, res *rag.IngestResult) *rag.IngestResult {
	res.Status = rag.IngestSuperseded
	res.ChunksWritten = 0
	res.Backends = nil
	c.metrics.ingests.WithLabelValues(string(rag.IngestSuperseded)).Inc()
	log.InfoContext(ctx, "ingest superseded by a newer operation")
	return res
}

// signature identifies the text, chunk geometry and embedding model a
// document was indexed with. Reindexing skips documents whose stored
// signature matches.
func (c *Coordinator) signature(doc *rag.Document) string {
	return fmt.Sprintf("%s|%s|%s|%d", rag.ContentHash(doc.Text), c.chunker.Signature(), c.embedder.Model(), c.embedder.Dimensions())
}

func (c *Coordinator) backends() []rag.Backend {
	out := []rag.Backend{c.primary}
	if c.fallback != nil {
		out = append(out, c.fallback)
	}
	return out
}
