package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/retriever"

	"github.com/54b3r/evidex-go/internal/rag"
)

// BackendNone is reported as QueryResult.BackendUsed when retrieval is
// disabled.
const BackendNone rag.BackendKind = "none"

// QueryResult is the answer to one query.
type QueryResult struct {
	Citations []rag.Citation
	// BackendUsed records which backend served the query. It is an
	// observability signal, not part of the result contract.
	BackendUsed rag.BackendKind
	Elapsed     time.Duration
}

// Query answers q with citations ordered by rank. An engagement with no
// documents yields an empty result, never an error. Failures are returned
// whole: the caller gets every citation above threshold or an error.
//
// Every query runs as an eino retriever component: it emits start, end and
// error callbacks, so handlers installed with callbacks.AppendGlobalHandlers
// (Langfuse tracing among them) observe HTTP, CLI and eino-graph queries.
func (c *Coordinator) Query(ctx context.Context, q rag.SearchQuery) (*QueryResult, error) {
	topK := c.opts.TopK
	if q.TopK != nil {
		topK = *q.TopK
	}
	ctx = callbacks.EnsureRunInfo(ctx, componentType, components.ComponentOfRetriever)
	ctx = callbacks.OnStart(ctx, &retriever.CallbackInput{
		Query:          q.QueryText,
		TopK:           topK,
		ScoreThreshold: q.ScoreThreshold,
		Extra:          map[string]any{MetaEngagementID: q.EngagementID},
	})

	res, err := c.query(ctx, q)
	if err != nil {
		callbacks.OnError(ctx, err)
		return nil, err
	}
	callbacks.OnEnd(ctx, &retriever.CallbackOutput{Docs: toDocuments(res)})
	return res, nil
}

func (c *Coordinator) query(ctx context.Context, q rag.SearchQuery) (*QueryResult, error) {
	start := time.Now()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if !c.Enabled() {
		return &QueryResult{Citations: []rag.Citation{}, BackendUsed: BackendNone, Elapsed: time.Since(start)}, nil
	}

	topK := c.opts.TopK
	if q.TopK != nil {
		topK = *q.TopK
	}
	threshold := c.opts.Threshold
	if q.ScoreThreshold != nil {
		threshold = *q.ScoreThreshold
	}
	hybrid := c.opts.Hybrid
	if q.UseHybrid != nil {
		hybrid = *q.UseHybrid
	}

	log := c.log.With(slog.String("engagement_id", q.EngagementID))

	target, failover, err := c.route()
	if err != nil {
		c.metrics.queries.WithLabelValues(string(BackendNone), "unavailable").Inc()
		return nil, err
	}
	if failover {
		c.noteFailover(ctx, "query", "primary not routable")
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
	defer cancel()

	vec, err := c.embedQuery(ctx, q.QueryText)
	if err != nil {
		c.metrics.queries.WithLabelValues(string(target.Kind()), outcome(err)).Inc()
		return nil, err
	}

	req := rag.SearchRequest{
		EngagementID:       q.EngagementID,
		QueryText:          q.QueryText,
		Vector:             vec,
		TopK:               topK,
		Threshold:          threshold,
		Hybrid:             hybrid,
		HybridVectorWeight: c.opts.HybridVectorWeight,
	}
	rerank := c.opts.Rerank && c.reranker != nil
	if rerank {
		// Re-ranking replaces scores, so thresholding waits until after it.
		req.TopK = max(topK, c.opts.RerankPool)
		req.Threshold = 0
	}

	hits, served, err := c.search(ctx, target, failover, req)
	if err != nil {
		c.metrics.queries.WithLabelValues(string(target.Kind()), outcome(err)).Inc()
		return nil, err
	}

	if rerank {
		if served.Kind() == rag.KindVectorSearch {
			hits, err = c.rerank(ctx, q.QueryText, hits, threshold, topK)
			if err != nil {
				c.metrics.queries.WithLabelValues(string(served.Kind()), outcome(err)).Inc()
				return nil, err
			}
		} else {
			hits = rag.Rank(hits, threshold, topK)
		}
	}

	cites, err := c.citations.Build(ctx, q.EngagementID, hits)
	if err != nil {
		if ctx.Err() != nil {
			err = &rag.TimeoutError{Stage: "query", Budget: c.opts.QueryTimeout, Err: err}
		}
		c.metrics.queries.WithLabelValues(string(served.Kind()), outcome(err)).Inc()
		return nil, err
	}
	if dropped := len(hits) - len(cites); dropped > 0 {
		c.metrics.droppedCitations.Add(float64(dropped))
	}

	elapsed := time.Since(start)
	c.metrics.queries.WithLabelValues(string(served.Kind()), "ok").Inc()
	c.metrics.queryDuration.WithLabelValues(string(served.Kind())).Observe(elapsed.Seconds())
	log.DebugContext(ctx, "query served",
		slog.String("backend", served.Name()),
		slog.Int("hits", len(hits)),
		slog.Int("citations", len(cites)),
		slog.Duration("elapsed", elapsed),
	)
	return &QueryResult{Citations: cites, BackendUsed: served.Kind(), Elapsed: elapsed}, nil
}

// embedQuery embeds the query text under the embedding sub-budget.
func (c *Coordinator) embedQuery(ctx context.Context, text string) ([]float32, error) {
	ectx, cancel := context.WithTimeout(ctx, c.opts.EmbedTimeout)
	defer cancel()

	vec, err := c.embedder.EmbedQuery(ectx, text)
	if err == nil {
		return vec, nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, &rag.TimeoutError{Stage: "query", Budget: c.opts.QueryTimeout, Err: err}
	case errors.Is(ectx.Err(), context.DeadlineExceeded):
		return nil, &rag.TimeoutError{Stage: "embedding", Budget: c.opts.EmbedTimeout, Err: err}
	}
	return nil, err
}

// search runs req on target. When the primary fails at query time and the
// fallback is usable, the query fails over once. A backend serving as
// failover answers with vector similarity only.
func (c *Coordinator) search(ctx context.Context, target rag.Backend, failover bool, req rag.SearchRequest) ([]rag.SearchResult, rag.Backend, error) {
	if failover {
		req.Hybrid = false
	}
	hits, err := target.Search(ctx, req)
	if err == nil {
		return hits, target, nil
	}
	if ctx.Err() != nil {
		return nil, target, c.searchTimeout(ctx, err)
	}
	if failover || !c.fallbackUsable() {
		return nil, target, &rag.BackendUnavailableError{Backend: target.Kind(), Reason: "search failed", Err: err}
	}

	c.noteFailover(ctx, "query", err.Error())
	req.Hybrid = false
	hits, ferr := c.fallback.Search(ctx, req)
	if ferr == nil {
		return hits, c.fallback, nil
	}
	if ctx.Err() != nil {
		return nil, c.fallback, c.searchTimeout(ctx, ferr)
	}
	return nil, c.fallback, &rag.BackendUnavailableError{
		Backend: c.fallback.Kind(),
		Reason:  "primary and fallback search failed",
		Err:     errors.Join(err, ferr),
	}
}

func (c *Coordinator) searchTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &rag.TimeoutError{Stage: "search", Budget: c.opts.QueryTimeout, Err: err}
	}
	return err
}

// rerank re-scores hits and applies threshold and topK to the new scores.
// A failing re-ranker leaves the retrieval scores in place.
func (c *Coordinator) rerank(ctx context.Context, queryText string, hits []rag.SearchResult, threshold float64, topK int) ([]rag.SearchResult, error) {
	if len(hits) == 0 {
		return rag.Rank(hits, threshold, topK), nil
	}
	scored, err := c.reranker.Rerank(ctx, queryText, hits)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &rag.TimeoutError{Stage: "query", Budget: c.opts.QueryTimeout, Err: err}
		}
		c.log.WarnContext(ctx, "re-ranking failed; using retrieval scores", slog.String("error", err.Error()))
		scored = hits
	}
	return rag.Rank(scored, threshold, topK), nil
}

func (c *Coordinator) noteFailover(ctx context.Context, op, reason string) {
	c.metrics.failovers.WithLabelValues(op).Inc()
	c.log.InfoContext(ctx, "serving from fallback backend",
		slog.String("operation", op),
		slog.String("primary", c.primary.Name()),
		slog.String("primary_status", string(c.health.Status(c.primary.Kind()))),
		slog.String("reason", reason),
	)
}

// outcome labels a query error for metrics.
func outcome(err error) string {
	switch {
	case rag.IsTimeout(err):
		return "timeout"
	case rag.IsUnavailable(err):
		return "unavailable"
	case rag.IsEmbedding(err):
		return "embedding_error"
	default:
		return "error"
	}
}
