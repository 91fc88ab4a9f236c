// Package retrieval implements the retrieval coordinator: the ingestion
// path (chunk, embed, write to the routable backends, record in the
// catalog) and the query path (route, embed, search, optionally re-rank,
// build citations). It owns backend routing and failover; callers never
// see which backend served them except through QueryResult.BackendUsed.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/evidex-go/internal/chunker"
	"github.com/54b3r/evidex-go/internal/citation"
	"github.com/54b3r/evidex-go/internal/config"
	"github.com/54b3r/evidex-go/internal/embedder"
	"github.com/54b3r/evidex-go/internal/health"
	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/store"
)

// Defaults used when an Options field is zero.
const (
	DefaultWriteTimeout = 2 * time.Minute
	// DefaultRerankPool is the candidate count fetched for re-ranking.
	DefaultRerankPool = 30
)

// Embedder is the part of the embedding client the coordinator uses.
type Embedder interface {
	Model() string
	Dimensions() int
	EmbedChunks(ctx context.Context, chunks []rag.Chunk) []embedder.BatchResult
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Catalog is the document catalog the coordinator keeps in step with the
// index backends.
type Catalog interface {
	rag.ChunkStore
	PutDocument(ctx context.Context, doc *rag.Document) error
	ReplaceChunks(ctx context.Context, engagementID, documentID string, chunks []rag.Chunk, signature string, pendingPrimary bool) error
	GetDocument(ctx context.Context, engagementID, documentID string) (*store.DocumentRecord, error)
	ListDocuments(ctx context.Context, engagementID string) ([]store.DocumentRecord, error)
	DeleteDocument(ctx context.Context, engagementID, documentID string) (bool, error)
}

// Options are the coordinator's tunables. OptionsFromSettings fills them
// from the resolved configuration.
type Options struct {
	// Mode is config.ModeEnabled or config.ModeNone.
	Mode string

	TopK               int
	Threshold          float64
	Hybrid             bool
	HybridVectorWeight float64
	Rerank             bool
	// RerankPool is how many candidates are fetched before re-ranking.
	RerankPool int

	// Workers bounds concurrent document ingests.
	Workers int

	QueryTimeout time.Duration
	EmbedTimeout time.Duration
	// WriteTimeout bounds the index write section of one ingest or delete,
	// which runs to completion even if the caller goes away.
	WriteTimeout time.Duration

	ExcerptLength int
}

// OptionsFromSettings maps resolved settings onto coordinator options.
func OptionsFromSettings(s *config.Settings) Options {
	return Options{
		Mode:               s.Mode,
		TopK:               s.TopK,
		Threshold:          s.SimilarityThreshold,
		Hybrid:             s.UseHybridSearch,
		HybridVectorWeight: s.HybridVectorWeight,
		Rerank:             s.SemanticRerank,
		Workers:            s.Workers,
		QueryTimeout:       s.QueryTimeout,
		EmbedTimeout:       s.EmbedTimeout,
		ExcerptLength:      s.ExcerptLength,
	}
}

// Config holds the dependencies for constructing a Coordinator.
type Config struct {
	Options

	Chunker  *chunker.Chunker
	Embedder Embedder
	Catalog  Catalog

	// Primary is the configured search backend. Fallback is optional.
	Primary  rag.Backend
	Fallback rag.Backend

	// Health supplies backend status for routing.
	Health health.State

	// Reranker is used when Options.Rerank is set. Optional.
	Reranker rag.Reranker

	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Coordinator routes ingestion and queries across the index backends.
// Safe for concurrent use.
type Coordinator struct {
	opts      Options
	chunker   *chunker.Chunker
	embedder  Embedder
	catalog   Catalog
	primary   rag.Backend
	fallback  rag.Backend
	health    health.State
	reranker  rag.Reranker
	citations *citation.Builder
	fence     *fence
	jobs      *jobRegistry
	metrics   *coordinatorMetrics
	log       *slog.Logger
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Chunker == nil:
		return nil, errors.New("retrieval: chunker is required")
	case cfg.Embedder == nil:
		return nil, errors.New("retrieval: embedder is required")
	case cfg.Catalog == nil:
		return nil, errors.New("retrieval: catalog is required")
	case cfg.Primary == nil:
		return nil, errors.New("retrieval: primary backend is required")
	case cfg.Health == nil:
		return nil, errors.New("retrieval: health state is required")
	}

	o := cfg.Options
	if o.Mode == "" {
		o.Mode = config.ModeEnabled
	}
	if o.TopK <= 0 {
		o.TopK = config.DefaultTopK
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = config.DefaultQueryTimeout
	}
	if o.EmbedTimeout <= 0 || o.EmbedTimeout > o.QueryTimeout {
		o.EmbedTimeout = min(config.DefaultEmbedTimeout, o.QueryTimeout)
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.RerankPool <= 0 {
		o.RerankPool = DefaultRerankPool
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	log := logging.Component(cfg.Logger, "retrieval")

	return &Coordinator{
		opts:      o,
		chunker:   cfg.Chunker,
		embedder:  cfg.Embedder,
		catalog:   cfg.Catalog,
		primary:   cfg.Primary,
		fallback:  cfg.Fallback,
		health:    cfg.Health,
		reranker:  cfg.Reranker,
		citations: citation.NewBuilder(cfg.Catalog, o.ExcerptLength, cfg.Logger),
		fence:     newFence(),
		jobs:      newJobRegistry(),
		metrics:   newCoordinatorMetrics(reg),
		log:       log,
	}, nil
}

// Enabled reports whether retrieval is active (RAG_MODE is not none).
func (c *Coordinator) Enabled() bool { return c.opts.Mode != config.ModeNone }

// Config returns the current routing configuration: the mode, the
// configured primary, and the latest health of every backend.
func (c *Coordinator) Config() rag.BackendConfig {
	snap := c.health.Snapshot()
	snap.SearchBackend = c.primary.Kind()
	snap.Status = c.health.Status(c.primary.Kind())
	if !c.Enabled() {
		snap.Mode = config.ModeNone
	} else {
		snap.Mode = string(c.primary.Kind())
	}
	if snap.Backends == nil {
		snap.Backends = []rag.BackendHealth{}
	}
	return snap
}

// route picks the backend for a query or write. The primary serves while
// it is healthy or degraded; otherwise the fallback serves unless it is
// known to be offline.
func (c *Coordinator) route() (target rag.Backend, failover bool, err error) {
	ps := c.health.Status(c.primary.Kind())
	if ps.Routable() {
		return c.primary, false, nil
	}
	if c.fallbackUsable() {
		return c.fallback, true, nil
	}
	return nil, false, &rag.BackendUnavailableError{
		Backend: c.primary.Kind(),
		Reason:  fmt.Sprintf("primary is %s and no fallback is available", ps),
	}
}

func (c *Coordinator) fallbackUsable() bool {
	return c.fallback != nil && c.health.Status(c.fallback.Kind()) != rag.StatusOffline
}

func (c *Coordinator) disabledErr() error {
	return &rag.BackendUnavailableError{
		Backend: c.primary.Kind(),
		Reason:  "retrieval is disabled (RAG_MODE=none)",
	}
}
