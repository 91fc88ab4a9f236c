package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/evidex-go/internal/chunker"
	"github.com/54b3r/evidex-go/internal/config"
	"github.com/54b3r/evidex-go/internal/embedder"
	"github.com/54b3r/evidex-go/internal/health"
	"github.com/54b3r/evidex-go/internal/index"
	"github.com/54b3r/evidex-go/internal/provider"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/rerank"
	"github.com/54b3r/evidex-go/internal/retrieval"
	"github.com/54b3r/evidex-go/internal/store"
)

// app is the wired engine shared by every command.
type app struct {
	settings    *config.Settings
	catalog     *store.Catalog
	backends    *index.Backends
	monitor     *health.Monitor
	coordinator *retrieval.Coordinator
}

// openApp resolves settings and builds the catalog, embedder, backends,
// health monitor and coordinator. Backends are probed once so the first
// request routes on real health. The caller must Close the app.
func openApp(ctx context.Context, log *slog.Logger, reg prometheus.Registerer) (*app, error) {
	s, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if err := s.ResolvePaths(); err != nil {
		return nil, err
	}

	a := &app{settings: s}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.catalog, err = store.Open(ctx, s.CatalogPath, log)
	if err != nil {
		return nil, err
	}

	chk, err := chunker.New(chunker.Config{
		Size:            s.ChunkSize,
		OverlapFraction: s.ChunkOverlap,
		MaxTokens:       s.MaxDocumentTokens,
	})
	if err != nil {
		return nil, err
	}

	emb, err := embedder.NewClientFromEnv(ctx, s, reg, log)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("model", emb.Model()), slog.Int("dimensions", emb.Dimensions()))

	a.backends, err = openBackends(ctx, s, emb.Dimensions(), log)
	if err != nil {
		return nil, err
	}

	a.monitor = health.NewMonitor(health.Config{
		Mode:              s.EffectiveMode(),
		Primary:           a.backends.Primary.Kind(),
		Interval:          s.HealthInterval,
		ProbeTimeout:      s.HealthProbeTimeout,
		FailureThreshold:  s.HealthFailureThreshold,
		RecoveryThreshold: s.HealthRecoveryThreshold,
		DegradedLatency:   s.HealthDegradedLatency,
		Registerer:        reg,
		Logger:            log,
	}, targets(a.backends)...)
	a.monitor.ProbeOnce(ctx)

	reranker, err := buildReranker(ctx, s, log)
	if err != nil {
		return nil, err
	}

	a.coordinator, err = retrieval.New(retrieval.Config{
		Options:    retrieval.OptionsFromSettings(s),
		Chunker:    chk,
		Embedder:   emb,
		Catalog:    a.catalog,
		Primary:    a.backends.Primary,
		Fallback:   a.backends.Fallback,
		Health:     a.monitor,
		Reranker:   reranker,
		Registerer: reg,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// openBackends opens the configured backends. With retrieval disabled only
// the local document store is opened so no remote service is contacted.
func openBackends(ctx context.Context, s *config.Settings, dims int, log *slog.Logger) (*index.Backends, error) {
	if s.Enabled() {
		return index.Open(ctx, s, dims, log)
	}
	fb, err := index.NewSQLiteBackend(ctx, s.FallbackPath, log)
	if err != nil {
		return nil, err
	}
	return &index.Backends{Primary: fb}, nil
}

// buildReranker returns the semantic re-ranking stage when
// RAG_SEMANTIC_RERANK is on and a RERANK_PROVIDER is configured.
func buildReranker(ctx context.Context, s *config.Settings, log *slog.Logger) (rag.Reranker, error) {
	if !s.SemanticRerank {
		return nil, nil
	}
	m, err := provider.NewFromEnv(ctx)
	if errors.Is(err, provider.ErrNotConfigured) {
		log.Warn("RAG_SEMANTIC_RERANK is on but RERANK_PROVIDER is none; re-ranking disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	return rerank.New(m, rerank.Config{Logger: log}), nil
}

func targets(b *index.Backends) []health.Target {
	out := make([]health.Target, 0, 2)
	for _, backend := range b.All() {
		out = append(out, backend)
	}
	return out
}

// Close releases the backends and the catalog.
func (a *app) Close() {
	if a.backends != nil {
		_ = a.backends.Close()
	}
	if a.catalog != nil {
		_ = a.catalog.Close()
	}
}

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
