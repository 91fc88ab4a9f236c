package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/54b3r/evidex-go/internal/config"
	"github.com/54b3r/evidex-go/internal/rag"
)

// Backends is the resolved backend topology: the configured primary and the
// optional alternate it fails over to.
type Backends struct {
	Primary  rag.Backend
	Fallback rag.Backend
}

// All returns the configured backends, primary first.
func (b *Backends) All() []rag.Backend {
	out := []rag.Backend{b.Primary}
	if b.Fallback != nil {
		out = append(out, b.Fallback)
	}
	return out
}

// Close closes every backend.
func (b *Backends) Close() error {
	var errs []error
	for _, be := range b.All() {
		if err := be.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", be.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Open builds the backends named by s. dims is the embedding dimension used
// to size vector collections. The vector primary is not contacted here: an
// unreachable primary is reported by its health check, and the fallback
// serves until it recovers.
//
// With RAG_SEARCH_BACKEND=vector_search the primary is Qdrant or pgvector
// per RAG_VECTOR_ENGINE, and the SQLite document store is its fallback when
// RAG_FALLBACK_ENABLED is true. With document_store the SQLite backend is
// the primary and there is no fallback.
func Open(ctx context.Context, s *config.Settings, dims int, log *slog.Logger) (*Backends, error) {
	if s.SearchBackend == config.BackendDocumentStore {
		fb, err := NewSQLiteBackend(ctx, s.FallbackPath, log)
		if err != nil {
			return nil, err
		}
		return &Backends{Primary: fb}, nil
	}

	var (
		primary rag.Backend
		err     error
	)
	switch s.VectorEngine {
	case config.EnginePGVector:
		primary, err = NewPGVectorBackend(&PGVectorConfig{
			DSN:        s.PGVector.DSN,
			Table:      s.PGVector.Table,
			Dimensions: dims,
			Logger:     log,
		})
	case config.EngineQdrant:
		primary, err = NewQdrantBackend(&QdrantConfig{
			Host:       s.Qdrant.Host,
			Port:       s.Qdrant.Port,
			Collection: s.Qdrant.Collection,
			VectorSize: uint64(dims),
			APIKey:     s.Qdrant.APIKey,
			UseTLS:     s.Qdrant.TLS,
			Logger:     log,
		})
	default:
		return nil, fmt.Errorf("index: unknown vector engine %q", s.VectorEngine)
	}
	if err != nil {
		return nil, err
	}

	b := &Backends{Primary: primary}
	if s.FallbackEnabled {
		fb, err := NewSQLiteBackend(ctx, s.FallbackPath, log)
		if err != nil {
			_ = primary.Close()
			return nil, err
		}
		b.Fallback = fb
	}
	return b, nil
}
