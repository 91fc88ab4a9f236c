package index

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"io/fs"
	"log/slog"
	"math"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/store"
)

//go:embed sqlite_migrations/*.sql
var sqliteMigrations embed.FS

// SQLiteBackend is the document-store rag.Backend: a local SQLite table
// scanned exhaustively per engagement. It has no ANN index, so it trades
// latency for availability and serves as the failover target.
type SQLiteBackend struct {
	db  *sql.DB
	log *slog.Logger
}

var _ rag.Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the fallback database at path. Use
// ":memory:" in tests.
func NewSQLiteBackend(ctx context.Context, path string, log *slog.Logger) (*SQLiteBackend, error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: %w", err)
	}
	sub, err := fs.Sub(sqliteMigrations, "sqlite_migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite backend: migrations: %w", err)
	}
	if err := store.Migrate(ctx, db, sub); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite backend: %w", err)
	}
	return &SQLiteBackend{db: db, log: logging.Component(log, "sqlite-backend")}, nil
}

// Kind implements rag.Backend.
func (b *SQLiteBackend) Kind() rag.BackendKind { return rag.KindDocumentStore }

// Name implements rag.Backend.
func (b *SQLiteBackend) Name() string { return "sqlite" }

// Upsert writes entries in one transaction.
func (b *SQLiteBackend) Upsert(ctx context.Context, entries []rag.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite backend: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO index_entries (engagement_id, chunk_id, document_id, sequence_index, page_number, document_name, content, dimension, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (engagement_id, chunk_id) DO UPDATE SET
    document_id    = excluded.document_id,
    sequence_index = excluded.sequence_index,
    page_number    = excluded.page_number,
    document_name  = excluded.document_name,
    content        = excluded.content,
    dimension      = excluded.dimension,
    embedding      = excluded.embedding`)
	if err != nil {
		return fmt.Errorf("sqlite backend: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var page sql.NullInt64
		if e.Chunk.PageNumber != nil {
			page = sql.NullInt64{Int64: int64(*e.Chunk.PageNumber), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			e.Chunk.EngagementID, e.Chunk.ID, e.Chunk.DocumentID, e.Chunk.SequenceIndex, page,
			e.DocumentName, e.Chunk.Text, len(e.Embedding.Vector), encodeVector(e.Embedding.Vector),
		)
		if err != nil {
			return fmt.Errorf("sqlite backend: upsert %s: %w", e.Chunk.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite backend: commit: %w", err)
	}
	return nil
}

// Delete removes every entry of one document in one engagement.
func (b *SQLiteBackend) Delete(ctx context.Context, documentID, engagementID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM index_entries WHERE engagement_id = ? AND document_id = ?`, engagementID, documentID)
	if err != nil {
		return fmt.Errorf("sqlite backend: delete: %w", err)
	}
	return nil
}

// Search scores every entry of the engagement against the query vector.
// Entries with a different dimension are skipped and logged.
func (b *SQLiteBackend) Search(ctx context.Context, req rag.SearchRequest) ([]rag.SearchResult, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT chunk_id, document_id, sequence_index, page_number, content, embedding
FROM   index_entries
WHERE  engagement_id = ?`, req.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: search: %w", err)
	}
	defer rows.Close()

	var terms []string
	if req.Hybrid {
		terms = Terms(req.QueryText)
	}

	var (
		hits    []rag.SearchResult
		skipped int
	)
	for rows.Next() {
		var (
			h    = rag.SearchResult{EngagementID: req.EngagementID}
			page sql.NullInt64
			blob []byte
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.SequenceIndex, &page, &h.Text, &blob); err != nil {
			return nil, fmt.Errorf("sqlite backend: search scan: %w", err)
		}
		cos, err := rag.Cosine(req.Vector, decodeVector(blob))
		if err != nil {
			skipped++
			continue
		}
		if page.Valid {
			p := int(page.Int64)
			h.PageNumber = &p
		}
		h.Score = rag.NormalizeCosine(cos)
		if req.Hybrid {
			h.Score = HybridScore(h.Score, LexicalScore(terms, h.Text), req.HybridVectorWeight)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite backend: search rows: %w", err)
	}
	if skipped > 0 {
		b.log.Warn("skipped entries with mismatched dimension",
			slog.String("engagement_id", req.EngagementID),
			slog.Int("count", skipped),
			slog.Int("query_dimension", len(req.Vector)),
		)
	}
	return rag.Rank(hits, req.Threshold, req.TopK), nil
}

// HealthCheck pings the database.
func (b *SQLiteBackend) HealthCheck(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite backend: health check: %w", err)
	}
	return nil
}

// Close releases the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
