package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGVectorConfig holds the settings for constructing a PGVectorBackend.
type PGVectorConfig struct {
	// DSN is a lib/pq connection string or URL.
	DSN string
	// Table holds the index entries (default: evidex_chunks).
	Table string
	// Dimensions is the embedding size of the vector column.
	Dimensions int
	Logger     *slog.Logger
}

// PGVectorBackend is a vector-search rag.Backend on PostgreSQL with the
// pgvector extension. Vector similarity uses an HNSW cosine index; hybrid
// search adds Postgres full-text rank from a generated tsvector column.
type PGVectorBackend struct {
	db     *sql.DB
	table  string
	dims   int
	schema schemaGuard
	log    *slog.Logger
}

var _ rag.Backend = (*PGVectorBackend)(nil)

// NewPGVectorBackend prepares a connection pool without connecting. The
// extension, table and indexes are created on the first successful health
// check or operation.
func NewPGVectorBackend(cfg *PGVectorConfig) (*PGVectorBackend, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open: %w", err)
	}
	b, err := newPGVectorBackend(db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func newPGVectorBackend(db *sql.DB, cfg *PGVectorConfig) (*PGVectorBackend, error) {
	table := cfg.Table
	if table == "" {
		table = "evidex_chunks"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("pgvector: invalid table name %q", table)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive, got %d", cfg.Dimensions)
	}
	return &PGVectorBackend{db: db, table: table, dims: cfg.Dimensions, log: logging.Component(cfg.Logger, "pgvector")}, nil
}

// ready creates the schema on first use.
func (b *PGVectorBackend) ready(ctx context.Context) error {
	return b.schema.ensure(ctx, b.createSchema)
}

func (b *PGVectorBackend) createSchema(ctx context.Context) error {
	t := pq.QuoteIdentifier(b.table)
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    engagement_id  TEXT NOT NULL,
    chunk_id       TEXT NOT NULL,
    document_id    TEXT NOT NULL,
    sequence_index INTEGER NOT NULL,
    page_number    INTEGER,
    document_name  TEXT NOT NULL DEFAULT '',
    content        TEXT NOT NULL,
    content_tsv    tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
    embedding      vector(%d) NOT NULL,
    PRIMARY KEY (engagement_id, chunk_id)
)`, t, b.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (engagement_id, document_id)`,
			pq.QuoteIdentifier(b.table+"_engagement_idx"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`,
			pq.QuoteIdentifier(b.table+"_embedding_idx"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (content_tsv)`,
			pq.QuoteIdentifier(b.table+"_tsv_idx"), t),
	}
	for _, s := range stmts {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("pgvector: create schema: %w", err)
		}
	}
	return nil
}

// Kind implements rag.Backend.
func (b *PGVectorBackend) Kind() rag.BackendKind { return rag.KindVectorSearch }

// Name implements rag.Backend.
func (b *PGVectorBackend) Name() string { return "pgvector" }

// Upsert writes entries in one transaction, replacing rows with the same
// engagement and chunk ID.
func (b *PGVectorBackend) Upsert(ctx context.Context, entries []rag.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := b.ready(ctx); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (chunk_id, document_id, engagement_id, sequence_index, page_number, document_name, content, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (engagement_id, chunk_id) DO UPDATE SET
    document_id    = EXCLUDED.document_id,
    sequence_index = EXCLUDED.sequence_index,
    page_number    = EXCLUDED.page_number,
    document_name  = EXCLUDED.document_name,
    content        = EXCLUDED.content,
    embedding      = EXCLUDED.embedding`, pq.QuoteIdentifier(b.table)))
	if err != nil {
		return fmt.Errorf("pgvector: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var page sql.NullInt64
		if e.Chunk.PageNumber != nil {
			page = sql.NullInt64{Int64: int64(*e.Chunk.PageNumber), Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			e.Chunk.ID, e.Chunk.DocumentID, e.Chunk.EngagementID, e.Chunk.SequenceIndex,
			page, e.DocumentName, e.Chunk.Text, pgvector.NewVector(e.Embedding.Vector),
		)
		if err != nil {
			return fmt.Errorf("pgvector: upsert %s: %w", e.Chunk.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgvector: commit: %w", err)
	}
	return nil
}

// Delete removes every row of one document in one engagement.
func (b *PGVectorBackend) Delete(ctx context.Context, documentID, engagementID string) error {
	if err := b.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE engagement_id = $1 AND document_id = $2`, pq.QuoteIdentifier(b.table))
	if _, err := b.db.ExecContext(ctx, q, engagementID, documentID); err != nil {
		return fmt.Errorf("pgvector: delete: %w", err)
	}
	return nil
}

// Search orders by cosine distance within the engagement. Pure vector search
// pushes the threshold into the WHERE clause; hybrid search fetches a wider
// pool with its full-text rank and blends the two locally.
func (b *PGVectorBackend) Search(ctx context.Context, req rag.SearchRequest) ([]rag.SearchResult, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	t := pq.QuoteIdentifier(b.table)
	vec := pgvector.NewVector(req.Vector)

	var (
		rows *sql.Rows
		err  error
	)
	if req.Hybrid {
		// ts_rank_cd normalisation 32 maps rank r to r/(r+1), inside [0, 1).
		q := fmt.Sprintf(`
SELECT chunk_id, document_id, engagement_id, sequence_index, page_number, content,
       1 - (embedding <=> $1) AS cosine,
       ts_rank_cd(content_tsv, plainto_tsquery('english', $3), 32) AS lexical
FROM   %s
WHERE  engagement_id = $2
ORDER  BY embedding <=> $1, chunk_id
LIMIT  $4`, t)
		rows, err = b.db.QueryContext(ctx, q, vec, req.EngagementID, req.QueryText, candidatePool(req.TopK, true))
	} else {
		q := fmt.Sprintf(`
SELECT chunk_id, document_id, engagement_id, sequence_index, page_number, content,
       1 - (embedding <=> $1) AS cosine,
       0::real AS lexical
FROM   %s
WHERE  engagement_id = $2 AND 1 - (embedding <=> $1) >= $3
ORDER  BY embedding <=> $1, chunk_id
LIMIT  $4`, t)
		rows, err = b.db.QueryContext(ctx, q, vec, req.EngagementID, rag.DenormalizeThreshold(req.Threshold), candidatePool(req.TopK, false))
	}
	if err != nil {
		return nil, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()

	var hits []rag.SearchResult
	for rows.Next() {
		var (
			h       rag.SearchResult
			page    sql.NullInt64
			cosine  float64
			lexical float64
		)
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.EngagementID, &h.SequenceIndex, &page, &h.Text, &cosine, &lexical); err != nil {
			return nil, fmt.Errorf("pgvector: search scan: %w", err)
		}
		if page.Valid {
			p := int(page.Int64)
			h.PageNumber = &p
		}
		h.Score = rag.NormalizeCosine(cosine)
		if req.Hybrid {
			h.Score = HybridScore(h.Score, lexical, req.HybridVectorWeight)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: search rows: %w", err)
	}
	return rag.Rank(hits, req.Threshold, req.TopK), nil
}

// HealthCheck pings the database and creates the schema if it does not
// exist yet.
func (b *PGVectorBackend) HealthCheck(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgvector: health check: %w", err)
	}
	return b.ready(ctx)
}

// Close releases the connection pool.
func (b *PGVectorBackend) Close() error {
	return b.db.Close()
}
