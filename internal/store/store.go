// Package store provides the SQLite-backed document catalog. It keeps each
// document's metadata and raw text together with the chunks last indexed
// for it, so citations can be resolved without the index backends and
// documents can be re-chunked and re-embedded later.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/54b3r/evidex-go/internal/logging"
	"github.com/54b3r/evidex-go/internal/rag"
	"github.com/54b3r/evidex-go/internal/store/migrations"
)

// ErrNotFound is returned when a document is not in the catalog.
var ErrNotFound = errors.New("store: document not found")

// DocumentRecord is a catalogued document and its indexing state.
type DocumentRecord struct {
	rag.Document
	// ContentHash is the hex SHA-256 of the raw text.
	ContentHash string
	// IndexSignature identifies the chunking and embedding settings the
	// stored chunks were produced with. Empty until the first index write.
	IndexSignature string
	// PendingPrimary is set when the document reached only the fallback
	// backend and must be re-indexed into the primary.
	PendingPrimary bool
	ChunkCount     int
	UpdatedAt      time.Time
}

// Catalog is the document catalog. It satisfies rag.ChunkStore and is safe
// for concurrent use.
type Catalog struct {
	db  *sql.DB
	log *slog.Logger
}

var _ rag.ChunkStore = (*Catalog)(nil)

// Open opens (or creates) the catalog at path and applies migrations.
func Open(ctx context.Context, path string, log *slog.Logger) (*Catalog, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Catalog{db: db, log: logging.Component(log, "catalog")}, nil
}

// PutDocument inserts or updates a document's metadata and raw text. When
// the content hash changes the stored index signature is cleared, so the
// document no longer looks indexed until its chunks are replaced.
func (c *Catalog) PutDocument(ctx context.Context, doc *rag.Document) error {
	tags, err := json.Marshal(nonNil(doc.Tags))
	if err != nil {
		return fmt.Errorf("store: encode tags: %w", err)
	}
	uploaded := doc.UploadedAt
	if uploaded.IsZero() {
		uploaded = time.Now()
	}
	const q = `
INSERT INTO documents (engagement_id, document_id, name, source_uri, uploaded_at, tags, raw_text, content_hash, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (engagement_id, document_id) DO UPDATE SET
    name            = excluded.name,
    source_uri      = excluded.source_uri,
    uploaded_at     = excluded.uploaded_at,
    tags            = excluded.tags,
    raw_text        = excluded.raw_text,
    index_signature = CASE WHEN documents.content_hash = excluded.content_hash
                           THEN documents.index_signature ELSE '' END,
    content_hash    = excluded.content_hash,
    updated_at      = excluded.updated_at`
	_, err = c.db.ExecContext(ctx, q,
		doc.EngagementID, doc.ID, doc.Name, doc.SourceURI, uploaded.Unix(),
		string(tags), doc.Text, rag.ContentHash(doc.Text), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: put document %s: %w", doc.ID, err)
	}
	return nil
}

// ReplaceChunks atomically swaps the stored chunks of one document and
// records the index signature and pending-primary flag they were written
// under.
func (c *Catalog) ReplaceChunks(ctx context.Context, engagementID, documentID string, chunks []rag.Chunk, signature string, pendingPrimary bool) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE engagement_id = ? AND document_id = ?`, engagementID, documentID); err != nil {
		return fmt.Errorf("store: clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunks (engagement_id, chunk_id, document_id, sequence_index, text, token_count, overlap_tokens, page_number, content_hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		var page sql.NullInt64
		if ch.PageNumber != nil {
			page = sql.NullInt64{Int64: int64(*ch.PageNumber), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, engagementID, ch.ID, documentID, ch.SequenceIndex,
			ch.Text, ch.TokenCount, ch.OverlapTokens, page, ch.ContentHash); err != nil {
			return fmt.Errorf("store: insert chunk %s: %w", ch.ID, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
UPDATE documents SET index_signature = ?, pending_primary = ?, updated_at = ?
WHERE engagement_id = ? AND document_id = ?`,
		signature, boolInt(pendingPrimary), time.Now().Unix(), engagementID, documentID)
	if err != nil {
		return fmt.Errorf("store: update document state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit chunks: %w", err)
	}
	return nil
}

// GetDocument returns one document or ErrNotFound.
func (c *Catalog) GetDocument(ctx context.Context, engagementID, documentID string) (*DocumentRecord, error) {
	row := c.db.QueryRowContext(ctx, documentSelect+` WHERE d.engagement_id = ? AND d.document_id = ?`, engagementID, documentID)
	rec, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document %s: %w", documentID, err)
	}
	return rec, nil
}

// ListDocuments returns the documents of one engagement, or of every
// engagement when engagementID is empty, ordered by engagement then ID.
func (c *Catalog) ListDocuments(ctx context.Context, engagementID string) ([]DocumentRecord, error) {
	q := documentSelect
	var args []any
	if engagementID != "" {
		q += ` WHERE d.engagement_id = ?`
		args = append(args, engagementID)
	}
	q += ` ORDER BY d.engagement_id, d.document_id`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list documents scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list documents rows: %w", err)
	}
	return out, nil
}

// DeleteDocument removes a document and its chunks. It reports whether the
// document existed.
func (c *Catalog) DeleteDocument(ctx context.Context, engagementID, documentID string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE engagement_id = ? AND document_id = ?`, engagementID, documentID); err != nil {
		return false, fmt.Errorf("store: delete chunks of %s: %w", documentID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE engagement_id = ? AND document_id = ?`, engagementID, documentID)
	if err != nil {
		return false, fmt.Errorf("store: delete document %s: %w", documentID, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit delete: %w", err)
	}
	return n > 0, nil
}

// GetChunks resolves chunk IDs within one engagement. IDs that are absent,
// or belong to another engagement, are missing from the result.
func (c *Catalog) GetChunks(ctx context.Context, engagementID string, chunkIDs []string) (map[string]rag.ChunkRecord, error) {
	out := make(map[string]rag.ChunkRecord, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	q := `
SELECT c.chunk_id, c.document_id, c.sequence_index, c.text, c.token_count, c.overlap_tokens,
       c.page_number, c.content_hash, d.name, d.source_uri, d.uploaded_at, d.tags
FROM   chunks c
JOIN   documents d ON d.engagement_id = c.engagement_id AND d.document_id = c.document_id
WHERE  c.engagement_id = ? AND c.chunk_id IN (` + placeholders(len(chunkIDs)) + `)`
	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, engagementID)
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: get chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      rag.ChunkRecord
			page     sql.NullInt64
			uploaded int64
			tags     string
		)
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.SequenceIndex, &rec.Text, &rec.TokenCount,
			&rec.OverlapTokens, &page, &rec.ContentHash, &rec.DocumentName, &rec.SourceURI, &uploaded, &tags); err != nil {
			return nil, fmt.Errorf("store: get chunks scan: %w", err)
		}
		rec.EngagementID = engagementID
		if page.Valid {
			p := int(page.Int64)
			rec.PageNumber = &p
		}
		rec.UploadedAt = time.Unix(uploaded, 0).UTC()
		rec.Tags = decodeTags(tags)
		out[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: get chunks rows: %w", err)
	}
	return out, nil
}

// Chunks returns a document's stored chunks in sequence order.
func (c *Catalog) Chunks(ctx context.Context, engagementID, documentID string) ([]rag.Chunk, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT chunk_id, sequence_index, text, token_count, overlap_tokens, page_number, content_hash
FROM   chunks
WHERE  engagement_id = ? AND document_id = ?
ORDER  BY sequence_index`, engagementID, documentID)
	if err != nil {
		return nil, fmt.Errorf("store: chunks: %w", err)
	}
	defer rows.Close()

	var out []rag.Chunk
	for rows.Next() {
		ch := rag.Chunk{DocumentID: documentID, EngagementID: engagementID}
		var page sql.NullInt64
		if err := rows.Scan(&ch.ID, &ch.SequenceIndex, &ch.Text, &ch.TokenCount, &ch.OverlapTokens, &page, &ch.ContentHash); err != nil {
			return nil, fmt.Errorf("store: chunks scan: %w", err)
		}
		if page.Valid {
			p := int(page.Int64)
			ch.PageNumber = &p
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: chunks rows: %w", err)
	}
	return out, nil
}

// Ping verifies the database is reachable. The server's readiness probe
// calls it.
func (c *Catalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close releases the database connection pool.
func (c *Catalog) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

const documentSelect = `
SELECT d.engagement_id, d.document_id, d.name, d.source_uri, d.uploaded_at, d.tags, d.raw_text,
       d.content_hash, d.index_signature, d.pending_primary, d.updated_at,
       (SELECT COUNT(*) FROM chunks c WHERE c.engagement_id = d.engagement_id AND c.document_id = d.document_id)
FROM   documents d`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*DocumentRecord, error) {
	var (
		rec               DocumentRecord
		uploaded, updated int64
		tags              string
		pending           int
	)
	err := s.Scan(&rec.EngagementID, &rec.ID, &rec.Name, &rec.SourceURI, &uploaded, &tags, &rec.Text,
		&rec.ContentHash, &rec.IndexSignature, &pending, &updated, &rec.ChunkCount)
	if err != nil {
		return nil, err
	}
	rec.UploadedAt = time.Unix(uploaded, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	rec.Tags = decodeTags(tags)
	rec.PendingPrimary = pending != 0
	return &rec, nil
}

func decodeTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil || len(tags) == 0 {
		return nil
	}
	return tags
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
