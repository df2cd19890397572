package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// SQLiteIndex implements VectorIndex on the memory_records table with
// brute-force cosine similarity computed in Go. modernc.org/sqlite cannot
// load vector extensions, and at the scale of one owner's memories
// (hundreds to low thousands of rows) a linear scan is fast enough.
//
// Embeddings and metadata are stored as JSON text.
type SQLiteIndex struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteIndex creates a SQLiteIndex backed by the given database
// connection. The caller must ensure the memory_records table exists (see
// the store package migrations). If logger is nil, the default slog logger
// is used.
func NewSQLiteIndex(db *sql.DB, logger *slog.Logger) *SQLiteIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteIndex{db: db, logger: logger}
}

// createdAtLayout is fixed-width so created_at sorts lexically.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = `id, companion_id, user_id, kind, content, importance, embedding, created_at, metadata`

// Upsert implements VectorIndex.
func (s *SQLiteIndex) Upsert(ctx context.Context, rec MemoryRecord) error {
	embeddingJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("index sqlite: marshal embedding: %w", err)
	}

	var metadataJSON []byte
	if len(rec.Metadata) > 0 {
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("index sqlite: marshal metadata: %w", err)
		}
	}

	// The owner columns are never rewritten: an ID held by another owner
	// matches no row in the update and is reported as a conflict.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_records
			(id, companion_id, user_id, kind, content, importance, embedding, dimensions, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind       = excluded.kind,
			content    = excluded.content,
			importance = excluded.importance,
			embedding  = excluded.embedding,
			dimensions = excluded.dimensions,
			created_at = excluded.created_at,
			metadata   = excluded.metadata
		WHERE memory_records.companion_id = excluded.companion_id
		  AND memory_records.user_id = excluded.user_id`,
		rec.ID,
		rec.Owner.CompanionID,
		rec.Owner.UserID,
		string(rec.Kind),
		rec.Content,
		rec.Importance,
		string(embeddingJSON),
		len(rec.Embedding),
		rec.CreatedAt.UTC().Format(createdAtLayout),
		nullableText(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("index sqlite: upsert record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("index sqlite: upsert %s: %w", rec.ID, ErrOwnerConflict)
	}
	return nil
}

// Search implements VectorIndex.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, filter Filter, topK int) ([]RetrievalResult, error) {
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}

	rows, err := s.queryFiltered(ctx, filter, -1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []RetrievalResult
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn("index sqlite: skip malformed row", "err", err)
			continue
		}
		if len(rec.Embedding) != len(vector) {
			continue
		}
		candidates = append(candidates, RetrievalResult{
			Record: rec,
			Score:  cosineSimilarity(vector, rec.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index sqlite: iterate rows: %w", err)
	}

	SortResults(candidates)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// Delete implements VectorIndex.
func (s *SQLiteIndex) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("index sqlite: delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("index sqlite: rows affected: %w", err)
	}
	return n > 0, nil
}

// Scroll implements VectorIndex. Records come back newest first.
func (s *SQLiteIndex) Scroll(ctx context.Context, filter Filter, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.queryFiltered(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn("index sqlite: skip malformed row", "err", err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index sqlite: iterate rows: %w", err)
	}
	return out, nil
}

// Close is a no-op; the database handle belongs to the store package.
func (s *SQLiteIndex) Close() error { return nil }

// queryFiltered selects the owner's rows, newest first. A negative limit
// means no limit.
func (s *SQLiteIndex) queryFiltered(ctx context.Context, filter Filter, limit int) (*sql.Rows, error) {
	var (
		where = []string{"companion_id = ?", "user_id = ?"}
		args  = []any{filter.Owner.CompanionID, filter.Owner.UserID}
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id ASC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("index sqlite: query records: %w", err)
	}
	return rows, nil
}

// scanRecord reads a single row from the memory_records table.
func scanRecord(rows *sql.Rows) (MemoryRecord, error) {
	var (
		rec           MemoryRecord
		kind          string
		embeddingJSON string
		createdAtStr  string
		metadataJSON  sql.NullString
	)

	err := rows.Scan(
		&rec.ID,
		&rec.Owner.CompanionID,
		&rec.Owner.UserID,
		&kind,
		&rec.Content,
		&rec.Importance,
		&embeddingJSON,
		&createdAtStr,
		&metadataJSON,
	)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("scan row: %w", err)
	}
	rec.Kind = Kind(kind)

	if err := json.Unmarshal([]byte(embeddingJSON), &rec.Embedding); err != nil {
		return MemoryRecord{}, fmt.Errorf("unmarshal embedding: %w", err)
	}

	t, err := time.Parse(createdAtLayout, createdAtStr)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	rec.CreatedAt = t

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return MemoryRecord{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

// cosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 if the lengths differ, either vector is empty, or either has
// zero magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineSimilarity is exported for index adapters that score in Go.
func CosineSimilarity(a, b []float32) float64 { return cosineSimilarity(a, b) }

var _ VectorIndex = (*SQLiteIndex)(nil)
