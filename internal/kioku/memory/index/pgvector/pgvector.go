// Package pgvector implements memory.VectorIndex on PostgreSQL with the
// pgvector extension, using pgx.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/memory/index"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "kioku_memory_records"

// Config holds connection and schema settings.
type Config struct {
	// DatabaseURL is a libpq-style connection string.
	DatabaseURL string

	// Table name. Default: DefaultTable.
	Table string

	// Dimensions fixes the vector column width.
	Dimensions int
}

// Index is a memory.VectorIndex backed by a pgvector table. Similarity is
// computed server-side with the cosine distance operator.
type Index struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// New connects to PostgreSQL and creates the extension, table and owner
// index if they do not exist.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("index pgvector: dimensions must be positive")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("index pgvector: connect: %w", err)
	}
	x := &Index{pool: pool, table: pgx.Identifier{cfg.Table}.Sanitize(), logger: logger}
	if err := x.initSchema(ctx, cfg.Dimensions); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("index pgvector: ready", "table", cfg.Table, "dimensions", cfg.Dimensions)
	return x, nil
}

func (x *Index) initSchema(ctx context.Context, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id           TEXT PRIMARY KEY,
			companion_id TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			kind         TEXT NOT NULL,
			content      TEXT NOT NULL,
			importance   DOUBLE PRECISION NOT NULL,
			embedding    vector(%d) NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			metadata     JSONB
		)`, x.table, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (companion_id, user_id, kind, created_at DESC)`,
			pgx.Identifier{strings.Trim(x.table, `"`) + "_owner_idx"}.Sanitize(), x.table),
	}
	for _, stmt := range stmts {
		if _, err := x.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("index pgvector: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Upsert implements memory.VectorIndex.
func (x *Index) Upsert(ctx context.Context, rec memory.MemoryRecord) error {
	meta, err := index.EncodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("index pgvector: %w", err)
	}
	tag, err := x.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, companion_id, user_id, kind, content, importance, embedding, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8, NULLIF($9, '')::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			kind       = EXCLUDED.kind,
			content    = EXCLUDED.content,
			importance = EXCLUDED.importance,
			embedding  = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at,
			metadata   = EXCLUDED.metadata
		WHERE %[1]s.companion_id = EXCLUDED.companion_id
		  AND %[1]s.user_id = EXCLUDED.user_id`, x.table),
		rec.ID,
		rec.Owner.CompanionID,
		rec.Owner.UserID,
		string(rec.Kind),
		rec.Content,
		rec.Importance,
		vectorLiteral(rec.Embedding),
		rec.CreatedAt.UTC(),
		meta,
	)
	if err != nil {
		return fmt.Errorf("index pgvector: upsert %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("index pgvector: upsert %s: %w", rec.ID, memory.ErrOwnerConflict)
	}
	return nil
}

const selectColumns = `id, companion_id, user_id, kind, content, importance, embedding::text, created_at, COALESCE(metadata::text, '')`

// Search implements memory.VectorIndex.
func (x *Index) Search(ctx context.Context, vector []float32, filter memory.Filter, topK int) ([]memory.RetrievalResult, error) {
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	rows, err := x.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $1::vector) AS score
		FROM %s
		WHERE companion_id = $2 AND user_id = $3 AND ($4 = '' OR kind = $4)
		ORDER BY embedding <=> $1::vector
		LIMIT $5`, selectColumns, x.table),
		vectorLiteral(vector),
		filter.Owner.CompanionID,
		filter.Owner.UserID,
		string(filter.Kind),
		topK,
	)
	if err != nil {
		return nil, fmt.Errorf("index pgvector: search: %w", err)
	}
	defer rows.Close()

	var out []memory.RetrievalResult
	for rows.Next() {
		var score float64
		rec, err := scanRecord(rows, &score)
		if err != nil {
			return nil, fmt.Errorf("index pgvector: %w", err)
		}
		out = append(out, memory.RetrievalResult{Record: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index pgvector: iterate search rows: %w", err)
	}
	return out, nil
}

// Delete implements memory.VectorIndex.
func (x *Index) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	tag, err := x.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, x.table), id)
	if err != nil {
		return false, fmt.Errorf("index pgvector: delete %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Scroll implements memory.VectorIndex.
func (x *Index) Scroll(ctx context.Context, filter memory.Filter, limit int) ([]memory.MemoryRecord, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	rows, err := x.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE companion_id = $1 AND user_id = $2 AND ($3 = '' OR kind = $3)
		ORDER BY created_at DESC, id ASC
		LIMIT $4`, selectColumns, x.table),
		filter.Owner.CompanionID,
		filter.Owner.UserID,
		string(filter.Kind),
		lim,
	)
	if err != nil {
		return nil, fmt.Errorf("index pgvector: scroll: %w", err)
	}
	defer rows.Close()

	var recs []memory.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("index pgvector: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index pgvector: iterate scroll rows: %w", err)
	}
	return recs, nil
}

// Close implements memory.VectorIndex.
func (x *Index) Close() error {
	x.pool.Close()
	return nil
}

// scanRecord reads selectColumns plus any extra trailing destinations.
func scanRecord(rows pgx.Rows, extra ...any) (memory.MemoryRecord, error) {
	var (
		rec       memory.MemoryRecord
		kind      string
		embedding string
		createdAt time.Time
		meta      string
	)
	dest := append([]any{
		&rec.ID,
		&rec.Owner.CompanionID,
		&rec.Owner.UserID,
		&kind,
		&rec.Content,
		&rec.Importance,
		&embedding,
		&createdAt,
		&meta,
	}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return memory.MemoryRecord{}, fmt.Errorf("scan row: %w", err)
	}
	rec.Kind = memory.Kind(kind)
	rec.CreatedAt = createdAt.UTC()

	var err error
	if rec.Embedding, err = parseVector(embedding); err != nil {
		return memory.MemoryRecord{}, err
	}
	if rec.Metadata, err = index.DecodeMetadata(meta); err != nil {
		return memory.MemoryRecord{}, err
	}
	return rec, nil
}

// vectorLiteral renders v in pgvector's text format, e.g. "[1,0.5,-2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v)*8 + 2)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector is the inverse of vectorLiteral.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, errors.New("parse vector: missing brackets")
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

var _ memory.VectorIndex = (*Index)(nil)
