package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTopK is the number of records Query returns when topK <= 0.
	DefaultTopK = 5

	// DefaultListLimit caps ListAll when no limit is given.
	DefaultListLimit = 100

	// maxQueryFetch caps how far Query widens its search window while
	// records tie at the cut. Ties beyond it are resolved in index order.
	maxQueryFetch = 1024

	// defaultCompensateTimeout bounds the cleanup delete issued after a
	// failed upsert.
	defaultCompensateTimeout = 5 * time.Second
)

// LTMConfig holds configuration for the LongTermStore.
type LTMConfig struct {
	// Dimensions is the store-wide embedding length D. Every persisted
	// record has exactly D components. Required.
	Dimensions int

	// DefaultTopK is used by Query when the caller passes topK <= 0.
	// Default: 5.
	DefaultTopK int

	// CompensateTimeout bounds the best-effort delete that follows a failed
	// or cancelled upsert. Default: 5s.
	CompensateTimeout time.Duration

	// Now stamps CreatedAt on new records. Default: time.Now.
	Now func() time.Time
}

// LongTermStore persists and retrieves MemoryRecords through an Embedder and
// a VectorIndex. It holds no per-owner state and is safe for concurrent use.
type LongTermStore struct {
	index    VectorIndex
	embedder Embedder
	cfg      LTMConfig
	logger   *slog.Logger
	recorder Recorder
}

// NewLongTermStore creates a LongTermStore. It fails with
// ErrDimensionMismatch when the embedder's dimension differs from
// cfg.Dimensions. If logger is nil, the default slog logger is used.
func NewLongTermStore(index VectorIndex, embedder Embedder, cfg LTMConfig, logger *slog.Logger) (*LongTermStore, error) {
	if index == nil || embedder == nil {
		return nil, fmt.Errorf("ltm: index and embedder are required")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = embedder.Dimensions()
	}
	if d := embedder.Dimensions(); d != cfg.Dimensions {
		return nil, fmt.Errorf("ltm: embedder produces %d dimensions, store expects %d: %w", d, cfg.Dimensions, ErrDimensionMismatch)
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	if cfg.CompensateTimeout <= 0 {
		cfg.CompensateTimeout = defaultCompensateTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LongTermStore{
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		recorder: NopRecorder,
	}, nil
}

// SetRecorder installs r as the metrics sink. A nil r restores the no-op
// recorder.
func (s *LongTermStore) SetRecorder(r Recorder) {
	if r == nil {
		r = NopRecorder
	}
	s.recorder = r
}

// Dimensions returns the store-wide embedding length.
func (s *LongTermStore) Dimensions() int { return s.cfg.Dimensions }

// Persist embeds rec.Content and writes a new record to the index,
// returning its ID. Owner, Content, Kind and Importance are taken from rec;
// CreatedAt is stamped when zero. IDs are assigned by the store, so a
// non-empty rec.ID is rejected with ErrInvalidRecord. Any Embedding on rec
// is ignored.
//
// Errors wrap ErrInvalidOwner, ErrInvalidRecord, ErrEmbeddingFailure,
// ErrDimensionMismatch or ErrStoreFailure. On failure no record exists for
// the attempt.
func (s *LongTermStore) Persist(ctx context.Context, rec MemoryRecord) (string, error) {
	if rec.ID != "" {
		return "", fmt.Errorf("%w: record IDs are assigned by the store", ErrInvalidRecord)
	}
	rec.ID = uuid.New().String()
	return s.persistAs(ctx, rec)
}

// persistAs writes rec under rec.ID, which the caller minted for this write
// alone. Retries of the same logical write reuse the ID so an ambiguous
// first attempt is overwritten rather than duplicated.
func (s *LongTermStore) persistAs(ctx context.Context, rec MemoryRecord) (id string, err error) {
	start := time.Now()
	defer func() { s.observe("persist", err, start) }()

	if rec.ID == "" {
		return "", fmt.Errorf("%w: missing record ID", ErrInvalidRecord)
	}
	if err := rec.validateInput(); err != nil {
		return "", err
	}

	vec, err := s.embed(ctx, rec.Content)
	if err != nil {
		return "", fmt.Errorf("ltm: persist: %w", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.cfg.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.Embedding = vec

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("ltm: persist: %w", err)
	}

	if err := s.index.Upsert(ctx, rec); err != nil {
		if errors.Is(err, ErrOwnerConflict) {
			return "", fmt.Errorf("ltm: persist: %w: %w", ErrInvalidRecord, err)
		}
		s.compensate(ctx, rec)
		return "", fmt.Errorf("ltm: persist: %w: %w", ErrStoreFailure, err)
	}

	s.logger.Debug("ltm: persisted record",
		"id", rec.ID,
		"owner", rec.Owner.String(),
		"kind", rec.Kind,
		"importance", rec.Importance,
		"content_len", len(rec.Content),
	)
	return rec.ID, nil
}

// Query returns up to topK of the owner's records most similar to text,
// ordered by descending score with ties going to the more recently created
// record. An empty kind matches every kind. topK <= 0 selects the
// configured default.
func (s *LongTermStore) Query(ctx context.Context, owner OwnerKey, text string, topK int, kind Kind) (results []RetrievalResult, err error) {
	start := time.Now()
	defer func() { s.observe("query", err, start) }()

	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, kind)
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ltm: query: %w", err)
	}

	// The index does not break ties, so fetch past the cut and widen the
	// window while its last record still scores equal to the cut.
	fetch := max(topK*2, topK+4)
	for {
		found, err := s.index.Search(ctx, vec, Filter{Owner: owner, Kind: kind}, fetch)
		if err != nil {
			return nil, fmt.Errorf("ltm: query: %w: %w", ErrStoreFailure, err)
		}
		results = s.ownedBy(owner, found)
		SortResults(results)
		if len(found) < fetch || !tiedAtCut(results, topK) {
			break
		}
		if fetch >= maxQueryFetch {
			s.logger.Warn("ltm: tie at query cut exceeds fetch limit", "limit", maxQueryFetch, "top_k", topK)
			break
		}
		fetch = min(fetch*2, maxQueryFetch)
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes the record with the given ID. It returns false, not an
// error, when no such record exists.
func (s *LongTermStore) Delete(ctx context.Context, id string) (deleted bool, err error) {
	start := time.Now()
	defer func() { s.observe("delete", err, start) }()

	if id == "" {
		return false, nil
	}
	deleted, err = s.index.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("ltm: delete %s: %w: %w", id, ErrStoreFailure, err)
	}
	if deleted {
		s.logger.Debug("ltm: deleted record", "id", id)
	}
	return deleted, nil
}

// ListAll returns up to limit of the owner's records. Order is stable for a
// given store state but otherwise unspecified. limit <= 0 selects
// DefaultListLimit.
func (s *LongTermStore) ListAll(ctx context.Context, owner OwnerKey, limit int) (records []MemoryRecord, err error) {
	start := time.Now()
	defer func() { s.observe("list", err, start) }()

	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	found, err := s.index.Scroll(ctx, Filter{Owner: owner}, limit)
	if err != nil {
		return nil, fmt.Errorf("ltm: list: %w: %w", ErrStoreFailure, err)
	}

	records = found[:0]
	for _, r := range found {
		if r.Owner != owner {
			s.logger.Warn("ltm: index returned foreign record", "id", r.ID, "op", "list")
			continue
		}
		records = append(records, r)
	}
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// embed calls the embedder and enforces the dimension invariant.
func (s *LongTermStore) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	if len(vec) != s.cfg.Dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.cfg.Dimensions)
	}
	return vec, nil
}

// compensate removes whatever a failed upsert may have left behind. rec.ID
// was minted for this write, so nothing else can live under it. It runs on
// a context detached from the caller's cancellation.
func (s *LongTermStore) compensate(ctx context.Context, rec MemoryRecord) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensateTimeout)
	defer cancel()

	removed, err := s.index.Delete(cctx, rec.ID)
	switch {
	case err != nil:
		s.logger.Error("ltm: compensating delete failed", "id", rec.ID, "owner", rec.Owner.String(), "err", err)
	case removed:
		s.logger.Warn("ltm: removed partially written record", "id", rec.ID, "owner", rec.Owner.String())
	}
}

// tiedAtCut reports whether the lowest fetched score equals the score of the
// last result kept, so records beyond the window may tie it. results must be
// sorted.
func tiedAtCut(results []RetrievalResult, topK int) bool {
	if len(results) <= topK {
		return false
	}
	return results[len(results)-1].Score == results[topK-1].Score
}

func (s *LongTermStore) ownedBy(owner OwnerKey, found []RetrievalResult) []RetrievalResult {
	out := make([]RetrievalResult, 0, len(found))
	for _, r := range found {
		if r.Record.Owner != owner {
			s.logger.Warn("ltm: index returned foreign record", "id", r.Record.ID, "op", "query")
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *LongTermStore) observe(op string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.recorder.ObserveOperation(op, outcome, time.Since(start))
}

// SortResults orders results by descending score, then by descending
// CreatedAt, then by ID so the order is total.
func SortResults(results []RetrievalResult) {
	slices.SortFunc(results, func(a, b RetrievalResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := b.Record.CreatedAt.Compare(a.Record.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.ID, b.Record.ID)
	})
}
