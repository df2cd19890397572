package memory

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/store"
)

// --- Mock implementations for testing ----------------------------------------

// vecEmbedder returns preset vectors for known texts and falls back to a
// hashing embedder for everything else.
type vecEmbedder struct {
	mu       sync.Mutex
	dims     int
	vectors  map[string][]float32
	fallback *HashingEmbedder
	err      error
	calls    []string
}

func newVecEmbedder(dims int) *vecEmbedder {
	return &vecEmbedder{
		dims:     dims,
		vectors:  make(map[string][]float32),
		fallback: NewHashingEmbedder(dims),
	}
}

func (m *vecEmbedder) set(text string, vec ...float32) *vecEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[text] = vec
	return m
}

func (m *vecEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	err := m.err
	vec, ok := m.vectors[text]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ok {
		return vec, nil
	}
	return m.fallback.Embed(ctx, text)
}

func (m *vecEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *vecEmbedder) Dimensions() int { return m.dims }

func (m *vecEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// memIndex is an in-memory VectorIndex with injectable failures.
type memIndex struct {
	mu        sync.Mutex
	records   map[string]MemoryRecord
	upsertErr error
	searchErr error
	// writeThenFail stores the record before returning upsertErr, the way a
	// backend that times out after committing would.
	writeThenFail bool
	// extra is appended to every Search result regardless of filter.
	extra   []RetrievalResult
	deletes []string
}

func newMemIndex() *memIndex {
	return &memIndex{records: make(map[string]MemoryRecord)}
}

func (m *memIndex) Upsert(_ context.Context, rec MemoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		if m.writeThenFail {
			m.records[rec.ID] = rec
		}
		return m.upsertErr
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *memIndex) Search(_ context.Context, vector []float32, filter Filter, topK int) ([]RetrievalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	var out []RetrievalResult
	for _, r := range m.records {
		if r.Owner != filter.Owner || (filter.Kind != "" && r.Kind != filter.Kind) {
			continue
		}
		out = append(out, RetrievalResult{Record: r, Score: cosineSimilarity(vector, r.Embedding)})
	}
	out = append(out, m.extra...)
	SortResults(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *memIndex) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, id)
	if _, ok := m.records[id]; !ok {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *memIndex) Scroll(_ context.Context, filter Filter, limit int) ([]MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MemoryRecord
	for _, r := range m.records {
		if r.Owner == filter.Owner && (filter.Kind == "" || r.Kind == filter.Kind) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memIndex) Close() error { return nil }

func (m *memIndex) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// newSQLiteIndex opens an in-memory database with the production schema.
func newSQLiteIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQLiteIndex(s.DB(), testLogger())
}

// newTestLTM builds a LongTermStore over index with a deterministic clock.
func newTestLTM(t *testing.T, index VectorIndex, emb Embedder) *LongTermStore {
	t.Helper()
	ltm, err := NewLongTermStore(index, emb, LTMConfig{
		Dimensions: emb.Dimensions(),
		Now:        newStepClock().Now,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewLongTermStore: %v", err)
	}
	return ltm
}

var (
	alice = OwnerKey{CompanionID: "pet-1", UserID: "alice"}
	bob   = OwnerKey{CompanionID: "pet-1", UserID: "bob"}
)
