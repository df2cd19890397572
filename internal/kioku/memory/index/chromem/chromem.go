// Package chromem implements memory.VectorIndex on chromem-go, an embedded
// vector database that keeps every collection in memory and can optionally
// persist it to a directory.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/memory/index"
)

// DefaultCollection is the collection name used when Config.Collection is
// empty.
const DefaultCollection = "kioku_memories"

// Config holds configuration for the chromem index.
type Config struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Collection name. Default: DefaultCollection.
	Collection string

	// Dimensions of stored embeddings. Required for Scroll.
	Dimensions int
}

// Index is a memory.VectorIndex backed by a single chromem collection.
// Records carry their owner and kind as document metadata, and every read
// applies them as an exact-match where filter.
type Index struct {
	db     *chromemgo.DB
	col    *chromemgo.Collection
	dims   int
	logger *slog.Logger

	// deleteMu pairs the existence check in Delete with the delete itself;
	// chromem reports no delete count.
	deleteMu sync.Mutex
}

// New opens (or creates) the chromem collection described by cfg.
func New(cfg Config, logger *slog.Logger) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("index chromem: dimensions must be positive")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if logger == nil {
		logger = slog.Default()
	}

	db := chromemgo.NewDB()
	if cfg.Path != "" {
		var err error
		db, err = chromemgo.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("index chromem: open %s: %w", cfg.Path, err)
		}
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("index chromem: collection %s: %w", cfg.Collection, err)
	}

	logger.Info("index chromem: ready",
		"collection", cfg.Collection,
		"persistent", cfg.Path != "",
		"documents", col.Count(),
	)
	return &Index{db: db, col: col, dims: cfg.Dimensions, logger: logger}, nil
}

// refuseEmbedding is installed as the collection's embedding function.
// Vectors always come from the LongTermStore's embedder.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("index chromem: documents must carry an embedding")
}

// Upsert implements memory.VectorIndex. chromem replaces documents with
// the same ID.
func (x *Index) Upsert(ctx context.Context, rec memory.MemoryRecord) error {
	if zeroNorm(rec.Embedding) {
		return fmt.Errorf("index chromem: record %s has a zero-magnitude embedding", rec.ID)
	}
	fields, err := index.StringFields(rec)
	if err != nil {
		return fmt.Errorf("index chromem: %w", err)
	}
	err = x.col.AddDocument(ctx, chromemgo.Document{
		ID:        rec.ID,
		Metadata:  fields,
		Embedding: rec.Embedding,
		Content:   rec.Content,
	})
	if err != nil {
		return fmt.Errorf("index chromem: add document: %w", err)
	}
	return nil
}

// Search implements memory.VectorIndex.
func (x *Index) Search(ctx context.Context, vector []float32, filter memory.Filter, topK int) ([]memory.RetrievalResult, error) {
	// A zero query normalises to NaN inside chromem.
	if topK <= 0 || zeroNorm(vector) {
		return nil, nil
	}
	res, err := x.query(ctx, vector, filter, topK)
	if err != nil {
		return nil, err
	}

	out := make([]memory.RetrievalResult, 0, len(res))
	for _, r := range res {
		rec, err := index.FromStringFields(r.ID, r.Content, r.Metadata, r.Embedding)
		if err != nil {
			x.logger.Warn("index chromem: skipping undecodable document", "id", r.ID, "err", err)
			continue
		}
		out = append(out, memory.RetrievalResult{Record: rec, Score: float64(r.Similarity)})
	}
	return out, nil
}

// Delete implements memory.VectorIndex.
func (x *Index) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	x.deleteMu.Lock()
	defer x.deleteMu.Unlock()
	// GetByID only fails for unknown IDs.
	if _, err := x.col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := x.col.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("index chromem: delete %s: %w", id, err)
	}
	return true, nil
}

// Scroll implements memory.VectorIndex. chromem has no listing call, so
// Scroll runs a filtered query with a probe vector over the whole
// collection and re-orders by recency.
func (x *Index) Scroll(ctx context.Context, filter memory.Filter, limit int) ([]memory.MemoryRecord, error) {
	probe := make([]float32, x.dims)
	probe[0] = 1

	res, err := x.query(ctx, probe, filter, x.col.Count())
	if err != nil {
		return nil, err
	}

	recs := make([]memory.MemoryRecord, 0, len(res))
	for _, r := range res {
		rec, err := index.FromStringFields(r.ID, r.Content, r.Metadata, r.Embedding)
		if err != nil {
			x.logger.Warn("index chromem: skipping undecodable document", "id", r.ID, "err", err)
			continue
		}
		recs = append(recs, rec)
	}
	index.SortNewestFirst(recs)
	return index.Cut(recs, limit), nil
}

// Close implements memory.VectorIndex. Persistent collections are written
// on every add, so there is nothing to flush.
func (x *Index) Close() error { return nil }

// query clamps n to the collection size, which chromem requires.
func (x *Index) query(ctx context.Context, vector []float32, filter memory.Filter, n int) ([]chromemgo.Result, error) {
	if total := x.col.Count(); n > total {
		n = total
	}
	if n <= 0 {
		return nil, nil
	}
	res, err := x.col.QueryEmbedding(ctx, vector, n, index.FilterFields(filter), nil)
	if err != nil {
		return nil, fmt.Errorf("index chromem: query: %w", err)
	}
	return res, nil
}

func zeroNorm(v []float32) bool {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return len(v) == 0 || sum == 0 || math.IsNaN(sum)
}

var _ memory.VectorIndex = (*Index)(nil)
