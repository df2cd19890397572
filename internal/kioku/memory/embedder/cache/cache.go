// Package cache wraps a memory.Embedder with an in-process ristretto cache
// keyed by input text. Concurrent requests for the same uncached text share
// one upstream call.
package cache

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

const (
	// DefaultMaxEntries bounds the cache when Config.MaxEntries is zero.
	DefaultMaxEntries = 10_000

	// DefaultCallTimeout bounds a shared upstream call when
	// Config.CallTimeout is zero.
	DefaultCallTimeout = 30 * time.Second
)

// Config holds cache sizing.
type Config struct {
	// MaxEntries is the approximate number of embeddings kept.
	MaxEntries int64

	// CallTimeout bounds an upstream Embed shared by concurrent callers.
	// The shared call does not inherit any one caller's cancellation.
	CallTimeout time.Duration
}

// Embedder is a caching memory.Embedder.
type Embedder struct {
	inner   memory.Embedder
	cache   *ristretto.Cache
	group   singleflight.Group
	timeout time.Duration
}

// New wraps inner with a cache sized by cfg.
func New(inner memory.Embedder, cfg Config) (*Embedder, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,

		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder cache: %w", err)
	}
	return &Embedder{inner: inner, cache: c, timeout: cfg.CallTimeout}, nil
}

// Embed implements memory.Embedder. A caller whose ctx ends stops waiting
// without cancelling the upstream call other callers share.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.lookup(text); ok {
		return v, nil
	}
	ch := e.group.DoChan(text, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		v, err := e.inner.Embed(callCtx, text)
		if err != nil {
			return nil, err
		}
		e.cache.Set(text, v, 1)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]float32)), nil
	}
}

// EmbedBatch implements memory.Embedder. Only cache misses are sent
// upstream, in a single batch.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		slots   []int
	)
	for i, t := range texts {
		if v, ok := e.lookup(t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		slots = append(slots, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := e.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder cache: got %d embeddings for %d inputs", len(vecs), len(missing))
	}
	for j, v := range vecs {
		e.cache.Set(missing[j], v, 1)
		out[slots[j]] = slices.Clone(v)
	}
	return out, nil
}

// Dimensions implements memory.Embedder.
func (e *Embedder) Dimensions() int { return e.inner.Dimensions() }

// Close stops the cache's background goroutines.
func (e *Embedder) Close() { e.cache.Close() }

func (e *Embedder) lookup(text string) ([]float32, bool) {
	v, ok := e.cache.Get(text)
	if !ok {
		return nil, false
	}
	return slices.Clone(v.([]float32)), true
}

var _ memory.Embedder = (*Embedder)(nil)
