package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	embedcache "github.com/bdobrica/kioku/internal/kioku/memory/embedder/cache"
	"github.com/bdobrica/kioku/internal/kioku/memory/embedder/gemini"
	"github.com/bdobrica/kioku/internal/kioku/memory/index/chromem"
	"github.com/bdobrica/kioku/internal/kioku/memory/index/firestore"
	"github.com/bdobrica/kioku/internal/kioku/memory/index/pgvector"
	"github.com/bdobrica/kioku/internal/kioku/memory/index/qdrant"
	"github.com/bdobrica/kioku/internal/kioku/memory/summariser/anthropic"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// openIndex opens the vector index selected by cfg.Index.Backend. The
// SQLite store is only opened for the sqlite backend and is returned so the
// caller can close it and report its schema version.
func openIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) (memory.VectorIndex, *store.Store, error) {
	ic := cfg.Index
	switch ic.Backend {
	case config.BackendSQLite:
		db, err := store.New(cfg.DatabasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return memory.NewSQLiteIndex(db.DB(), logger), db, nil

	case config.BackendChromem:
		x, err := chromem.New(chromem.Config{
			Path:       ic.ChromemPath,
			Compress:   ic.ChromemCompress,
			Dimensions: cfg.EmbeddingDim,
		}, logger)
		return remoteIndex(x, err)

	case config.BackendQdrant:
		x, err := qdrant.New(ctx, qdrant.Config{
			Host:       ic.QdrantHost,
			Port:       ic.QdrantPort,
			APIKey:     ic.QdrantAPIKey,
			UseTLS:     ic.QdrantTLS,
			Collection: ic.QdrantCollection,
			Dimensions: cfg.EmbeddingDim,
		}, logger)
		return remoteIndex(x, err)

	case config.BackendPgvector:
		x, err := pgvector.New(ctx, pgvector.Config{
			DatabaseURL: ic.PostgresURL,
			Table:       ic.PostgresTable,
			Dimensions:  cfg.EmbeddingDim,
		}, logger)
		return remoteIndex(x, err)

	case config.BackendFirestore:
		x, err := firestore.New(ctx, firestore.Config{
			ProjectID:       ic.FirestoreProject,
			DatabaseID:      ic.FirestoreDatabase,
			CredentialsFile: ic.FirestoreCredentials,
			Collection:      ic.FirestoreCollection,
		}, logger)
		return remoteIndex(x, err)
	}
	return nil, nil, fmt.Errorf("unknown index backend %q", ic.Backend)
}

// remoteIndex avoids returning a typed nil index alongside an error.
func remoteIndex[T memory.VectorIndex](x T, err error) (memory.VectorIndex, *store.Store, error) {
	if err != nil {
		return nil, nil, err
	}
	return x, nil, nil
}

// openEmbedder builds the embedder selected by cfg.Embedder.Provider,
// wrapped in the text cache when enabled. The returned close func releases
// the cache and is never nil.
func openEmbedder(ctx context.Context, cfg *config.Config) (memory.Embedder, func(), error) {
	ec := cfg.Embedder

	var (
		emb memory.Embedder
		err error
	)
	switch ec.Provider {
	case config.EmbedderHashing:
		emb = memory.NewHashingEmbedder(cfg.EmbeddingDim)
	case config.EmbedderOpenAI:
		emb = memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
			APIKey:     ec.APIKey,
			BaseURL:    ec.BaseURL,
			Model:      ec.Model,
			Dimensions: cfg.EmbeddingDim,
		})
	case config.EmbedderGemini:
		emb, err = gemini.New(ctx, gemini.Config{
			APIKey:     ec.APIKey,
			Project:    ec.GeminiProject,
			Location:   ec.GeminiLocation,
			Model:      ec.Model,
			Dimensions: cfg.EmbeddingDim,
		})
	default:
		err = fmt.Errorf("unknown embedder %q", ec.Provider)
	}
	if err != nil {
		return nil, nil, err
	}

	// Hashing is cheaper than a cache lookup.
	if !ec.Cache || ec.Provider == config.EmbedderHashing {
		return emb, func() {}, nil
	}
	cached, err := embedcache.New(emb, embedcache.Config{MaxEntries: int64(ec.CacheSize)})
	if err != nil {
		return nil, nil, err
	}
	return cached, cached.Close, nil
}

// newSummariser returns nil for the excerpt summariser, which Sessions
// selects by default.
func newSummariser(cfg *config.Config, logger *slog.Logger) memory.Summariser {
	if cfg.Summariser.Provider != config.SummariserAnthropic {
		return nil
	}
	return anthropic.New(anthropic.Config{
		APIKey:  cfg.Summariser.APIKey,
		BaseURL: cfg.Summariser.BaseURL,
		Model:   cfg.Summariser.Model,
	}, logger)
}
