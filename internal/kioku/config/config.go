// Package config loads the service configuration from KIOKU_* environment
// variables and the optional importance-policy file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/bdobrica/kioku/common/environment"
	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// Index backends.
const (
	BackendSQLite    = "sqlite"
	BackendChromem   = "chromem"
	BackendQdrant    = "qdrant"
	BackendPgvector  = "pgvector"
	BackendFirestore = "firestore"
)

// Embedder providers.
const (
	EmbedderHashing = "hashing"
	EmbedderOpenAI  = "openai"
	EmbedderGemini  = "gemini"
)

// Summariser providers.
const (
	SummariserExcerpt   = "excerpt"
	SummariserAnthropic = "anthropic"
)

// Config is the complete service configuration.
type Config struct {
	DatabasePath     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	MetricsNamespace string

	STMCapacity  int
	LTMTopK      int
	EmbeddingDim int

	Policy     memory.KeywordPolicy
	PolicyFile string

	SummaryMinExchanges int
	SummaryImportance   float64
	PersistTimeout      time.Duration
	SessionIdleTimeout  time.Duration
	JanitorInterval     time.Duration

	Index      IndexConfig
	Embedder   EmbedderConfig
	Summariser SummariserConfig
}

// IndexConfig selects and configures the vector index backend.
type IndexConfig struct {
	Backend string

	ChromemPath     string
	ChromemCompress bool

	QdrantHost       string
	QdrantPort       int
	QdrantAPIKey     string
	QdrantTLS        bool
	QdrantCollection string

	PostgresURL   string
	PostgresTable string

	FirestoreProject     string
	FirestoreDatabase    string
	FirestoreCredentials string
	FirestoreCollection  string
}

// EmbedderConfig selects and configures the embedding provider.
type EmbedderConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	// GeminiProject and GeminiLocation select Vertex AI when APIKey is empty.
	GeminiProject  string
	GeminiLocation string

	Cache     bool
	CacheSize int
}

// SummariserConfig selects the session summariser.
type SummariserConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// Load reads the configuration from the environment, applies the policy
// file when KIOKU_POLICY_FILE is set, and validates the result.
func Load() (*Config, error) {
	env := environment.NewReader("KIOKU_")
	cfg := &Config{
		DatabasePath:     env.String("DATABASE_PATH", "./kioku.db"),
		HTTPAddr:         env.String("HTTP_ADDR", ":8080"),
		LogLevel:         env.String("LOG_LEVEL", "info"),
		LogFormat:        env.String("LOG_FORMAT", "console"),
		MetricsNamespace: env.String("METRICS_NAMESPACE", "kioku"),

		STMCapacity:  env.Int("STM_CAPACITY", memory.DefaultBufferCapacity),
		LTMTopK:      env.Int("LTM_TOP_K", memory.DefaultTopK),
		EmbeddingDim: env.Int("EMBEDDING_DIM", memory.DefaultHashingDimensions),

		Policy: memory.KeywordPolicy{
			MinLength:  env.Int("IMPORTANCE_MIN_LENGTH", memory.DefaultMinLength),
			Triggers:   env.StringSlice("IMPORTANCE_TRIGGERS", memory.DefaultTriggers()),
			Importance: env.Float("CONVERSATION_IMPORTANCE", memory.DefaultConversationImportance),
		},
		PolicyFile: env.String("POLICY_FILE", ""),

		SummaryMinExchanges: env.Int("SUMMARY_MIN_EXCHANGES", memory.DefaultSummaryMinExchanges),
		SummaryImportance:   env.Float("SUMMARY_IMPORTANCE", memory.DefaultSummaryImportance),
		PersistTimeout:      env.Duration("PERSIST_TIMEOUT", memory.DefaultPersistTimeout),
		SessionIdleTimeout:  env.Duration("SESSION_IDLE_TIMEOUT", memory.DefaultIdleTimeout),
		JanitorInterval:     env.Duration("JANITOR_INTERVAL", memory.DefaultJanitorInterval),

		Index: IndexConfig{
			Backend:              env.String("INDEX_BACKEND", BackendSQLite),
			ChromemPath:          env.String("CHROMEM_PATH", ""),
			ChromemCompress:      env.Bool("CHROMEM_COMPRESS", false),
			QdrantHost:           env.String("QDRANT_HOST", ""),
			QdrantPort:           env.Int("QDRANT_PORT", 6334),
			QdrantAPIKey:         env.String("QDRANT_API_KEY", ""),
			QdrantTLS:            env.Bool("QDRANT_TLS", false),
			QdrantCollection:     env.String("QDRANT_COLLECTION", ""),
			PostgresURL:          env.String("POSTGRES_URL", ""),
			PostgresTable:        env.String("POSTGRES_TABLE", ""),
			FirestoreProject:     env.String("FIRESTORE_PROJECT", ""),
			FirestoreDatabase:    env.String("FIRESTORE_DATABASE", ""),
			FirestoreCredentials: env.String("FIRESTORE_CREDENTIALS", ""),
			FirestoreCollection:  env.String("FIRESTORE_COLLECTION", ""),
		},
		Embedder: EmbedderConfig{
			Provider:       env.String("EMBEDDER", EmbedderHashing),
			APIKey:         env.String("EMBEDDER_API_KEY", ""),
			BaseURL:        env.String("EMBEDDER_BASE_URL", ""),
			Model:          env.String("EMBEDDER_MODEL", ""),
			GeminiProject:  env.String("GEMINI_PROJECT", ""),
			GeminiLocation: env.String("GEMINI_LOCATION", "us-central1"),
			Cache:          env.Bool("EMBED_CACHE", true),
			CacheSize:      env.Int("EMBED_CACHE_SIZE", 10_000),
		},
		Summariser: SummariserConfig{
			Provider: env.String("SUMMARISER", SummariserExcerpt),
			APIKey:   env.String("SUMMARISER_API_KEY", ""),
			BaseURL:  env.String("SUMMARISER_BASE_URL", ""),
			Model:    env.String("SUMMARISER_MODEL", ""),
		},
	}

	if err := env.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.PolicyFile != "" {
		p, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.STMCapacity > 0, "KIOKU_STM_CAPACITY must be positive, got %d", c.STMCapacity)
	check(c.LTMTopK > 0, "KIOKU_LTM_TOP_K must be positive, got %d", c.LTMTopK)
	check(c.EmbeddingDim > 0, "KIOKU_EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	check(c.Policy.MinLength >= 0, "importance min length must not be negative, got %d", c.Policy.MinLength)
	check(inUnit(c.Policy.Importance), "conversation importance must be in [0,1], got %v", c.Policy.Importance)
	check(inUnit(c.SummaryImportance), "KIOKU_SUMMARY_IMPORTANCE must be in [0,1], got %v", c.SummaryImportance)
	check(c.SummaryMinExchanges >= 0, "KIOKU_SUMMARY_MIN_EXCHANGES must not be negative, got %d", c.SummaryMinExchanges)
	check(c.PersistTimeout > 0, "KIOKU_PERSIST_TIMEOUT must be positive")
	check(c.SessionIdleTimeout > 0, "KIOKU_SESSION_IDLE_TIMEOUT must be positive")
	check(c.JanitorInterval > 0, "KIOKU_JANITOR_INTERVAL must be positive")
	check(slices.Contains([]string{"console", "json", "text"}, c.LogFormat),
		"KIOKU_LOG_FORMAT must be console, json or text, got %q", c.LogFormat)

	switch c.Index.Backend {
	case BackendSQLite, BackendChromem:
	case BackendQdrant:
		check(c.Index.QdrantHost != "", "KIOKU_QDRANT_HOST is required for the qdrant backend")
	case BackendPgvector:
		check(c.Index.PostgresURL != "", "KIOKU_POSTGRES_URL is required for the pgvector backend")
	case BackendFirestore:
		check(c.Index.FirestoreProject != "", "KIOKU_FIRESTORE_PROJECT is required for the firestore backend")
	default:
		check(false, "unknown KIOKU_INDEX_BACKEND %q", c.Index.Backend)
	}

	switch c.Embedder.Provider {
	case EmbedderHashing:
	case EmbedderOpenAI:
		check(c.Embedder.APIKey != "", "KIOKU_EMBEDDER_API_KEY is required for the openai embedder")
	case EmbedderGemini:
		check(c.Embedder.APIKey != "" || c.Embedder.GeminiProject != "",
			"KIOKU_EMBEDDER_API_KEY or KIOKU_GEMINI_PROJECT is required for the gemini embedder")
	default:
		check(false, "unknown KIOKU_EMBEDDER %q", c.Embedder.Provider)
	}

	switch c.Summariser.Provider {
	case SummariserExcerpt:
	case SummariserAnthropic:
		check(c.Summariser.APIKey != "", "KIOKU_SUMMARISER_API_KEY is required for the anthropic summariser")
	default:
		check(false, "unknown KIOKU_SUMMARISER %q", c.Summariser.Provider)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LogValue implements slog.LogValuer. Secrets are redacted.
func (c *Config) LogValue() slog.Value {
	fields := redact.Map(map[string]any{
		"database_path":         c.DatabasePath,
		"http_addr":             c.HTTPAddr,
		"stm_capacity":          c.STMCapacity,
		"ltm_top_k":             c.LTMTopK,
		"embedding_dim":         c.EmbeddingDim,
		"policy_file":           c.PolicyFile,
		"session_idle_timeout":  c.SessionIdleTimeout.String(),
		"index_backend":         c.Index.Backend,
		"qdrant_host":           c.Index.QdrantHost,
		"qdrant_api_key":        c.Index.QdrantAPIKey,
		"postgres_url":          redact.URL(c.Index.PostgresURL),
		"firestore_project":     c.Index.FirestoreProject,
		"firestore_credentials": c.Index.FirestoreCredentials,
		"embedder":              c.Embedder.Provider,
		"embedder_api_key":      c.Embedder.APIKey,
		"embedder_model":        c.Embedder.Model,
		"embed_cache":           c.Embedder.Cache,
		"summariser":            c.Summariser.Provider,
		"summariser_api_key":    c.Summariser.APIKey,
	})

	attrs := make([]slog.Attr, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return slog.GroupValue(attrs...)
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }
