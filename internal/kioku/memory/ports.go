package memory

import (
	"context"
	"time"
)

// Embedder produces vector embeddings for text. Every vector returned by a
// given Embedder has exactly Dimensions() components.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts in one call. The result is
	// index-aligned with texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed length of every vector this embedder returns.
	Dimensions() int
}

// Filter restricts index operations to one owner and, optionally, one kind.
type Filter struct {
	Owner OwnerKey
	Kind  Kind // empty matches any kind
}

// VectorIndex is the storage port for long-term memory records. Adapters
// exist for SQLite, chromem-go, Qdrant, pgvector and Firestore.
//
// Implementations must apply Filter as an exact match on both halves of the
// owner key. Search scores are cosine similarities, higher is closer.
type VectorIndex interface {
	// Upsert writes the record, replacing any record with the same ID.
	Upsert(ctx context.Context, rec MemoryRecord) error

	// Search returns up to topK records nearest to vector that match filter.
	// Order is not significant; the caller re-sorts.
	Search(ctx context.Context, vector []float32, filter Filter, topK int) ([]RetrievalResult, error)

	// Delete removes the record with the given ID and reports whether it
	// existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Scroll lists up to limit records matching filter, without scoring.
	Scroll(ctx context.Context, filter Filter, limit int) ([]MemoryRecord, error)

	// Close releases the backend's resources.
	Close() error
}

// Summariser condenses a closed session into a single line of text that is
// persisted as a conversation_summary record.
type Summariser interface {
	Summarise(ctx context.Context, exchanges []Exchange) (string, error)
}

// Recorder receives per-operation observations. The observability package
// provides a Prometheus implementation.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	ObservePromotion(outcome string)
	SetActiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) ObservePromotion(string)                        {}
func (nopRecorder) SetActiveSessions(int)                          {}

// NopRecorder discards every observation.
var NopRecorder Recorder = nopRecorder{}
