package memory

import "errors"

var (
	// ErrEmbeddingFailure wraps any error returned by the Embedder.
	ErrEmbeddingFailure = errors.New("memory: embedding failed")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the store's configured dimension. Nothing is written.
	ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")

	// ErrStoreFailure wraps any error returned by the VectorIndex.
	ErrStoreFailure = errors.New("memory: vector index failure")

	// ErrInvalidOwner is returned when an OwnerKey has a blank half.
	ErrInvalidOwner = errors.New("memory: invalid owner key")

	// ErrInvalidRecord is returned for an unknown kind, an importance outside
	// [0,1], or empty content.
	ErrInvalidRecord = errors.New("memory: invalid record")

	// ErrOwnerConflict is returned by an index when an upsert targets an ID
	// held by a different owner. The stored record is left unchanged.
	ErrOwnerConflict = errors.New("memory: record id belongs to another owner")
)
