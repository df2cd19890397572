// Package firestore implements memory.VectorIndex on Cloud Firestore using
// native vector fields and FindNearest queries.
//
// Owner-filtered nearest-neighbour queries need a composite vector index on
// (CompanionID, UserID, Embedding) and, for kind-filtered queries,
// (CompanionID, UserID, Kind, Embedding).
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/memory/index"
)

const (
	// DefaultCollection is used when Config.Collection is empty.
	DefaultCollection = "kioku_memories"

	// maxNearest is Firestore's upper bound on FindNearest limits.
	maxNearest = 1000

	distanceField = "Distance"
)

// Config holds client and collection settings.
type Config struct {
	ProjectID       string
	DatabaseID      string // empty selects the default database
	CredentialsFile string
	Collection      string
}

// memoryDoc is the Firestore document representation of memory.MemoryRecord.
type memoryDoc struct {
	ID          string             `firestore:"ID"`
	CompanionID string             `firestore:"CompanionID"`
	UserID      string             `firestore:"UserID"`
	Kind        string             `firestore:"Kind"`
	Content     string             `firestore:"Content"`
	Importance  float64            `firestore:"Importance"`
	Embedding   firestore.Vector32 `firestore:"Embedding"`
	CreatedAt   time.Time          `firestore:"CreatedAt"`
	Metadata    string             `firestore:"Metadata,omitempty"`
	Distance    float64            `firestore:"Distance,omitempty"`
}

func toDoc(rec memory.MemoryRecord) (*memoryDoc, error) {
	meta, err := index.EncodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	return &memoryDoc{
		ID:          rec.ID,
		CompanionID: rec.Owner.CompanionID,
		UserID:      rec.Owner.UserID,
		Kind:        string(rec.Kind),
		Content:     rec.Content,
		Importance:  rec.Importance,
		Embedding:   firestore.Vector32(rec.Embedding),
		CreatedAt:   rec.CreatedAt.UTC(),
		Metadata:    meta,
	}, nil
}

func fromDoc(d *memoryDoc) (memory.MemoryRecord, error) {
	meta, err := index.DecodeMetadata(d.Metadata)
	if err != nil {
		return memory.MemoryRecord{}, err
	}
	return memory.MemoryRecord{
		ID:         d.ID,
		Owner:      memory.OwnerKey{CompanionID: d.CompanionID, UserID: d.UserID},
		Content:    d.Content,
		Kind:       memory.Kind(d.Kind),
		Importance: d.Importance,
		Embedding:  []float32(d.Embedding),
		CreatedAt:  d.CreatedAt.UTC(),
		Metadata:   meta,
	}, nil
}

// Index is a memory.VectorIndex backed by a Firestore collection.
type Index struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

// New creates a Firestore client for cfg.ProjectID. When
// FIRESTORE_EMULATOR_HOST is set the client talks to the emulator.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Index, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("index firestore: project ID is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var (
		client *firestore.Client
		err    error
	)
	if cfg.DatabaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID, opts...)
	} else {
		client, err = firestore.NewClient(ctx, cfg.ProjectID, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("index firestore: create client: %w", err)
	}
	logger.Info("index firestore: ready", "project", cfg.ProjectID, "collection", cfg.Collection)
	return &Index{client: client, collection: cfg.Collection, logger: logger}, nil
}

func (x *Index) doc(id string) *firestore.DocumentRef {
	// Document IDs may not contain '/'.
	return x.client.Collection(x.collection).Doc(url.PathEscape(id))
}

func (x *Index) ownerQuery(filter memory.Filter) firestore.Query {
	q := x.client.Collection(x.collection).
		Where("CompanionID", "==", filter.Owner.CompanionID).
		Where("UserID", "==", filter.Owner.UserID)
	if filter.Kind != "" {
		q = q.Where("Kind", "==", string(filter.Kind))
	}
	return q
}

// Upsert implements memory.VectorIndex.
func (x *Index) Upsert(ctx context.Context, rec memory.MemoryRecord) error {
	d, err := toDoc(rec)
	if err != nil {
		return fmt.Errorf("index firestore: %w", err)
	}
	if _, err := x.doc(rec.ID).Set(ctx, d); err != nil {
		return fmt.Errorf("index firestore: set %s: %w", rec.ID, err)
	}
	return nil
}

// Search implements memory.VectorIndex. Firestore reports cosine distance,
// which is converted to similarity as 1 - distance.
func (x *Index) Search(ctx context.Context, vector []float32, filter memory.Filter, topK int) ([]memory.RetrievalResult, error) {
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	topK = min(topK, maxNearest)

	vq := x.ownerQuery(filter).FindNearest("Embedding", firestore.Vector32(vector), topK,
		firestore.DistanceMeasureCosine, &firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	out := make([]memory.RetrievalResult, 0, topK)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("index firestore: iterate vector search results: %w", err)
		}
		var d memoryDoc
		if err := snap.DataTo(&d); err != nil {
			x.logger.Warn("index firestore: skipping undecodable document", "doc", snap.Ref.ID, "err", err)
			continue
		}
		rec, err := fromDoc(&d)
		if err != nil {
			x.logger.Warn("index firestore: skipping undecodable document", "doc", snap.Ref.ID, "err", err)
			continue
		}
		out = append(out, memory.RetrievalResult{Record: rec, Score: 1 - d.Distance})
	}
	return out, nil
}

// Delete implements memory.VectorIndex.
func (x *Index) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	// The Exists precondition makes a missing document fail the delete, so
	// concurrent deletes of one ID report true exactly once.
	if _, err := x.doc(id).Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("index firestore: delete %s: %w", id, err)
	}
	return true, nil
}

// Scroll implements memory.VectorIndex.
func (x *Index) Scroll(ctx context.Context, filter memory.Filter, limit int) ([]memory.MemoryRecord, error) {
	q := x.ownerQuery(filter).
		OrderBy("CreatedAt", firestore.Desc).
		OrderBy("ID", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var recs []memory.MemoryRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("index firestore: iterate records: %w", err)
		}
		var d memoryDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("index firestore: unmarshal %s: %w", snap.Ref.ID, err)
		}
		rec, err := fromDoc(&d)
		if err != nil {
			return nil, fmt.Errorf("index firestore: decode %s: %w", snap.Ref.ID, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Close implements memory.VectorIndex.
func (x *Index) Close() error { return x.client.Close() }

var _ memory.VectorIndex = (*Index)(nil)
