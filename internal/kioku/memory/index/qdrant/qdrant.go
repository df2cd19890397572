// Package qdrant implements memory.VectorIndex on a Qdrant collection over
// gRPC.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	qc "github.com/qdrant/go-client/qdrant"

	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/memory/index"
)

const (
	// DefaultCollection is used when Config.Collection is empty.
	DefaultCollection = "kioku_memories"

	// DefaultPort is Qdrant's gRPC port.
	DefaultPort = 6334

	scrollPage = 256
)

// pointNamespace derives point UUIDs for record IDs that are not UUIDs.
var pointNamespace = uuid.MustParse("6f1c1f5e-4a8e-4d3f-9a51-0f5f3b7c2d10")

// Config holds connection and collection settings.
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

// Index is a memory.VectorIndex backed by Qdrant. Records carry their owner
// and kind as keyword payload fields, which are indexed at collection
// creation and applied as must-match conditions on every read.
type Index struct {
	client     *qc.Client
	collection string
	logger     *slog.Logger

	// deleteMu pairs the existence check in Delete with the delete itself
	// within this process. Qdrant returns no delete count, so two processes
	// deleting the same point can both report true.
	deleteMu sync.Mutex
}

// New connects to Qdrant and ensures the collection exists with cosine
// distance and cfg.Dimensions-sized vectors.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Index, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("index qdrant: dimensions must be positive")
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qc.NewClient(&qc.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index qdrant: connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	x := &Index{client: client, collection: cfg.Collection, logger: logger}
	if err := x.ensureCollection(ctx, cfg.Dimensions); err != nil {
		_ = client.Close()
		return nil, err
	}
	return x, nil
}

func (x *Index) ensureCollection(ctx context.Context, dims int) error {
	exists, err := x.client.CollectionExists(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("index qdrant: check collection %s: %w", x.collection, err)
	}
	if exists {
		return nil
	}

	err = x.client.CreateCollection(ctx, &qc.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qc.NewVectorsConfig(&qc.VectorParams{
			Size:     uint64(dims),
			Distance: qc.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("index qdrant: create collection %s: %w", x.collection, err)
	}

	for _, field := range []string{index.FieldCompanionID, index.FieldUserID, index.FieldKind} {
		_, err := x.client.CreateFieldIndex(ctx, &qc.CreateFieldIndexCollection{
			CollectionName: x.collection,
			Wait:           qc.PtrOf(true),
			FieldName:      field,
			FieldType:      qc.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("index qdrant: index field %s: %w", field, err)
		}
	}
	x.logger.Info("index qdrant: collection created", "collection", x.collection, "dimensions", dims)
	return nil
}

// Upsert implements memory.VectorIndex.
func (x *Index) Upsert(ctx context.Context, rec memory.MemoryRecord) error {
	payload, err := toPayload(rec)
	if err != nil {
		return fmt.Errorf("index qdrant: %w", err)
	}
	_, err = x.client.Upsert(ctx, &qc.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qc.PtrOf(true),
		Points: []*qc.PointStruct{{
			Id:      pointID(rec.ID),
			Vectors: qc.NewVectorsDense(rec.Embedding),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("index qdrant: upsert %s: %w", rec.ID, err)
	}
	return nil
}

// Search implements memory.VectorIndex.
func (x *Index) Search(ctx context.Context, vector []float32, filter memory.Filter, topK int) ([]memory.RetrievalResult, error) {
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	points, err := x.client.Query(ctx, &qc.QueryPoints{
		CollectionName: x.collection,
		Query:          qc.NewQuery(vector...),
		Filter:         toFilter(filter),
		Limit:          qc.PtrOf(uint64(topK)),
		WithPayload:    qc.NewWithPayload(true),
		WithVectors:    qc.NewWithVectors(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index qdrant: query: %w", err)
	}

	out := make([]memory.RetrievalResult, 0, len(points))
	for _, p := range points {
		rec, err := fromPayload(p.GetPayload(), denseVector(p.GetVectors()))
		if err != nil {
			x.logger.Warn("index qdrant: skipping undecodable point", "point", p.GetId().GetUuid(), "err", err)
			continue
		}
		out = append(out, memory.RetrievalResult{Record: rec, Score: float64(p.GetScore())})
	}
	return out, nil
}

// Delete implements memory.VectorIndex.
func (x *Index) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	pid := pointID(id)
	x.deleteMu.Lock()
	defer x.deleteMu.Unlock()
	found, err := x.client.Get(ctx, &qc.GetPoints{
		CollectionName: x.collection,
		Ids:            []*qc.PointId{pid},
		WithPayload:    qc.NewWithPayload(false),
	})
	if err != nil {
		return false, fmt.Errorf("index qdrant: get %s: %w", id, err)
	}
	if len(found) == 0 {
		return false, nil
	}
	_, err = x.client.Delete(ctx, &qc.DeletePoints{
		CollectionName: x.collection,
		Wait:           qc.PtrOf(true),
		Points:         qc.NewPointsSelector(pid),
	})
	if err != nil {
		return false, fmt.Errorf("index qdrant: delete %s: %w", id, err)
	}
	return true, nil
}

// Scroll implements memory.VectorIndex. Qdrant scrolls in point-ID order,
// so every matching point is read before sorting by recency.
func (x *Index) Scroll(ctx context.Context, filter memory.Filter, limit int) ([]memory.MemoryRecord, error) {
	var (
		recs   []memory.MemoryRecord
		offset *qc.PointId
	)
	for {
		points, next, err := x.client.ScrollAndOffset(ctx, &qc.ScrollPoints{
			CollectionName: x.collection,
			Filter:         toFilter(filter),
			Offset:         offset,
			Limit:          qc.PtrOf(uint32(scrollPage)),
			WithPayload:    qc.NewWithPayload(true),
			WithVectors:    qc.NewWithVectors(true),
		})
		if err != nil {
			return nil, fmt.Errorf("index qdrant: scroll: %w", err)
		}
		for _, p := range points {
			rec, err := fromPayload(p.GetPayload(), denseVector(p.GetVectors()))
			if err != nil {
				x.logger.Warn("index qdrant: skipping undecodable point", "point", p.GetId().GetUuid(), "err", err)
				continue
			}
			recs = append(recs, rec)
		}
		if next == nil || ctx.Err() != nil {
			break
		}
		offset = next
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index.SortNewestFirst(recs)
	return index.Cut(recs, limit), nil
}

// Close implements memory.VectorIndex.
func (x *Index) Close() error { return x.client.Close() }

// pointID maps a record ID onto a Qdrant UUID point ID. UUIDs pass through;
// anything else gets a stable name-based UUID.
func pointID(id string) *qc.PointId {
	if u, err := uuid.Parse(id); err == nil {
		return qc.NewIDUUID(u.String())
	}
	return qc.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(id)).String())
}

func toPayload(rec memory.MemoryRecord) (map[string]*qc.Value, error) {
	fields, err := index.StringFields(rec)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		m[k] = v
	}
	m[index.FieldImportance] = rec.Importance
	m[index.FieldRecordID] = rec.ID
	m[index.FieldContent] = rec.Content
	return qc.TryValueMap(m)
}

func fromPayload(payload map[string]*qc.Value, vector []float32) (memory.MemoryRecord, error) {
	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qc.Value_StringValue:
			fields[k] = kind.StringValue
		case *qc.Value_DoubleValue:
			fields[k] = strconv.FormatFloat(kind.DoubleValue, 'g', -1, 64)
		case *qc.Value_IntegerValue:
			fields[k] = strconv.FormatInt(kind.IntegerValue, 10)
		}
	}
	return index.FromStringFields(fields[index.FieldRecordID], fields[index.FieldContent], fields, vector)
}

func toFilter(f memory.Filter) *qc.Filter {
	where := index.FilterFields(f)
	must := make([]*qc.Condition, 0, len(where))
	// Fixed order keeps requests deterministic.
	for _, field := range []string{index.FieldCompanionID, index.FieldUserID, index.FieldKind} {
		if v, ok := where[field]; ok {
			must = append(must, qc.NewMatch(field, v))
		}
	}
	return &qc.Filter{Must: must}
}

func denseVector(v *qc.VectorsOutput) []float32 {
	out := v.GetVector()
	if d := out.GetDense(); d != nil {
		return d.GetData()
	}
	return out.GetData()
}

var _ memory.VectorIndex = (*Index)(nil)
