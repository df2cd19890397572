// Package index holds the payload conventions shared by the remote vector
// index adapters. Each backend stores the same flat set of fields next to
// the vector so records round-trip identically across backends.
package index

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// Payload field names.
const (
	FieldCompanionID = "companion_id"
	FieldUserID      = "user_id"
	FieldKind        = "kind"
	FieldContent     = "content"
	FieldImportance  = "importance"
	FieldCreatedAt   = "created_at"
	FieldMetadata    = "metadata"
	FieldRecordID    = "record_id"
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", FieldCreatedAt, err)
	}
	return t, nil
}

// EncodeMetadata serialises free-form metadata. Empty metadata encodes as "".
func EncodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", FieldMetadata, err)
	}
	return string(b), nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", FieldMetadata, err)
	}
	return m, nil
}

// StringFields flattens a record into string-valued fields, for backends
// whose metadata is map[string]string.
func StringFields(rec memory.MemoryRecord) (map[string]string, error) {
	meta, err := EncodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		FieldCompanionID: rec.Owner.CompanionID,
		FieldUserID:      rec.Owner.UserID,
		FieldKind:        string(rec.Kind),
		FieldImportance:  strconv.FormatFloat(rec.Importance, 'g', -1, 64),
		FieldCreatedAt:   FormatTime(rec.CreatedAt),
	}
	if meta != "" {
		fields[FieldMetadata] = meta
	}
	return fields, nil
}

// FromStringFields rebuilds a record from fields written by StringFields.
func FromStringFields(id, content string, fields map[string]string, embedding []float32) (memory.MemoryRecord, error) {
	rec := memory.MemoryRecord{
		ID: id,
		Owner: memory.OwnerKey{
			CompanionID: fields[FieldCompanionID],
			UserID:      fields[FieldUserID],
		},
		Content:   content,
		Kind:      memory.Kind(fields[FieldKind]),
		Embedding: embedding,
	}
	if s := fields[FieldImportance]; s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return memory.MemoryRecord{}, fmt.Errorf("parse %s: %w", FieldImportance, err)
		}
		rec.Importance = v
	}
	t, err := ParseTime(fields[FieldCreatedAt])
	if err != nil {
		return memory.MemoryRecord{}, err
	}
	rec.CreatedAt = t
	if rec.Metadata, err = DecodeMetadata(fields[FieldMetadata]); err != nil {
		return memory.MemoryRecord{}, err
	}
	return rec, nil
}

// FilterFields is the exact-match field set for a memory.Filter.
func FilterFields(f memory.Filter) map[string]string {
	where := map[string]string{
		FieldCompanionID: f.Owner.CompanionID,
		FieldUserID:      f.Owner.UserID,
	}
	if f.Kind != "" {
		where[FieldKind] = string(f.Kind)
	}
	return where
}

// SortNewestFirst orders records by CreatedAt descending, then ID ascending.
func SortNewestFirst(recs []memory.MemoryRecord) {
	slices.SortStableFunc(recs, func(a, b memory.MemoryRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Cut truncates recs to limit when limit > 0.
func Cut[T any](recs []T, limit int) []T {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
