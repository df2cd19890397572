package index

import (
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

func TestStringFieldsRoundTrip(t *testing.T) {
	rec := memory.MemoryRecord{
		ID:         "r1",
		Owner:      memory.OwnerKey{CompanionID: "pet-1", UserID: "alice"},
		Content:    "likes tea",
		Kind:       memory.KindPreference,
		Importance: 0.65,
		CreatedAt:  time.Date(2026, 2, 24, 10, 0, 0, 5, time.UTC),
		Metadata:   map[string]any{"source": "chat"},
	}
	fields, err := StringFields(rec)
	if err != nil {
		t.Fatalf("StringFields: %v", err)
	}
	got, err := FromStringFields(rec.ID, rec.Content, fields, nil)
	if err != nil {
		t.Fatalf("FromStringFields: %v", err)
	}
	if got.Owner != rec.Owner || got.Kind != rec.Kind || got.Importance != rec.Importance {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
	if got.Metadata["source"] != "chat" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestFromStringFields_BadTime(t *testing.T) {
	if _, err := FromStringFields("x", "c", map[string]string{FieldCreatedAt: "yesterday"}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 100, time.UTC))
	if !(a < b) || len(a) != len(b) {
		t.Errorf("%q should sort before %q with equal width", a, b)
	}
}

func TestFilterFields(t *testing.T) {
	owner := memory.OwnerKey{CompanionID: "c", UserID: "u"}
	if got := FilterFields(memory.Filter{Owner: owner}); len(got) != 2 {
		t.Errorf("owner-only filter = %v", got)
	}
	got := FilterFields(memory.Filter{Owner: owner, Kind: memory.KindEvent})
	if got[FieldKind] != "event" {
		t.Errorf("kind filter = %v", got)
	}
}

func TestSortNewestFirstAndCut(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []memory.MemoryRecord{
		{ID: "b", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(time.Second)},
		{ID: "a", CreatedAt: base},
	}
	SortNewestFirst(recs)
	var ids []string
	for _, r := range Cut(recs, 2) {
		ids = append(ids, r.ID)
	}
	if len(ids) != 2 || ids[0] != "c" || ids[1] != "a" {
		t.Errorf("ids = %v, want [c a]", ids)
	}
	if got := Cut(recs, 0); len(got) != 3 {
		t.Errorf("Cut(0) len = %d", len(got))
	}
}
