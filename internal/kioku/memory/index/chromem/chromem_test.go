package chromem

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

var (
	alice = memory.OwnerKey{CompanionID: "pet-1", UserID: "alice"}
	bob   = memory.OwnerKey{CompanionID: "pet-1", UserID: "bob"}
	base  = time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	x, err := New(Config{Dimensions: 3}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = x.Close() })
	return x
}

func record(id string, owner memory.OwnerKey, kind memory.Kind, vec []float32, age time.Duration) memory.MemoryRecord {
	return memory.MemoryRecord{
		ID:         id,
		Owner:      owner,
		Content:    "content " + id,
		Kind:       kind,
		Importance: 0.7,
		Embedding:  vec,
		CreatedAt:  base.Add(-age),
		Metadata:   map[string]any{"source": "test"},
	}
}

func TestIndex_SearchFiltersOwnerAndKind(t *testing.T) {
	ctx := context.Background()
	x := newIndex(t)

	recs := []memory.MemoryRecord{
		record("a1", alice, memory.KindConversation, []float32{1, 0, 0}, 0),
		record("a2", alice, memory.KindPreference, []float32{0.9, 0.1, 0}, time.Minute),
		record("b1", bob, memory.KindConversation, []float32{1, 0, 0}, 0),
	}
	for _, r := range recs {
		if err := x.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert(%s): %v", r.ID, err)
		}
	}

	got, err := x.Search(ctx, []float32{1, 0, 0}, memory.Filter{Owner: alice}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	for _, r := range got {
		if r.Record.Owner != alice {
			t.Errorf("result %s belongs to %v", r.Record.ID, r.Record.Owner)
		}
	}

	got, err = x.Search(ctx, []float32{1, 0, 0}, memory.Filter{Owner: alice, Kind: memory.KindPreference}, 10)
	if err != nil {
		t.Fatalf("Search(kind): %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != "a2" {
		t.Fatalf("kind filter returned %+v", got)
	}
	if got[0].Record.Metadata["source"] != "test" {
		t.Errorf("metadata = %v", got[0].Record.Metadata)
	}
	if !got[0].Record.CreatedAt.Equal(base.Add(-time.Minute)) {
		t.Errorf("created_at = %v", got[0].Record.CreatedAt)
	}
}

func TestIndex_SearchClampsTopK(t *testing.T) {
	ctx := context.Background()
	x := newIndex(t)

	if got, err := x.Search(ctx, []float32{1, 0, 0}, memory.Filter{Owner: alice}, 5); err != nil || len(got) != 0 {
		t.Fatalf("empty index: got %v, %v", got, err)
	}
	if err := x.Upsert(ctx, record("a1", alice, memory.KindEvent, []float32{0, 1, 0}, 0)); err != nil {
		t.Fatal(err)
	}
	got, err := x.Search(ctx, []float32{0, 1, 0}, memory.Filter{Owner: alice}, 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].Score < 0.999 {
		t.Errorf("score = %v, want ~1", got[0].Score)
	}
}

func TestIndex_ZeroVectors(t *testing.T) {
	ctx := context.Background()
	x := newIndex(t)

	if err := x.Upsert(ctx, record("z", alice, memory.KindEvent, []float32{0, 0, 0}, 0)); err == nil {
		t.Fatal("expected error for zero embedding")
	}
	got, err := x.Search(ctx, []float32{0, 0, 0}, memory.Filter{Owner: alice}, 5)
	if err != nil || got != nil {
		t.Fatalf("zero query: got %v, %v", got, err)
	}
}

func TestIndex_DeleteReportsExistence(t *testing.T) {
	ctx := context.Background()
	x := newIndex(t)

	if err := x.Upsert(ctx, record("a1", alice, memory.KindEvent, []float32{1, 0, 0}, 0)); err != nil {
		t.Fatal(err)
	}
	for i, want := range []bool{true, false} {
		got, err := x.Delete(ctx, "a1")
		if err != nil {
			t.Fatalf("Delete #%d: %v", i, err)
		}
		if got != want {
			t.Errorf("Delete #%d = %v, want %v", i, got, want)
		}
	}
}

func TestIndex_ConcurrentDeleteReportsOnce(t *testing.T) {
	ctx := context.Background()
	x := newIndex(t)

	if err := x.Upsert(ctx, record("a1", alice, memory.KindEvent, []float32{1, 0, 0}, 0)); err != nil {
		t.Fatal(err)
	}
	var (
		wg      sync.WaitGroup
		deleted atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := x.Delete(ctx, "a1")
			if err != nil {
				t.Error(err)
			}
			if ok {
				deleted.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := deleted.Load(); n != 1 {
		t.Errorf("%d deletes reported true, want 1", n)
	}
}

func TestIndex_ScrollNewestFirst(t *testing.T) {
	ctx := context.Background()
	x := newIndex(t)

	for i, id := range []string{"old", "mid", "new"} {
		age := time.Duration(2-i) * time.Second
		if err := x.Upsert(ctx, record(id, alice, memory.KindEvent, []float32{0, 0, 1}, age)); err != nil {
			t.Fatal(err)
		}
	}
	if err := x.Upsert(ctx, record("other", bob, memory.KindEvent, []float32{0, 0, 1}, 0)); err != nil {
		t.Fatal(err)
	}

	got, err := x.Scroll(ctx, memory.Filter{Owner: alice}, 2)
	if err != nil {
		t.Fatalf("Scroll: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		ids := make([]string, len(got))
		for i, r := range got {
			ids[i] = r.ID
		}
		t.Fatalf("Scroll ids = %v, want [new mid]", ids)
	}
}
