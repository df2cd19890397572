package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kioku/common/retry"
)

// flakyPersister fails the first failures calls with err, then delegates.
type flakyPersister struct {
	mu       sync.Mutex
	next     Persister
	failures int
	err      error
	calls    []MemoryRecord
}

func (f *flakyPersister) persistAs(ctx context.Context, rec MemoryRecord) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rec)
	fail := len(f.calls) <= f.failures
	f.mu.Unlock()
	if fail {
		return "", f.err
	}
	return f.next.persistAs(ctx, rec)
}

type errSummariser struct{ err error }

func (e errSummariser) Summarise(context.Context, []Exchange) (string, error) { return "", e.err }

func fastRetry() SessionsConfig {
	cfg := DefaultSessionsConfig()
	cfg.Retry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return cfg
}

func newTestSessions(t *testing.T, store Persister) (*Sessions, *ShortTermBuffer) {
	t.Helper()
	buf := NewShortTermBuffer(BufferConfig{})
	return NewSessions(buf, store, nil, nil, fastRetry(), testLogger()), buf
}

func TestSessions_RecordTurnKeepsExchangeTimestamps(t *testing.T) {
	ltm := newTestLTM(t, newMemIndex(), NewHashingEmbedder(16))
	s, buf := newTestSessions(t, ltm)

	asked := time.Date(2026, 2, 24, 9, 0, 0, 0, time.UTC)
	answered := asked.Add(30 * time.Second)
	_, err := s.RecordTurn(context.Background(), alice,
		Exchange{Content: "hi", Timestamp: asked},
		Exchange{Content: "hello there", Timestamp: answered},
	)
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	got := buf.Read(alice, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(asked) || !got[1].Timestamp.Equal(answered) {
		t.Errorf("timestamps not kept: %v, %v", got[0].Timestamp, got[1].Timestamp)
	}
}

func TestSessions_RecordTurnAppendsInOrder(t *testing.T) {
	ltm := newTestLTM(t, newMemIndex(), NewHashingEmbedder(16))
	s, buf := newTestSessions(t, ltm)

	id, err := s.RecordTurn(context.Background(), alice, say("hi"), say("hello there"))
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if id != "" {
		t.Errorf("unimportant turn was promoted: %s", id)
	}
	got := buf.Read(alice, 0)
	if len(got) != 2 || got[0].Role != RoleUser || got[0].Content != "hi" || got[1].Role != RoleAssistant || got[1].Content != "hello there" {
		t.Fatalf("unexpected buffer: %+v", got)
	}
}

func TestSessions_RecordTurnPromotesImportant(t *testing.T) {
	index := newMemIndex()
	ltm := newTestLTM(t, index, NewHashingEmbedder(16))
	s, _ := newTestSessions(t, ltm)
	ctx := context.Background()

	longReply := strings.Repeat("r", 150)
	id, err := s.RecordTurn(ctx, alice, say("please remember my cat is called Miso"), say(longReply))
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if id == "" {
		t.Fatal("important turn was not promoted")
	}

	all, _ := ltm.ListAll(ctx, alice, 10)
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
	rec := all[0]
	if rec.Kind != KindConversation || rec.Importance != DefaultConversationImportance {
		t.Errorf("unexpected record: kind=%s importance=%v", rec.Kind, rec.Importance)
	}
	want := "User: please remember my cat is called Miso\nCompanion: " + strings.Repeat("r", 100) + "..."
	if rec.Content != want {
		t.Errorf("content = %q, want %q", rec.Content, want)
	}
}

func TestSessions_PromotionFailureKeepsTranscript(t *testing.T) {
	store := &flakyPersister{failures: 100, err: fmt.Errorf("ltm: persist: %w", ErrStoreFailure)}
	s, buf := newTestSessions(t, store)

	id, err := s.RecordTurn(context.Background(), alice, say("remember this"), say("ok"))
	if err != nil {
		t.Fatalf("RecordTurn returned %v; promotion failures must not surface", err)
	}
	if id != "" {
		t.Errorf("expected empty id on failure, got %q", id)
	}
	if buf.Len(alice) != 2 {
		t.Errorf("turn lost from short-term buffer: %d exchanges", buf.Len(alice))
	}
	if len(store.calls) != 2 {
		t.Errorf("expected 2 attempts for transient failure, got %d", len(store.calls))
	}
}

func TestSessions_PromotionRetriesWithSameID(t *testing.T) {
	ltm := newTestLTM(t, newMemIndex(), NewHashingEmbedder(16))
	store := &flakyPersister{next: ltm, failures: 1, err: fmt.Errorf("ltm: persist: %w", ErrEmbeddingFailure)}
	s, _ := newTestSessions(t, store)

	id, _ := s.RecordTurn(context.Background(), alice, say("remember this"), say("ok"))
	if id == "" {
		t.Fatal("expected promotion to succeed on retry")
	}
	if len(store.calls) != 2 || store.calls[0].ID != store.calls[1].ID || store.calls[1].ID != id {
		t.Errorf("retry did not reuse the record id: %+v", store.calls)
	}
}

func TestSessions_DimensionMismatchNotRetried(t *testing.T) {
	store := &flakyPersister{failures: 100, err: fmt.Errorf("ltm: persist: %w", ErrDimensionMismatch)}
	s, _ := newTestSessions(t, store)

	s.RecordTurn(context.Background(), alice, say("remember this"), say("ok"))
	if len(store.calls) != 1 {
		t.Errorf("expected a single attempt, got %d", len(store.calls))
	}
}

func TestSessions_ClearWithSummary(t *testing.T) {
	ltm := newTestLTM(t, newMemIndex(), NewHashingEmbedder(16))
	s, buf := newTestSessions(t, ltm)
	ctx := context.Background()

	contents := []string{"I just adopted a puppy named Biscuit and he is adorable", "congrats", "he chews everything", "puppies do that", "any tips"}
	for i, c := range contents {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		buf.Append(alice, Exchange{Role: role, Content: c})
	}

	res, err := s.ClearSession(ctx, alice)
	if err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if res.SummaryID == "" || res.Cleared != 5 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if buf.Len(alice) != 0 {
		t.Error("buffer not empty after clear")
	}

	all, _ := ltm.ListAll(ctx, alice, 10)
	if len(all) != 1 {
		t.Fatalf("expected exactly 1 summary record, got %d", len(all))
	}
	sum := all[0]
	if sum.ID != res.SummaryID || sum.Kind != KindConversationSummary || sum.Importance != DefaultSummaryImportance {
		t.Errorf("unexpected summary record: %+v", sum)
	}
	want := "Conversation topic: I just adopted a puppy named Biscuit and he is ado... (5 messages)"
	if sum.Content != want {
		t.Errorf("summary = %q, want %q", sum.Content, want)
	}
	if sum.Metadata["message_count"] != 5 {
		t.Errorf("message_count metadata = %v", sum.Metadata["message_count"])
	}
}

func TestSessions_ClearShortSessionWithoutSummary(t *testing.T) {
	index := newMemIndex()
	ltm := newTestLTM(t, index, NewHashingEmbedder(16))
	s, buf := newTestSessions(t, ltm)

	buf.Append(alice, Exchange{Role: RoleUser, Content: "hi"})
	buf.Append(alice, Exchange{Role: RoleAssistant, Content: "hello"})

	res, err := s.ClearSession(context.Background(), alice)
	if err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if res.SummaryID != "" || res.Cleared != 2 {
		t.Errorf("unexpected result: %+v", res)
	}
	if index.count() != 0 {
		t.Errorf("expected no records, got %d", index.count())
	}
	if buf.Len(alice) != 0 {
		t.Error("buffer not empty after clear")
	}
}

func TestSessions_ClearSummaryFailureStillClears(t *testing.T) {
	tests := []struct {
		name       string
		store      Persister
		summariser Summariser
	}{
		{"summariser fails", newTestLTM(t, newMemIndex(), NewHashingEmbedder(8)), errSummariser{err: errors.New("llm down")}},
		{"persist fails", &flakyPersister{failures: 100, err: ErrStoreFailure}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := NewShortTermBuffer(BufferConfig{})
			s := NewSessions(buf, tt.store, nil, tt.summariser, fastRetry(), testLogger())
			for range 3 {
				buf.AppendTurn(alice, say("question"), say("answer"))
			}

			res, err := s.ClearSession(context.Background(), alice)
			if err == nil {
				t.Error("expected summary error to be reported")
			}
			if res.SummaryID != "" || res.Cleared != 6 {
				t.Errorf("unexpected result: %+v", res)
			}
			if buf.Len(alice) != 0 {
				t.Error("buffer not cleared after summary failure")
			}
		})
	}
}

func TestSessions_ClearUnknownOwner(t *testing.T) {
	s, _ := newTestSessions(t, newTestLTM(t, newMemIndex(), NewHashingEmbedder(8)))
	res, err := s.ClearSession(context.Background(), bob)
	if err != nil || res.Cleared != 0 || res.SummaryID != "" {
		t.Errorf("ClearSession(unknown) = %+v, %v", res, err)
	}
	if _, err := s.ClearSession(context.Background(), OwnerKey{}); !errors.Is(err, ErrInvalidOwner) {
		t.Errorf("expected ErrInvalidOwner, got %v", err)
	}
}

func TestSessions_ConcurrentTurnsAndClear(t *testing.T) {
	ltm := newTestLTM(t, newMemIndex(), NewHashingEmbedder(16))
	s, buf := newTestSessions(t, ltm)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				s.RecordTurn(ctx, alice, say(fmt.Sprintf("u%d-%d", w, i)), say("a"))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 10 {
			s.ClearSession(ctx, alice)
		}
	}()
	wg.Wait()

	got := buf.Read(alice, 0)
	if len(got)%2 != 0 {
		t.Fatalf("buffer holds half a turn: %d exchanges", len(got))
	}
	for i := 0; i < len(got); i += 2 {
		if got[i].Role != RoleUser || got[i+1].Role != RoleAssistant {
			t.Fatalf("turn at %d out of order", i)
		}
	}
}
