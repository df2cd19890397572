package memory

import (
	"context"
	"errors"
	"testing"
)

type failingRetriever struct{ err error }

func (f failingRetriever) Query(context.Context, OwnerKey, string, int, Kind) ([]RetrievalResult, error) {
	return nil, f.err
}

func TestContextAssembler_TwoBands(t *testing.T) {
	buf := NewShortTermBuffer(BufferConfig{})
	ltm := newTestLTM(t, newSQLiteIndex(t), NewHashingEmbedder(64))
	ctx := context.Background()

	buf.AppendTurn(alice, say("what should we eat"), say("how about noodles"))
	ltm.Persist(ctx, MemoryRecord{Owner: alice, Content: "alice loves spicy noodles", Kind: KindPreference, Importance: 0.7})
	ltm.Persist(ctx, MemoryRecord{Owner: alice, Content: "alice went hiking last week", Kind: KindEvent, Importance: 0.7})
	ltm.Persist(ctx, MemoryRecord{Owner: bob, Content: "bob loves noodles too", Kind: KindPreference, Importance: 0.7})

	a := &ContextAssembler{Buffer: buf, LTM: ltm, TopK: 2, Logger: testLogger()}
	bundle, err := a.BuildContext(ctx, alice, "noodles tonight?")
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}

	if len(bundle.Recent) != 2 || bundle.Recent[0].Role != RoleUser {
		t.Errorf("recent band: %+v", bundle.Recent)
	}
	if len(bundle.Relevant) != 2 || len(bundle.RelevantScores) != 2 {
		t.Fatalf("relevant band sizes: %d records, %d scores", len(bundle.Relevant), len(bundle.RelevantScores))
	}
	if bundle.Relevant[0].Content != "alice loves spicy noodles" {
		t.Errorf("expected noodle preference first, got %q", bundle.Relevant[0].Content)
	}
	if bundle.RelevantScores[0] < bundle.RelevantScores[1] {
		t.Errorf("scores not descending: %v", bundle.RelevantScores)
	}
	for _, r := range bundle.Relevant {
		if r.Owner != alice {
			t.Errorf("foreign record in bundle: %+v", r)
		}
	}
	if bundle.Degraded {
		t.Error("bundle unexpectedly degraded")
	}
}

func TestContextAssembler_DegradesOnRetrievalFailure(t *testing.T) {
	buf := NewShortTermBuffer(BufferConfig{})
	buf.AppendTurn(alice, say("hi"), say("hello"))

	a := &ContextAssembler{Buffer: buf, LTM: failingRetriever{err: ErrStoreFailure}, Logger: testLogger()}
	bundle, err := a.BuildContext(context.Background(), alice, "anything")
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if !bundle.Degraded {
		t.Error("expected degraded bundle")
	}
	if len(bundle.Recent) != 2 {
		t.Errorf("recent band lost on degradation: %+v", bundle.Recent)
	}
	if len(bundle.Relevant) != 0 {
		t.Errorf("relevant band should be empty, got %d", len(bundle.Relevant))
	}
}

func TestContextAssembler_EmptyMessageSkipsRetrieval(t *testing.T) {
	emb := newVecEmbedder(8)
	ltm := newTestLTM(t, newMemIndex(), emb)

	a := &ContextAssembler{Buffer: NewShortTermBuffer(BufferConfig{}), LTM: ltm, Logger: testLogger()}
	bundle, err := a.BuildContext(context.Background(), alice, "   ")
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if emb.callCount() != 0 {
		t.Errorf("embedder called %d times for blank message", emb.callCount())
	}
	if len(bundle.Recent) != 0 || len(bundle.Relevant) != 0 {
		t.Errorf("expected empty bundle, got %+v", bundle)
	}
}

func TestContextAssembler_InvalidOwner(t *testing.T) {
	a := &ContextAssembler{Buffer: NewShortTermBuffer(BufferConfig{})}
	if _, err := a.BuildContext(context.Background(), OwnerKey{}, "hi"); !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner, got %v", err)
	}
}
