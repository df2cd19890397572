package trace_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/kioku/common/trace"
)

func TestGenerateID_Unique(t *testing.T) {
	a, b := trace.GenerateID(), trace.GenerateID()
	if a == b {
		t.Fatalf("expected distinct IDs, got %q twice", a)
	}
	if !strings.HasPrefix(a, "t_") {
		t.Errorf("expected t_ prefix, got %q", a)
	}
}

func TestEnsure(t *testing.T) {
	ctx := trace.Ensure(context.Background())
	id := trace.FromContext(ctx)
	if id == "" {
		t.Fatal("Ensure did not attach a trace ID")
	}
	if again := trace.FromContext(trace.Ensure(ctx)); again != id {
		t.Errorf("Ensure replaced existing ID: %q -> %q", id, again)
	}
}

func TestFromContext_Absent(t *testing.T) {
	if got := trace.FromContext(context.Background()); got != "" {
		t.Errorf("expected empty ID, got %q", got)
	}
}
