package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bdobrica/kioku/internal/kioku/app"
)

type fakeStatus struct {
	sessions  int
	schema    int
	schemaErr error
}

func (f *fakeStatus) ActiveSessions() int      { return f.sessions }
func (f *fakeStatus) Backend() string          { return "sqlite" }
func (f *fakeStatus) EmbeddingDimensions() int { return 384 }
func (f *fakeStatus) SchemaVersion(context.Context) (int, error) {
	return f.schema, f.schemaErr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthServer_Health(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{}, nil, nil)

	w := get(t, hs, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestHealthServer_Status(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{sessions: 5, schema: 2}, nil, nil)

	w := get(t, hs, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if int(resp["active_sessions"].(float64)) != 5 {
		t.Errorf("active_sessions = %v", resp["active_sessions"])
	}
	if resp["index_backend"] != "sqlite" || int(resp["schema_version"].(float64)) != 2 {
		t.Errorf("resp = %v", resp)
	}
}

func TestHealthServer_StatusDegraded(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{schemaErr: errors.New("database is closed")}, nil, nil)

	w := get(t, hs, "/status")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHealthServer_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "kioku_memory_active_sessions 0\n")
	})
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{}, metrics, nil)

	w := get(t, hs, "/metrics")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "kioku_memory_active_sessions") {
		t.Fatalf("metrics: %d %q", w.Code, w.Body.String())
	}

	if w := get(t, app.NewHealthServer("127.0.0.1:0", &fakeStatus{}, nil, nil), "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("metrics without handler: got %d, want 404", w.Code)
	}
}

func TestHealthServer_StartStop(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", &fakeStatus{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := hs.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	hs.Stop()
	hs.Stop()
}
