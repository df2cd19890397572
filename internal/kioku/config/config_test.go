package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.STMCapacity != 20 {
		t.Errorf("STMCapacity = %d, want 20", cfg.STMCapacity)
	}
	if cfg.LTMTopK != 5 {
		t.Errorf("LTMTopK = %d, want 5", cfg.LTMTopK)
	}
	if cfg.EmbeddingDim != 384 {
		t.Errorf("EmbeddingDim = %d, want 384", cfg.EmbeddingDim)
	}
	if cfg.Policy.MinLength != 50 || cfg.Policy.Importance != 0.7 {
		t.Errorf("Policy = %+v", cfg.Policy)
	}
	if len(cfg.Policy.Triggers) == 0 {
		t.Error("default triggers missing")
	}
	if cfg.SummaryMinExchanges != 4 || cfg.SummaryImportance != 0.6 {
		t.Errorf("summary = %d / %v", cfg.SummaryMinExchanges, cfg.SummaryImportance)
	}
	if cfg.PersistTimeout != 10*time.Second {
		t.Errorf("PersistTimeout = %v", cfg.PersistTimeout)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute || cfg.JanitorInterval != time.Minute {
		t.Errorf("idle/janitor = %v / %v", cfg.SessionIdleTimeout, cfg.JanitorInterval)
	}
	if cfg.Index.Backend != BackendSQLite || cfg.Embedder.Provider != EmbedderHashing || cfg.Summariser.Provider != SummariserExcerpt {
		t.Errorf("providers = %s/%s/%s", cfg.Index.Backend, cfg.Embedder.Provider, cfg.Summariser.Provider)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KIOKU_STM_CAPACITY", "8")
	t.Setenv("KIOKU_LTM_TOP_K", "3")
	t.Setenv("KIOKU_IMPORTANCE_TRIGGERS", "tea, coffee")
	t.Setenv("KIOKU_CONVERSATION_IMPORTANCE", "0.9")
	t.Setenv("KIOKU_SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("KIOKU_INDEX_BACKEND", "qdrant")
	t.Setenv("KIOKU_QDRANT_HOST", "qdrant.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.STMCapacity != 8 || cfg.LTMTopK != 3 {
		t.Errorf("capacity/topK = %d/%d", cfg.STMCapacity, cfg.LTMTopK)
	}
	if strings.Join(cfg.Policy.Triggers, "|") != "tea|coffee" {
		t.Errorf("triggers = %q", cfg.Policy.Triggers)
	}
	if cfg.Policy.Importance != 0.9 {
		t.Errorf("importance = %v", cfg.Policy.Importance)
	}
	if cfg.SessionIdleTimeout != 5*time.Minute {
		t.Errorf("idle = %v", cfg.SessionIdleTimeout)
	}
	if cfg.Index.QdrantHost != "qdrant.internal" || cfg.Index.QdrantPort != 6334 {
		t.Errorf("qdrant = %s:%d", cfg.Index.QdrantHost, cfg.Index.QdrantPort)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero capacity", map[string]string{"KIOKU_STM_CAPACITY": "0"}, "KIOKU_STM_CAPACITY"},
		{"importance range", map[string]string{"KIOKU_SUMMARY_IMPORTANCE": "1.5"}, "KIOKU_SUMMARY_IMPORTANCE"},
		{"unknown backend", map[string]string{"KIOKU_INDEX_BACKEND": "redis"}, "unknown KIOKU_INDEX_BACKEND"},
		{"pgvector without url", map[string]string{"KIOKU_INDEX_BACKEND": "pgvector"}, "KIOKU_POSTGRES_URL"},
		{"openai without key", map[string]string{"KIOKU_EMBEDDER": "openai"}, "KIOKU_EMBEDDER_API_KEY"},
		{"gemini without credentials", map[string]string{"KIOKU_EMBEDDER": "gemini"}, "KIOKU_GEMINI_PROJECT"},
		{"anthropic without key", map[string]string{"KIOKU_SUMMARISER": "anthropic"}, "KIOKU_SUMMARISER_API_KEY"},
		{"log format", map[string]string{"KIOKU_LOG_FORMAT": "xml"}, "KIOKU_LOG_FORMAT"},
		{"malformed int", map[string]string{"KIOKU_STM_CAPACITY": "twenty"}, "KIOKU_STM_CAPACITY"},
		{"malformed duration", map[string]string{"KIOKU_PERSIST_TIMEOUT": "10"}, "KIOKU_PERSIST_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_ReportsAllErrors(t *testing.T) {
	t.Setenv("KIOKU_STM_CAPACITY", "-1")
	t.Setenv("KIOKU_LTM_TOP_K", "0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"KIOKU_STM_CAPACITY", "KIOKU_LTM_TOP_K"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err %q does not mention %s", err, want)
		}
	}
}

func TestLoad_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("min_length: 10\ntriggers: [anniversary]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KIOKU_POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.MinLength != 10 {
		t.Errorf("MinLength = %d", cfg.Policy.MinLength)
	}
	if len(cfg.Policy.Triggers) != 1 || cfg.Policy.Triggers[0] != "anniversary" {
		t.Errorf("Triggers = %q", cfg.Policy.Triggers)
	}
	if cfg.Policy.Importance != 0.7 {
		t.Errorf("Importance = %v, want default", cfg.Policy.Importance)
	}
}

func TestConfig_LogValueRedactsSecrets(t *testing.T) {
	t.Setenv("KIOKU_INDEX_BACKEND", BackendPgvector)
	t.Setenv("KIOKU_POSTGRES_URL", "postgres://kioku:pg-pass-1234@db/kioku")
	t.Setenv("KIOKU_EMBEDDER", EmbedderOpenAI)
	t.Setenv("KIOKU_EMBEDDER_API_KEY", "sk-embed-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("loaded", "config", cfg)
	out := buf.String()

	for _, secret := range []string{"pg-pass-1234", "sk-embed-secret"} {
		if strings.Contains(out, secret) {
			t.Errorf("log output leaks %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, `"index_backend":"pgvector"`) {
		t.Errorf("log output missing backend: %s", out)
	}
}
