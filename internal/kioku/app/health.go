package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/kioku/common/version"
)

// HealthServer exposes /health, /status and /metrics.
// It is optional; the service runs without it when HTTPAddr is empty.
type HealthServer struct {
	addr      string
	status    statusProvider
	metrics   http.Handler
	startedAt time.Time
	router    chi.Router
	server    *http.Server
	logger    *slog.Logger
}

// statusProvider supplies the runtime figures reported by /status.
type statusProvider interface {
	ActiveSessions() int
	Backend() string
	EmbeddingDimensions() int
	SchemaVersion(ctx context.Context) (int, error)
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Commit         string    `json:"commit"`
	BuildTime      string    `json:"build_time"`
	StartedAt      time.Time `json:"started_at"`
	UptimeSecs     float64   `json:"uptime_seconds"`
	ActiveSessions int       `json:"active_sessions"`
	IndexBackend   string    `json:"index_backend"`
	Dimensions     int       `json:"embedding_dimensions"`
	SchemaVersion  int       `json:"schema_version,omitempty"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
// metrics may be nil, in which case /metrics is not mounted.
func NewHealthServer(addr string, sp statusProvider, metrics http.Handler, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	hs := &HealthServer{
		addr:      addr,
		status:    sp,
		metrics:   metrics,
		startedAt: time.Now(),
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", hs.handleHealth)
	r.Get("/status", hs.handleStatus)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	hs.router = r
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener is
// established, and shuts the server down when ctx is cancelled.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		h.logger.Info("health server: listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("health server: stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()
	return nil
}

// Stop shuts down the HTTP server. It is safe to call more than once.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Warn("health server: shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
	}
	code := http.StatusOK
	if h.status != nil {
		resp.ActiveSessions = h.status.ActiveSessions()
		resp.IndexBackend = h.status.Backend()
		resp.Dimensions = h.status.EmbeddingDimensions()
		v, err := h.status.SchemaVersion(r.Context())
		if err != nil {
			h.logger.Warn("health server: schema version unavailable", "err", err)
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		resp.SchemaVersion = v
	}
	h.writeJSON(w, code, resp)
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("health server: failed to encode JSON response", "err", err)
	}
}
