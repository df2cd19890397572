// Package app wires the memory service together: index backend, embedder,
// short-term buffer, long-term store, session lifecycle, janitor, metrics
// and the ops HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/kioku/internal/kioku/config"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/observability"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// App is the assembled memory service.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db            *store.Store // nil unless the sqlite backend is in use
	index         memory.VectorIndex
	closeEmbedder func()

	buffer    *memory.ShortTermBuffer
	ltm       *memory.LongTermStore
	sessions  *memory.Sessions
	assembler *memory.ContextAssembler
	janitor   *memory.Janitor
	metrics   *observability.Metrics
	health    *HealthServer
}

// New builds every component from cfg. On error, anything already opened
// is closed again. If logger is nil, the default slog logger is used.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, closeEmbedder: func() {}}
	defer func() {
		if err != nil {
			a.Stop()
		}
	}()

	a.index, a.db, err = openIndex(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	embedder, closeEmbedder, err := openEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: open embedder: %w", err)
	}
	a.closeEmbedder = closeEmbedder

	a.ltm, err = memory.NewLongTermStore(a.index, embedder, memory.LTMConfig{
		Dimensions:  cfg.EmbeddingDim,
		DefaultTopK: cfg.LTMTopK,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a.metrics = observability.NewMetrics(cfg.MetricsNamespace)
	a.ltm.SetRecorder(a.metrics)

	a.buffer = memory.NewShortTermBuffer(memory.BufferConfig{Capacity: cfg.STMCapacity})

	sc := memory.DefaultSessionsConfig()
	sc.SummaryMinExchanges = cfg.SummaryMinExchanges
	sc.SummaryImportance = cfg.SummaryImportance
	sc.PersistTimeout = cfg.PersistTimeout
	a.sessions = memory.NewSessions(a.buffer, a.ltm, cfg.Policy, newSummariser(cfg, logger), sc, logger)
	a.sessions.SetRecorder(a.metrics)

	a.assembler = &memory.ContextAssembler{
		Buffer: a.buffer,
		LTM:    a.ltm,
		TopK:   cfg.LTMTopK,
		Logger: logger,
	}

	a.janitor = memory.NewJanitor(a.sessions, memory.JanitorConfig{
		IdleTimeout: cfg.SessionIdleTimeout,
		Interval:    cfg.JanitorInterval,
	}, logger)

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a, a.metrics.Handler(), logger)
	}

	logger.Info("app: memory service assembled", "config", cfg)
	return a, nil
}

// Sessions returns the session lifecycle (recordTurn, clearSession).
func (a *App) Sessions() *memory.Sessions { return a.sessions }

// Assembler returns the context assembler (buildContext).
func (a *App) Assembler() *memory.ContextAssembler { return a.assembler }

// LongTermStore returns the long-term memory store.
func (a *App) LongTermStore() *memory.LongTermStore { return a.ltm }

// Run starts the ops server and the idle-session janitor, then blocks until
// ctx is cancelled or the process receives SIGINT or SIGTERM. Open sessions
// are closed (and summarised) before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.logger.Warn("app: health server failed to start; continuing without it", "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.janitor.Run(ctx)
	}()

	a.logger.Info("app: running; press Ctrl+C to stop")
	<-ctx.Done()
	<-done

	a.drain()
	return nil
}

// drain closes every open session so buffered conversations are summarised
// before shutdown.
func (a *App) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.PersistTimeout)
	defer cancel()
	// Every session is idle as seen from past its idle timeout.
	horizon := time.Now().Add(a.cfg.SessionIdleTimeout + time.Second)
	if n := a.janitor.Sweep(ctx, horizon); n > 0 {
		a.logger.Info("app: closed open sessions on shutdown", "sessions", n)
	}
}

// Stop releases every resource held by the app. It is safe to call on a
// partially constructed App.
func (a *App) Stop() {
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if a.health != nil {
		a.health.Stop()
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("app: close index", "err", err)
		}
	}
	a.closeEmbedder()
	if a.db != nil {
		a.logger.Info("app: closing database")
		if err := a.db.Close(); err != nil {
			a.logger.Warn("app: close database", "err", err)
		}
	}
}

// ActiveSessions implements statusProvider.
func (a *App) ActiveSessions() int { return a.buffer.Sessions() }

// Backend implements statusProvider.
func (a *App) Backend() string { return a.cfg.Index.Backend }

// EmbeddingDimensions implements statusProvider.
func (a *App) EmbeddingDimensions() int { return a.ltm.Dimensions() }

// SchemaVersion implements statusProvider. Only the sqlite backend has a
// migrated schema; other backends report 0.
func (a *App) SchemaVersion(ctx context.Context) (int, error) {
	if a.db == nil {
		return 0, nil
	}
	return a.db.SchemaVersion(ctx)
}
