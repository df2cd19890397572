package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultJanitorInterval = time.Minute
)

// JanitorConfig holds configuration for the Janitor.
type JanitorConfig struct {
	// IdleTimeout is the inactivity after which a session is cleared.
	// Default: 30 minutes.
	IdleTimeout time.Duration

	// Interval is how often idle sessions are looked for. Default: 1 minute.
	Interval time.Duration

	// Concurrency caps how many idle sessions are closed in parallel.
	// Default: 4.
	Concurrency int
}

// Janitor closes sessions that have gone idle, so that abandoned
// conversations are summarised into long-term memory and their buffers
// freed.
type Janitor struct {
	sessions *Sessions
	cfg      JanitorConfig
	logger   *slog.Logger

	stopMu sync.Mutex
	stopCh chan struct{}
}

// NewJanitor creates a Janitor for the given sessions. If logger is nil, the
// default slog logger is used.
func NewJanitor(sessions *Sessions, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultJanitorInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{sessions: sessions, cfg: cfg, logger: logger}
}

// Run starts the periodic sweep loop. It blocks until ctx is cancelled or
// Stop is called. Call this in a goroutine.
func (j *Janitor) Run(ctx context.Context) {
	j.stopMu.Lock()
	j.stopCh = make(chan struct{})
	stopCh := j.stopCh
	j.stopMu.Unlock()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			j.Sweep(ctx, time.Now())
		}
	}
}

// Stop signals the loop to stop. Safe to call multiple times.
func (j *Janitor) Stop() {
	j.stopMu.Lock()
	defer j.stopMu.Unlock()

	if j.stopCh != nil {
		select {
		case <-j.stopCh:
		default:
			close(j.stopCh)
		}
	}
}

// Sweep clears every session idle at now and returns how many were cleared.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) int {
	idle := j.sessions.Buffer().Idle(now, j.cfg.IdleTimeout)
	if len(idle) == 0 {
		return 0
	}
	j.logger.Debug("janitor: found idle sessions", "count", len(idle))

	var (
		mu      sync.Mutex
		cleared int
		g       errgroup.Group
	)
	g.SetLimit(j.cfg.Concurrency)
	for _, owner := range idle {
		g.Go(func() error {
			res, ok, err := j.sessions.ClearIdle(ctx, owner, now, j.cfg.IdleTimeout)
			if err != nil {
				j.logger.Warn("janitor: idle session cleared without summary",
					"owner", owner.String(),
					"err", err,
				)
			}
			if ok {
				mu.Lock()
				cleared++
				mu.Unlock()
				j.logger.Debug("janitor: closed idle session",
					"owner", owner.String(),
					"exchanges", res.Cleared,
					"summary_id", res.SummaryID,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return cleared
}
