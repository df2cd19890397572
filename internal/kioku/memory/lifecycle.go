package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/kioku/common/retry"
	"github.com/bdobrica/kioku/common/trace"
)

// assistantExcerptRunes caps how much of the assistant reply is kept in a
// promoted conversation record.
const assistantExcerptRunes = 100

// Persister is the write side of the LongTermStore used by Sessions.
// Sessions mints the record ID so that retries of one write share it.
type Persister interface {
	persistAs(ctx context.Context, rec MemoryRecord) (string, error)
}

var _ Persister = (*LongTermStore)(nil)

// DefaultPersistTimeout bounds each long-term write made by Sessions.
const DefaultPersistTimeout = 10 * time.Second

// SessionsConfig holds configuration for Sessions.
type SessionsConfig struct {
	// SummaryMinExchanges is the buffer length at or above which
	// ClearSession persists a summary. Default: 4.
	SummaryMinExchanges int

	// SummaryImportance is the importance of summary records. Default: 0.6.
	SummaryImportance float64

	// PersistTimeout bounds each long-term write, including retries.
	// Default: 10s.
	PersistTimeout time.Duration

	// Retry controls retries of transient long-term write failures.
	// Default: 2 attempts, 200ms apart.
	Retry retry.Config
}

// DefaultSessionsConfig returns a SessionsConfig with the documented defaults.
func DefaultSessionsConfig() SessionsConfig {
	return SessionsConfig{
		SummaryMinExchanges: DefaultSummaryMinExchanges,
		SummaryImportance:   DefaultSummaryImportance,
		PersistTimeout:      DefaultPersistTimeout,
		Retry: retry.Config{
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     time.Second,
			Jitter:       0.2,
		},
	}
}

// ClearResult reports what ClearSession did.
type ClearResult struct {
	// Cleared is the number of exchanges removed from the buffer.
	Cleared int

	// SummaryID is the ID of the conversation_summary record, or "" when no
	// summary was written.
	SummaryID string
}

// Sessions drives the per-session lifecycle: recording turns into the
// short-term buffer, promoting important turns to long-term memory, and
// clearing sessions with an optional summary.
//
// Long-term writes never run while the owner's buffer is locked, and their
// failure never undoes a change to the buffer.
type Sessions struct {
	buffer     *ShortTermBuffer
	store      Persister
	policy     ImportancePolicy
	summariser Summariser
	cfg        SessionsConfig
	logger     *slog.Logger
	recorder   Recorder
}

// NewSessions wires the lifecycle. A nil policy selects DefaultPolicy and a
// nil summariser selects ExcerptSummariser. If logger is nil, the default
// slog logger is used.
func NewSessions(buffer *ShortTermBuffer, store Persister, policy ImportancePolicy, summariser Summariser, cfg SessionsConfig, logger *slog.Logger) *Sessions {
	def := DefaultSessionsConfig()
	if cfg.SummaryMinExchanges <= 0 {
		cfg.SummaryMinExchanges = def.SummaryMinExchanges
	}
	if cfg.SummaryImportance <= 0 {
		cfg.SummaryImportance = def.SummaryImportance
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if summariser == nil {
		summariser = ExcerptSummariser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		buffer:     buffer,
		store:      store,
		policy:     policy,
		summariser: summariser,
		cfg:        cfg,
		logger:     logger,
		recorder:   NopRecorder,
	}
}

// SetRecorder installs r as the metrics sink.
func (s *Sessions) SetRecorder(r Recorder) {
	if r == nil {
		r = NopRecorder
	}
	s.recorder = r
}

// Buffer returns the short-term buffer the sessions write to.
func (s *Sessions) Buffer() *ShortTermBuffer { return s.buffer }

// RecordTurn appends the user and assistant exchanges to the owner's buffer,
// in that order, then asks the importance policy whether to promote the turn.
// A promoted turn is persisted as a conversation record and its ID is
// returned.
//
// Only an invalid owner is reported as an error. A failed promotion is
// logged and yields an empty ID; the turn stays in the buffer.
func (s *Sessions) RecordTurn(ctx context.Context, owner OwnerKey, user, assistant Exchange) (string, error) {
	if err := s.buffer.AppendTurn(owner, user, assistant); err != nil {
		return "", err
	}
	s.recorder.SetActiveSessions(s.buffer.Sessions())

	userText, assistantText := user.Content, assistant.Content
	decision := s.policy.Decide(userText, assistantText)
	if !decision.Persist {
		s.recorder.ObservePromotion("skipped")
		return "", nil
	}

	ctx = trace.Ensure(ctx)
	id, err := s.persist(ctx, MemoryRecord{
		Owner:      owner,
		Content:    promotedContent(userText, assistantText),
		Kind:       KindConversation,
		Importance: decision.Importance,
	})
	if err != nil {
		s.recorder.ObservePromotion("failed")
		s.logger.Warn("sessions: promotion failed, turn kept in short-term memory only",
			"trace_id", trace.FromContext(ctx),
			"owner", owner.String(),
			"err", err,
		)
		return "", nil
	}

	s.recorder.ObservePromotion("persisted")
	s.logger.Debug("sessions: turn promoted",
		"trace_id", trace.FromContext(ctx),
		"owner", owner.String(),
		"id", id,
		"importance", decision.Importance,
	)
	return id, nil
}

// ClearSession empties the owner's buffer. When the buffer held at least
// SummaryMinExchanges exchanges, a summary is persisted as a
// conversation_summary record and its ID is returned in the result.
//
// The buffer is empty when ClearSession returns, whatever the outcome of the
// summary. A summary failure is returned alongside the result.
func (s *Sessions) ClearSession(ctx context.Context, owner OwnerKey) (ClearResult, error) {
	if err := owner.Validate(); err != nil {
		return ClearResult{}, err
	}

	return s.closeSession(ctx, owner, s.buffer.Clear(owner))
}

// ClearIdle is ClearSession for a session that has seen no turn for longer
// than cooldown. It reports false, and touches nothing, when the session is
// absent or active.
func (s *Sessions) ClearIdle(ctx context.Context, owner OwnerKey, now time.Time, cooldown time.Duration) (ClearResult, bool, error) {
	removed, ok := s.buffer.ClearIfIdle(owner, now, cooldown)
	if !ok {
		return ClearResult{}, false, nil
	}
	res, err := s.closeSession(ctx, owner, removed)
	return res, true, err
}

// closeSession summarises exchanges already removed from the buffer.
func (s *Sessions) closeSession(ctx context.Context, owner OwnerKey, removed []Exchange) (ClearResult, error) {
	s.recorder.SetActiveSessions(s.buffer.Sessions())
	res := ClearResult{Cleared: len(removed)}

	if len(removed) < s.cfg.SummaryMinExchanges {
		s.logger.Debug("sessions: cleared without summary",
			"owner", owner.String(),
			"exchanges", len(removed),
		)
		return res, nil
	}

	ctx = trace.Ensure(ctx)
	summary, err := s.summariser.Summarise(ctx, removed)
	if err != nil {
		return res, fmt.Errorf("sessions: summarise %s: %w", owner, err)
	}

	id, err := s.persist(ctx, MemoryRecord{
		Owner:      owner,
		Content:    summary,
		Kind:       KindConversationSummary,
		Importance: s.cfg.SummaryImportance,
		Metadata:   map[string]any{"message_count": len(removed)},
	})
	if err != nil {
		s.logger.Warn("sessions: summary not persisted",
			"trace_id", trace.FromContext(ctx),
			"owner", owner.String(),
			"exchanges", len(removed),
			"err", err,
		)
		return res, fmt.Errorf("sessions: persist summary for %s: %w", owner, err)
	}

	res.SummaryID = id
	s.logger.Info("session cleared",
		"trace_id", trace.FromContext(ctx),
		"owner", owner.String(),
		"exchanges", len(removed),
		"summary_id", id,
	)
	return res, nil
}

// persist writes rec with a bounded timeout, retrying transient failures.
// The ID is fixed before the first attempt so a retry overwrites rather than
// duplicates.
func (s *Sessions) persist(ctx context.Context, rec MemoryRecord) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()

	rec.ID = uuid.New().String()
	rc := s.cfg.Retry
	if rc.OnRetry == nil {
		rc.OnRetry = func(attempt int, err error, delay time.Duration) {
			s.logger.Debug("sessions: persist failed, retrying",
				"trace_id", trace.FromContext(ctx),
				"record_id", rec.ID,
				"kind", rec.Kind,
				"attempt", attempt,
				"delay", delay,
				"err", err,
			)
		}
	}
	var id string
	err := retry.Do(ctx, rc, func() error {
		var err error
		id, err = s.store.persistAs(ctx, rec)
		if isPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return id, err
}

// isPermanent reports errors that a retry cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInvalidOwner) ||
		errors.Is(err, context.Canceled)
}

// promotedContent renders a turn as a conversation record.
func promotedContent(userText, assistantText string) string {
	return fmt.Sprintf("User: %s\nCompanion: %s...", userText, truncateRunes(assistantText, assistantExcerptRunes))
}
