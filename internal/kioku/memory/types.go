package memory

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies a long-term memory record.
type Kind string

const (
	KindConversation        Kind = "conversation"
	KindEvent               Kind = "event"
	KindPreference          Kind = "preference"
	KindConversationSummary Kind = "conversation_summary"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindConversation, KindEvent, KindPreference, KindConversationSummary:
		return true
	}
	return false
}

// Role is the speaker of a single exchange.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Exchange is one utterance held in the short-term buffer.
type Exchange struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MemoryRecord is a single long-term memory. ID, Embedding and CreatedAt are
// assigned by the LongTermStore on persist.
type MemoryRecord struct {
	ID         string         `json:"id"`
	Owner      OwnerKey       `json:"owner"`
	Content    string         `json:"content"`
	Kind       Kind           `json:"kind"`
	Importance float64        `json:"importance"`
	Embedding  []float32      `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// validateInput checks the caller-supplied fields of a record.
func (r MemoryRecord) validateInput() error {
	if err := r.Owner.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidRecord)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, r.Kind)
	}
	if r.Importance < 0 || r.Importance > 1 {
		return fmt.Errorf("%w: importance %v outside [0,1]", ErrInvalidRecord, r.Importance)
	}
	return nil
}

// RetrievalResult pairs a record with its similarity to a query. Higher
// scores are more similar.
type RetrievalResult struct {
	Record MemoryRecord
	Score  float64
}

// ContextBundle is the two-band memory context for a single reply.
// Recent is chronological. Relevant is ordered by descending score and
// RelevantScores is index-aligned with it.
type ContextBundle struct {
	Recent         []Exchange
	Relevant       []MemoryRecord
	RelevantScores []float64

	// Degraded is set when long-term retrieval failed and only the recent
	// band could be filled.
	Degraded bool
}
