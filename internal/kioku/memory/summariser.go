package memory

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultSummaryMinExchanges is the buffer length below which a closing
	// session is discarded without a summary.
	DefaultSummaryMinExchanges = 4

	// DefaultSummaryImportance is the importance of conversation_summary
	// records.
	DefaultSummaryImportance = 0.6

	excerptRunes = 50
)

// ExcerptSummariser condenses a session into its opening topic and length:
// "Conversation topic: <first user message, truncated>... (N messages)".
// It needs no external service and never fails.
type ExcerptSummariser struct{}

// Summarise implements Summariser.
func (ExcerptSummariser) Summarise(_ context.Context, exchanges []Exchange) (string, error) {
	return excerptSummary(exchanges), nil
}

func excerptSummary(exchanges []Exchange) string {
	topic := ""
	for _, ex := range exchanges {
		if ex.Role == RoleUser {
			topic = ex.Content
			break
		}
	}
	if topic == "" && len(exchanges) > 0 {
		topic = exchanges[0].Content
	}
	return fmt.Sprintf("Conversation topic: %s... (%d messages)", truncateRunes(strings.TrimSpace(topic), excerptRunes), len(exchanges))
}

// truncateRunes returns at most n runes of s.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// FormatTranscript renders exchanges one per line as "role: content", the
// input format for LLM-backed summarisers.
func FormatTranscript(exchanges []Exchange) string {
	var b strings.Builder
	for _, ex := range exchanges {
		b.WriteString(string(ex.Role))
		b.WriteString(": ")
		b.WriteString(ex.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

var _ Summariser = ExcerptSummariser{}
