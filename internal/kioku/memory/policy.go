package memory

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMinLength is the user-message length, in characters, above
	// which an exchange is always promoted.
	DefaultMinLength = 50

	// DefaultConversationImportance is the importance assigned to promoted
	// exchanges.
	DefaultConversationImportance = 0.7
)

// DefaultTriggers are the phrases that mark an exchange as worth keeping.
func DefaultTriggers() []string {
	return []string{
		"记住", "别忘了", "重要", "生日", "喜欢", "讨厌",
		"remember", "important", "birthday", "love", "hate",
	}
}

// Decision is the outcome of an ImportancePolicy evaluation.
type Decision struct {
	Persist    bool
	Importance float64
}

// ImportancePolicy decides whether a completed turn is promoted to long-term
// memory. Implementations must be pure.
type ImportancePolicy interface {
	Decide(userText, assistantText string) Decision
}

// KeywordPolicy promotes a turn when the user text is longer than MinLength
// characters or when either side of the turn contains a trigger phrase.
// Matching is case-insensitive.
type KeywordPolicy struct {
	MinLength  int
	Triggers   []string
	Importance float64
}

// DefaultPolicy returns a KeywordPolicy with the documented defaults.
func DefaultPolicy() KeywordPolicy {
	return KeywordPolicy{
		MinLength:  DefaultMinLength,
		Triggers:   DefaultTriggers(),
		Importance: DefaultConversationImportance,
	}
}

// Decide implements ImportancePolicy.
func (p KeywordPolicy) Decide(userText, assistantText string) Decision {
	if utf8.RuneCountInString(userText) > p.MinLength {
		return Decision{Persist: true, Importance: p.Importance}
	}
	combined := strings.ToLower(userText + assistantText)
	for _, t := range p.Triggers {
		if t == "" {
			continue
		}
		if strings.Contains(combined, strings.ToLower(t)) {
			return Decision{Persist: true, Importance: p.Importance}
		}
	}
	return Decision{}
}

var _ ImportancePolicy = KeywordPolicy{}
