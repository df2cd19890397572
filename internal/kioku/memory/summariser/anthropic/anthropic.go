// Package anthropic implements memory.Summariser with a Claude model. When
// the API call fails or returns no text, it falls back to the excerpt
// summary so a closing session still leaves a trace in long-term memory.
package anthropic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

const (
	DefaultModel     = anthropic.ModelClaudeHaiku4_5
	DefaultMaxTokens = 256
)

const systemPrompt = `You write memory notes for a companion character.
Summarise the conversation below in one or two sentences, in the language the user wrote in.
Keep names, dates, preferences and promises. Output only the summary.`

// Config holds configuration for the Claude summariser.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
}

// messageCreator is the subset of the Anthropic messages API used here.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Summariser is a memory.Summariser backed by the Anthropic messages API.
type Summariser struct {
	messages messageCreator
	fallback memory.Summariser
	cfg      Config
	logger   *slog.Logger
}

// New creates a Summariser. If logger is nil, the default slog logger is
// used.
func New(cfg Config, logger *slog.Logger) *Summariser {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return newSummariser(&client.Messages, cfg, logger)
}

func newSummariser(messages messageCreator, cfg Config, logger *slog.Logger) *Summariser {
	if cfg.Model == "" {
		cfg.Model = string(DefaultModel)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summariser{
		messages: messages,
		fallback: memory.ExcerptSummariser{},
		cfg:      cfg,
		logger:   logger,
	}
}

// Summarise implements memory.Summariser.
func (s *Summariser) Summarise(ctx context.Context, exchanges []memory.Exchange) (string, error) {
	summary, err := s.summarise(ctx, exchanges)
	if err == nil {
		return summary, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	s.logger.Warn("summariser anthropic: falling back to excerpt", "model", s.cfg.Model, "err", err)
	return s.fallback.Summarise(ctx, exchanges)
}

func (s *Summariser) summarise(ctx context.Context, exchanges []memory.Exchange) (string, error) {
	resp, err := s.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.cfg.Model),
		MaxTokens: s.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(memory.FormatTranscript(exchanges))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summariser anthropic: create message: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("summariser anthropic: empty response (stop reason %q)", resp.StopReason)
	}
	return text, nil
}

var _ memory.Summariser = (*Summariser)(nil)
