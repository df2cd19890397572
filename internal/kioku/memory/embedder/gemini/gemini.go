// Package gemini implements memory.Embedder on Google's Gemini embedding
// models through the genai SDK. Both the Gemini API (API key) and Vertex AI
// (project and location) backends are supported.
package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

const (
	DefaultModel    = "gemini-embedding-001"
	DefaultTaskType = "SEMANTIC_SIMILARITY"
)

// Config holds configuration for the Gemini embedder.
type Config struct {
	// APIKey selects the Gemini API backend.
	APIKey string

	// Project and Location select the Vertex AI backend when APIKey is empty.
	Project  string
	Location string

	// Model is the embedding model name. Default: DefaultModel.
	Model string

	// Dimensions is requested as the output dimensionality. Required.
	Dimensions int

	// TaskType hints the intended use of the embedding. Default:
	// DefaultTaskType.
	TaskType string
}

// contentEmbedder is the subset of genai.Models used here.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Embedder is a memory.Embedder backed by a Gemini embedding model.
type Embedder struct {
	models contentEmbedder
	cfg    Config
}

// New creates a genai client for cfg and wraps it in an Embedder.
func New(ctx context.Context, cfg Config) (*Embedder, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedder gemini: dimensions must be positive")
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.APIKey == "" {
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("embedder gemini: create client: %w", err)
	}
	return newEmbedder(client.Models, cfg), nil
}

func newEmbedder(models contentEmbedder, cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.TaskType == "" {
		cfg.TaskType = DefaultTaskType
	}
	return &Embedder{models: models, cfg: cfg}
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements memory.Embedder.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: t}}}
	}

	dims := int32(e.cfg.Dimensions)
	resp, err := e.models.EmbedContent(ctx, e.cfg.Model, contents, &genai.EmbedContentConfig{
		TaskType:             e.cfg.TaskType,
		OutputDimensionality: &dims,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder gemini: embed content: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder gemini: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("embedder gemini: embedding %d missing from response", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions implements memory.Embedder.
func (e *Embedder) Dimensions() int { return e.cfg.Dimensions }

var _ memory.Embedder = (*Embedder)(nil)
