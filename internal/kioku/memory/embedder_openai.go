package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/retry"
)

const (
	defaultEmbeddingBase    = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultEmbeddingBatch   = 256
	defaultEmbeddingTimeout = 30 * time.Second
)

// OpenAIEmbedderConfig configures the OpenAI-compatible embedding provider.
type OpenAIEmbedderConfig struct {
	APIKey string

	// BaseURL defaults to https://api.openai.com/v1. Any endpoint speaking
	// the same wire format works (Azure OpenAI, vLLM, Ollama).
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions is sent as the "dimensions" request field so models with
	// shortened embeddings return exactly this many components. Required.
	Dimensions int

	// MaxBatch is the largest number of inputs sent in one request.
	// Default: 256.
	MaxBatch int

	// Timeout bounds each HTTP request. Default: 30s.
	Timeout time.Duration

	// Retry is applied to rate-limited and 5xx responses.
	// Default: retry.DefaultConfig.
	Retry retry.Config
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
// It is safe for concurrent use.
type OpenAIEmbedder struct {
	cfg    OpenAIEmbedderConfig
	client *http.Client
}

// NewOpenAIEmbedder returns an embedder for cfg with defaults applied.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbeddingBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultEmbeddingBatch
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbeddingTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder. Inputs are sent in chunks of at most
// MaxBatch; the result is index-aligned with texts.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for chunk := range slices.Chunk(texts, e.cfg.MaxBatch) {
		var vecs [][]float32
		err := retry.Do(ctx, e.cfg.Retry, func() error {
			var err error
			vecs, err = e.request(ctx, chunk)
			return err
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// request posts one chunk. Client errors other than 429 are permanent.
func (e *OpenAIEmbedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	data, err := json.Marshal(embeddingRequest{
		Input:      texts,
		Model:      e.cfg.Model,
		Dimensions: e.cfg.Dimensions,
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: read response body: %w", err)
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	fail := func(err error) error {
		if retryable {
			return err
		}
		return retry.Permanent(err)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fail(fmt.Errorf("embedder openai: unexpected HTTP status %d", resp.StatusCode))
		}
		return nil, retry.Permanent(fmt.Errorf("embedder openai: decode response: %w", err))
	}

	if embResp.Error != nil {
		// Providers echo malformed keys back in the message.
		msg := redact.String(embResp.Error.Message, e.cfg.APIKey)
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fail(fmt.Errorf("embedder openai: rate limit (HTTP 429): %s", msg))
		}
		return nil, fail(fmt.Errorf("embedder openai: API error (%s): %s", embResp.Error.Type, msg))
	}
	if resp.StatusCode >= 400 {
		return nil, fail(fmt.Errorf("embedder openai: unexpected HTTP status %d", resp.StatusCode))
	}

	if len(embResp.Data) != len(texts) {
		return nil, retry.Permanent(fmt.Errorf("embedder openai: got %d embeddings for %d inputs", len(embResp.Data), len(texts)))
	}
	out := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, retry.Permanent(fmt.Errorf("embedder openai: embedding index %d out of range", d.Index))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int { return e.cfg.Dimensions }

// Compile-time interface satisfaction check.
var _ Embedder = (*OpenAIEmbedder)(nil)
