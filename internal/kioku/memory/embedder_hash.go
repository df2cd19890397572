package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashingDimensions matches the output size of the small sentence
// embedding models the hashing embedder stands in for.
const DefaultHashingDimensions = 384

// HashingEmbedder is an offline Embedder based on feature hashing. Each
// token is hashed into one of Dimensions buckets with a hash-derived sign,
// and the result is L2-normalised. Texts that share words get positive
// cosine similarity, which is enough for local development and tests.
//
// Han characters are treated as one token each, since CJK text has no word
// separators.
type HashingEmbedder struct {
	dimensions int
}

// NewHashingEmbedder creates a HashingEmbedder producing vectors of the
// given length. dimensions <= 0 selects DefaultHashingDimensions.
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultHashingDimensions
	}
	return &HashingEmbedder{dimensions: dimensions}
}

// Embed implements Embedder. Empty text yields the zero vector.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := sum % uint64(e.dimensions)
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	return normalize(vec), nil
}

// EmbedBatch implements Embedder.
func (e *HashingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements Embedder.
func (e *HashingEmbedder) Dimensions() int { return e.dimensions }

// tokenize lowercases text and splits it into words, emitting each Han
// character as its own token.
func tokenize(text string) []string {
	var (
		tokens []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// normalize scales vec to unit length in place. The zero vector is returned
// unchanged.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

var _ Embedder = (*HashingEmbedder)(nil)
