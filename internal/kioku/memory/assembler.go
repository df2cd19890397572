package memory

import (
	"context"
	"log/slog"
	"strings"
)

// Retriever is the read side of the LongTermStore used by the assembler.
type Retriever interface {
	Query(ctx context.Context, owner OwnerKey, text string, topK int, kind Kind) ([]RetrievalResult, error)
}

// ContextAssembler builds the two-band memory context for a reply: the
// session's recent exchanges from the ShortTermBuffer, and the records most
// relevant to the current message from long-term memory. The bands are
// returned separately and never merged.
//
// When long-term retrieval fails the recent band is still returned and the
// bundle is marked Degraded.
type ContextAssembler struct {
	Buffer *ShortTermBuffer
	LTM    Retriever
	TopK   int // relevant records to retrieve (default: DefaultTopK)
	Logger *slog.Logger
}

// BuildContext assembles the ContextBundle for owner and currentMessage.
// It only fails on an invalid owner.
func (a *ContextAssembler) BuildContext(ctx context.Context, owner OwnerKey, currentMessage string) (ContextBundle, error) {
	if err := owner.Validate(); err != nil {
		return ContextBundle{}, err
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topK := a.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	var bundle ContextBundle
	if a.Buffer != nil {
		bundle.Recent = a.Buffer.Read(owner, 0)
	}

	if a.LTM == nil || strings.TrimSpace(currentMessage) == "" {
		return bundle, nil
	}

	results, err := a.LTM.Query(ctx, owner, currentMessage, topK, "")
	if err != nil {
		logger.Warn("memory: long-term retrieval failed, continuing with recent exchanges only",
			"owner", owner.String(),
			"err", err,
		)
		bundle.Degraded = true
		return bundle, nil
	}

	bundle.Relevant = make([]MemoryRecord, len(results))
	bundle.RelevantScores = make([]float64, len(results))
	for i, r := range results {
		bundle.Relevant[i] = r.Record
		bundle.RelevantScores[i] = r.Score
	}
	return bundle, nil
}

var _ Retriever = (*LongTermStore)(nil)
