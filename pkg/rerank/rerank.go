// Package rerank re-scores fused retrieval candidates with a
// cross-encoder. Four modes: none (passthrough), local (an inference
// sidecar scores (query, content) pairs), learning (local inference
// through a corpus-scoped fine-tuned adapter, skipped when no trained
// artifact exists), and cloud (the Cohere rerank API). A reranker never
// fails the search: recoverable failures surface as errors the engine
// converts to debug telemetry while preserving fusion order.
package rerank

import "context"

// Rerank modes, matching rerank.mode in corpus settings.
const (
	ModeNone     = "none"
	ModeLocal    = "local"
	ModeLearning = "learning"
	ModeCloud    = "cloud"
)

// SkipMissingModel is the skip reason recorded when learning mode finds
// no trained weights for the corpus.
const SkipMissingModel = "missing_trained_model"

// Document is one rerank candidate. Its position in the input slice is
// the fusion rank; Rankings reference candidates by that position.
type Document struct {
	ID      string
	Content string
}

// Ranking is one scored candidate.
type Ranking struct {
	Index int
	Score float64
}

// Result reports what the reranker did. Rankings is empty unless
// Applied; a skipped reranker sets SkippedReason instead.
type Result struct {
	Rankings      []Ranking
	Applied       bool
	SkippedReason string
	Model         string
}

// Reranker scores (query, document) pairs. Implementations must honor
// ctx cancellation; they return an error only for recoverable provider
// failures, which the caller records without failing the request.
type Reranker interface {
	Mode() string
	Rerank(ctx context.Context, query string, docs []Document) (*Result, error)
}

// ProviderError carries provider diagnostics into the debug block, most
// usefully the trace id cloud providers return with failures.
type ProviderError struct {
	Message string
	TraceID string
}

func (e *ProviderError) Error() string {
	return e.Message
}
