// Package search implements the tri-source retrieval pipeline: query
// planning, parallel leg dispatch over the vector, sparse, and graph
// stores, rank fusion, post-fusion scoring, and reranker orchestration.
package search

import (
	"fmt"
	"strings"

	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

// Leg sources. Matches from a single leg carry the leg name; the fused
// list carries SourceFused.
const (
	SourceVector = "vector"
	SourceSparse = "sparse"
	SourceGraph  = "graph"
	SourceFused  = "fused"
)

// Sparse engine attribution, recorded per hit in match metadata.
const (
	SparseEngineFTS       = "postgres_fts"
	SparseEngineRelaxedOR = "postgres_fts_relaxed_or"
	SparseEngineFilePath  = "file_path"
)

// Fusion methods.
const (
	FusionRRF      = "rrf"
	FusionWeighted = "weighted"
)

// ChunkMatch is a chunk plus retrieval annotations. Score semantics
// depend on Source: leg-local before fusion, fused afterwards, reranker
// scores when a reranker was applied.
type ChunkMatch struct {
	CorpusID   string         `json:"corpus_id"`
	ChunkID    string         `json:"chunk_id"`
	Content    string         `json:"content,omitempty"`
	FilePath   string         `json:"file_path"`
	StartLine  int            `json:"start_line"`
	EndLine    int            `json:"end_line"`
	Language   string         `json:"language,omitempty"`
	TokenCount int            `json:"token_count,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Score      float64        `json:"score"`
	Source     string         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func matchFromChunk(c postgres.Chunk, source string) ChunkMatch {
	return ChunkMatch{
		CorpusID:   c.CorpusID,
		ChunkID:    c.ChunkID,
		Content:    c.Content,
		FilePath:   c.FilePath,
		StartLine:  c.StartLine,
		EndLine:    c.EndLine,
		Language:   c.Language,
		TokenCount: c.TokenCount,
		Summary:    c.Summary,
		Score:      c.Score,
		Source:     source,
	}
}

// key identifies a chunk across corpora for fusion. Two legs returning
// the same (corpus, chunk) pair contribute to one fused entry.
func (m *ChunkMatch) key() string {
	return m.CorpusID + "\x00" + m.ChunkID
}

func (m *ChunkMatch) setMeta(k string, v any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, 4)
	}
	m.Metadata[k] = v
}

// Request is one retrieval invocation. The leg include flags default to
// true when absent; the effective legs are the requested set intersected
// with the corpus configuration.
type Request struct {
	Query     string   `json:"query"`
	CorpusIDs []string `json:"corpus_ids"`

	IncludeVector *bool `json:"include_vector,omitempty"`
	IncludeSparse *bool `json:"include_sparse,omitempty"`
	IncludeGraph  *bool `json:"include_graph,omitempty"`

	// TopK overrides retrieval.final_k for this request, clamped to
	// [1, 100].
	TopK int `json:"top_k,omitempty"`

	// RecallIntensity pins the recall gate decision (chat only);
	// normally left empty so the gate classifies the message.
	RecallIntensity string `json:"recall_intensity,omitempty"`

	// FusionMethod overrides fusion.method for this request.
	FusionMethod string `json:"fusion_method,omitempty"`

	// Intent tags the query for layer bonuses; classified from the
	// query text when absent.
	Intent string `json:"intent,omitempty"`

	// ConversationTurn feeds the recall gate on /api/chat.
	ConversationTurn int `json:"conversation_turn,omitempty"`
}

// Validate rejects request shapes the engine cannot plan. Handlers map
// the error to HTTP 422.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("query must not be empty")
	}
	if len(r.CorpusIDs) == 0 {
		return fmt.Errorf("corpus_ids must name at least one corpus")
	}
	for _, id := range r.CorpusIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("corpus_ids must not contain empty ids")
		}
	}
	if r.TopK < 0 {
		return fmt.Errorf("top_k must be positive when set")
	}
	if r.FusionMethod != "" && r.FusionMethod != FusionRRF && r.FusionMethod != FusionWeighted {
		return fmt.Errorf("fusion_method must be rrf or weighted, got %q", r.FusionMethod)
	}
	return nil
}

// Result is the fused response body: ordered matches plus the debug
// block every response carries.
type Result struct {
	Matches []ChunkMatch `json:"matches"`
	Debug   FusionDebug  `json:"debug"`
}

// FusionDebug records what each leg did. Leg failures land here instead
// of failing the request.
type FusionDebug struct {
	VectorAttempted bool   `json:"vector_attempted"`
	VectorEnabled   bool   `json:"vector_enabled"`
	VectorError     string `json:"vector_error,omitempty"`
	VectorResults   int    `json:"vector_results"`

	SparseAttempted bool   `json:"sparse_attempted"`
	SparseEnabled   bool   `json:"sparse_enabled"`
	SparseError     string `json:"sparse_error,omitempty"`
	SparseResults   int    `json:"sparse_results"`

	GraphAttempted bool   `json:"graph_attempted"`
	GraphEnabled   bool   `json:"graph_enabled"`
	GraphError     string `json:"graph_error,omitempty"`
	GraphResults   int    `json:"graph_results"`

	FusionMethod string  `json:"fusion_method"`
	FinalK       int     `json:"final_k"`
	TopScore     float64 `json:"top_score"`
	AvgTop5Score float64 `json:"avg_top5_score"`

	// Confidence normalizes the top fused score into [0, 1].
	Confidence float64 `json:"confidence"`

	ExpansionVariants []string `json:"expansion_variants,omitempty"`

	Intent          string `json:"intent,omitempty"`
	RecallIntensity string `json:"recall_intensity,omitempty"`

	Rerank RerankDebugInfo `json:"rerank"`
}

// RerankDebugInfo is the reranker outcome. The reranker never fails the
// request; failures set Error and preserve fusion order.
type RerankDebugInfo struct {
	Applied            bool   `json:"applied"`
	SkippedReason      string `json:"skipped_reason,omitempty"`
	Error              bool   `json:"error,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
	DebugTraceID       string `json:"debug_trace_id,omitempty"`
	CandidatesReranked int    `json:"candidates_reranked,omitempty"`
	Model              string `json:"model,omitempty"`
}
