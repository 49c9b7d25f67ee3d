package config

import (
	"fmt"
	"time"
)

// Settings is the corpus-scoped configuration document. The global copy
// lives under `defaults:` in the service YAML; per-corpus overrides are
// stored as JSONB and win over the global copy field by field (the
// stored document is complete, produced by merging at write time).
//
// Example:
//
//	retrieval:
//	  final_k: 10
//	  topk_dense: 50
//	  max_hops: 2
//	fusion:
//	  method: rrf
//	  rrf_k: 60
//	rerank:
//	  mode: none
type Settings struct {
	Retrieval  RetrievalSettings  `yaml:"retrieval" json:"retrieval"`
	Scoring    ScoringSettings    `yaml:"scoring" json:"scoring"`
	Fusion     FusionSettings     `yaml:"fusion" json:"fusion"`
	Rerank     RerankSettings     `yaml:"rerank" json:"rerank"`
	Chat       ChatSettings       `yaml:"chat" json:"chat"`
	Generation GenerationSettings `yaml:"generation" json:"generation"`
}

// RetrievalSettings selects legs and sizes the candidate flow.
type RetrievalSettings struct {
	EnableVector *bool `yaml:"enable_vector" json:"enable_vector"`
	EnableSparse *bool `yaml:"enable_sparse" json:"enable_sparse"`
	EnableGraph  *bool `yaml:"enable_graph" json:"enable_graph"`

	FinalK              int     `yaml:"final_k" json:"final_k"`
	TopkDense           int     `yaml:"topk_dense" json:"topk_dense"`
	TopkSparse          int     `yaml:"topk_sparse" json:"topk_sparse"`
	TopkGraph           int     `yaml:"topk_graph" json:"topk_graph"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	MaxHops             int     `yaml:"max_hops" json:"max_hops"`

	// Hydration controls content loading for fused candidates:
	// lazy fills only candidates that reached the reranker pool without
	// content, eager fills all of them, none skips loading entirely.
	Hydration         string `yaml:"hydration" json:"hydration"`
	HydrationMaxChars int    `yaml:"hydration_max_chars" json:"hydration_max_chars"`

	QueryExpansion bool `yaml:"query_expansion" json:"query_expansion"`
	MultiQueryM    int  `yaml:"multi_query_m" json:"multi_query_m"`

	// ChunkSize and ChunkOverlap describe the indexer's chunking and are
	// validated here because retrieval trusts them for line math.
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
}

func (s *RetrievalSettings) SetDefaults() {
	if s.EnableVector == nil {
		v := true
		s.EnableVector = &v
	}
	if s.EnableSparse == nil {
		v := true
		s.EnableSparse = &v
	}
	if s.EnableGraph == nil {
		v := true
		s.EnableGraph = &v
	}
	if s.FinalK == 0 {
		s.FinalK = 10
	}
	if s.TopkDense == 0 {
		s.TopkDense = 50
	}
	if s.TopkSparse == 0 {
		s.TopkSparse = 50
	}
	if s.TopkGraph == 0 {
		s.TopkGraph = 25
	}
	if s.SimilarityThreshold == 0 {
		s.SimilarityThreshold = 0.25
	}
	if s.MaxHops == 0 {
		s.MaxHops = 2
	}
	if s.Hydration == "" {
		s.Hydration = "lazy"
	}
	if s.HydrationMaxChars == 0 {
		s.HydrationMaxChars = 2000
	}
	if s.MultiQueryM == 0 {
		s.MultiQueryM = 3
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = 1200
	}
	if s.ChunkOverlap == 0 {
		s.ChunkOverlap = 200
	}
}

func (s *RetrievalSettings) Validate() error {
	if s.FinalK < 1 || s.FinalK > 100 {
		return fmt.Errorf("final_k must be in [1, 100], got %d", s.FinalK)
	}
	if s.MaxHops < 1 || s.MaxHops > 5 {
		return fmt.Errorf("max_hops must be in [1, 5], got %d", s.MaxHops)
	}
	switch s.Hydration {
	case "lazy", "eager", "none":
	default:
		return fmt.Errorf("hydration must be lazy, eager, or none, got %q", s.Hydration)
	}
	if s.ChunkOverlap >= s.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)",
			s.ChunkOverlap, s.ChunkSize)
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0, 1], got %g", s.SimilarityThreshold)
	}
	return nil
}

// ScoringSettings tunes the per-leg score functions.
type ScoringSettings struct {
	Tokenizer string  `yaml:"tokenizer" json:"tokenizer"`
	BM25K1    float64 `yaml:"bm25_k1" json:"bm25_k1"`
	BM25B     float64 `yaml:"bm25_b" json:"bm25_b"`
	MaxTerms  int     `yaml:"max_terms" json:"max_terms"`

	FilenameBoostExact   float64 `yaml:"filename_boost_exact" json:"filename_boost_exact"`
	FilenameBoostPartial float64 `yaml:"filename_boost_partial" json:"filename_boost_partial"`

	GraphBaseBoost   float64 `yaml:"graph_base_boost" json:"graph_base_boost"`
	GraphDecay       float64 `yaml:"graph_decay" json:"graph_decay"`
	GraphDirectBoost float64 `yaml:"graph_direct_boost" json:"graph_direct_boost"`

	ASTCallsWeight    float64 `yaml:"ast_calls_weight" json:"ast_calls_weight"`
	ASTImportsWeight  float64 `yaml:"ast_imports_weight" json:"ast_imports_weight"`
	ASTInheritsWeight float64 `yaml:"ast_inherits_weight" json:"ast_inherits_weight"`
	ASTContainsWeight float64 `yaml:"ast_contains_weight" json:"ast_contains_weight"`

	LayerBonusesEnabled bool                          `yaml:"layer_bonuses_enabled" json:"layer_bonuses_enabled"`
	LayerMatrix         map[string]map[string]float64 `yaml:"layer_matrix" json:"layer_matrix"`
	PathLayers          []PathLayerRule               `yaml:"path_layers" json:"path_layers"`
	PathBoosts          []PathBoost                   `yaml:"path_boosts" json:"path_boosts"`
	VendorPenalty       float64                       `yaml:"vendor_penalty" json:"vendor_penalty"`
	VendorPrefixes      []string                      `yaml:"vendor_prefixes" json:"vendor_prefixes"`
}

// PathLayerRule assigns an architectural layer to chunks whose file path
// starts with Prefix. First match wins.
type PathLayerRule struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Layer  string `yaml:"layer" json:"layer"`
}

// PathBoost is an additive bonus for chunks under Prefix, converted to a
// multiplicative factor as 1 + bonus.
type PathBoost struct {
	Prefix string  `yaml:"prefix" json:"prefix"`
	Bonus  float64 `yaml:"bonus" json:"bonus"`
}

func (s *ScoringSettings) SetDefaults() {
	if s.Tokenizer == "" {
		s.Tokenizer = "lowercase"
	}
	if s.BM25K1 == 0 {
		s.BM25K1 = 1.6
	}
	if s.BM25B == 0 {
		s.BM25B = 0.75
	}
	if s.MaxTerms == 0 {
		s.MaxTerms = 8
	}
	if s.FilenameBoostExact == 0 {
		s.FilenameBoostExact = 2.0
	}
	if s.FilenameBoostPartial == 0 {
		s.FilenameBoostPartial = 1.3
	}
	if s.GraphBaseBoost == 0 {
		s.GraphBaseBoost = 1.0
	}
	if s.GraphDecay == 0 {
		s.GraphDecay = 0.7
	}
	if s.GraphDirectBoost == 0 {
		s.GraphDirectBoost = 1.5
	}
	if s.ASTCallsWeight == 0 {
		s.ASTCallsWeight = 0.9
	}
	if s.ASTImportsWeight == 0 {
		s.ASTImportsWeight = 0.8
	}
	if s.ASTInheritsWeight == 0 {
		s.ASTInheritsWeight = 0.85
	}
	if s.ASTContainsWeight == 0 {
		s.ASTContainsWeight = 0.95
	}
	if s.VendorPenalty == 0 {
		s.VendorPenalty = -0.25
	}
	if s.VendorPrefixes == nil {
		s.VendorPrefixes = []string{"vendor/", "node_modules/", "third_party/"}
	}
}

func (s *ScoringSettings) Validate() error {
	switch s.Tokenizer {
	case "whitespace", "lowercase", "stem":
	default:
		return fmt.Errorf("tokenizer must be whitespace, lowercase, or stem, got %q", s.Tokenizer)
	}
	if s.BM25K1 <= 0 {
		return fmt.Errorf("bm25_k1 must be positive, got %g", s.BM25K1)
	}
	if s.BM25B < 0 || s.BM25B > 1 {
		return fmt.Errorf("bm25_b must be in [0, 1], got %g", s.BM25B)
	}
	if s.FilenameBoostExact < 1 || s.FilenameBoostPartial < 1 {
		return fmt.Errorf("filename boosts must be >= 1, got exact=%g partial=%g",
			s.FilenameBoostExact, s.FilenameBoostPartial)
	}
	if s.GraphDecay <= 0 || s.GraphDecay > 1 {
		return fmt.Errorf("graph_decay must be in (0, 1], got %g", s.GraphDecay)
	}
	if s.GraphDirectBoost < 1 {
		return fmt.Errorf("graph_direct_boost must be >= 1, got %g", s.GraphDirectBoost)
	}
	if s.VendorPenalty < -1 {
		return fmt.Errorf("vendor_penalty must be >= -1, got %g", s.VendorPenalty)
	}
	return nil
}

// EdgeWeight returns the configured traversal weight for a relation type.
// Unconfigured relation kinds traverse at full weight.
func (s *ScoringSettings) EdgeWeight(relationType string) float64 {
	switch relationType {
	case "calls", "CALLS":
		return s.ASTCallsWeight
	case "imports", "IMPORTS":
		return s.ASTImportsWeight
	case "inherits", "INHERITS":
		return s.ASTInheritsWeight
	case "contains", "CONTAINS":
		return s.ASTContainsWeight
	default:
		return 1.0
	}
}

// FusionSettings selects the fusion method and its parameters.
type FusionSettings struct {
	Method       string  `yaml:"method" json:"method"`
	RRFK         int     `yaml:"rrf_k" json:"rrf_k"`
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
	BM25Weight   float64 `yaml:"bm25_weight" json:"bm25_weight"`
	GraphWeight  float64 `yaml:"graph_weight" json:"graph_weight"`
}

func (s *FusionSettings) SetDefaults() {
	if s.Method == "" {
		s.Method = "rrf"
	}
	if s.RRFK == 0 {
		s.RRFK = 60
	}
	if s.VectorWeight == 0 && s.BM25Weight == 0 {
		s.VectorWeight = 0.7
		s.BM25Weight = 0.3
	}
	if s.GraphWeight == 0 {
		s.GraphWeight = 0.25
	}
}

// Normalize rescales bm25_weight and vector_weight to sum to 1. Drift is
// corrected silently; a zero total resets to the (0.3, 0.7) defaults.
func (s *FusionSettings) Normalize() {
	total := s.BM25Weight + s.VectorWeight
	if total <= 0 {
		s.BM25Weight = 0.3
		s.VectorWeight = 0.7
		return
	}
	s.BM25Weight /= total
	s.VectorWeight /= total
}

func (s *FusionSettings) Validate() error {
	switch s.Method {
	case "rrf", "weighted":
	default:
		return fmt.Errorf("method must be rrf or weighted, got %q", s.Method)
	}
	if s.RRFK < 1 || s.RRFK > 200 {
		return fmt.Errorf("rrf_k must be in [1, 200], got %d", s.RRFK)
	}
	if s.BM25Weight < 0 || s.VectorWeight < 0 || s.GraphWeight < 0 {
		return fmt.Errorf("fusion weights must be non-negative")
	}
	return nil
}

// RerankSettings configures the optional rerank stage.
type RerankSettings struct {
	Mode string `yaml:"mode" json:"mode"`

	// TopN is the fused-candidate pool handed to the reranker,
	// typically 2-4x final_k.
	TopN int `yaml:"topn" json:"topn"`

	// Endpoint is the local cross-encoder inference server used by the
	// local and learning modes.
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Model     string `yaml:"model" json:"model"`
	BaseModel string `yaml:"base_model" json:"base_model"`

	// ArtifactDir is the root for corpus-scoped fine-tuned adapters
	// (learning mode): <artifact_dir>/<corpus_id>/model.safetensors.
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir"`

	BatchSize  int           `yaml:"batch_size" json:"batch_size"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	IdleUnload time.Duration `yaml:"idle_unload" json:"idle_unload"`
}

func (s *RerankSettings) SetDefaults() {
	if s.Mode == "" {
		s.Mode = "none"
	}
	if s.TopN == 0 {
		s.TopN = 40
	}
	if s.Model == "" {
		s.Model = "rerank-english-v3.0"
	}
	if s.BaseModel == "" {
		s.BaseModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	}
	if s.BatchSize == 0 {
		s.BatchSize = 16
	}
	if s.Timeout == 0 {
		s.Timeout = 10 * time.Second
	}
	if s.IdleUnload == 0 {
		s.IdleUnload = 10 * time.Minute
	}
}

func (s *RerankSettings) Validate() error {
	switch s.Mode {
	case "none", "local", "learning", "cloud":
	default:
		return fmt.Errorf("mode must be none, local, learning, or cloud, got %q", s.Mode)
	}
	if s.TopN < 1 || s.TopN > 400 {
		return fmt.Errorf("topn must be in [1, 400], got %d", s.TopN)
	}
	return nil
}

// ChatSettings drives the recall gate and conversation-scoped retrieval.
type ChatSettings struct {
	RecallGateEnabled *bool  `yaml:"recall_gate_enabled" json:"recall_gate_enabled"`
	RecallCorpus      string `yaml:"recall_corpus" json:"recall_corpus"`

	LightTopK    int `yaml:"light_top_k" json:"light_top_k"`
	StandardTopK int `yaml:"standard_top_k" json:"standard_top_k"`
	DeepTopK     int `yaml:"deep_top_k" json:"deep_top_k"`

	DefaultRecencyWeight float64 `yaml:"default_recency_weight" json:"default_recency_weight"`
	DeepRecencyWeight    float64 `yaml:"deep_recency_weight" json:"deep_recency_weight"`

	HistoryMaxTurns int `yaml:"history_max_turns" json:"history_max_turns"`
}

func (s *ChatSettings) SetDefaults() {
	if s.RecallGateEnabled == nil {
		v := true
		s.RecallGateEnabled = &v
	}
	if s.LightTopK == 0 {
		s.LightTopK = 3
	}
	if s.StandardTopK == 0 {
		s.StandardTopK = 6
	}
	if s.DeepTopK == 0 {
		s.DeepTopK = 12
	}
	if s.DefaultRecencyWeight == 0 {
		s.DefaultRecencyWeight = 0.2
	}
	if s.DeepRecencyWeight == 0 {
		s.DeepRecencyWeight = 0.5
	}
	if s.HistoryMaxTurns == 0 {
		s.HistoryMaxTurns = 20
	}
}

// GenerationSettings shapes the LLM call made by the answer composer.
type GenerationSettings struct {
	SystemPrompt       string  `yaml:"system_prompt" json:"system_prompt"`
	ModelOverride      string  `yaml:"model_override" json:"model_override"`
	MaxTokens          int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature        float64 `yaml:"temperature" json:"temperature"`
	ContextTokenBudget int     `yaml:"context_token_budget" json:"context_token_budget"`
	IncludeCitations   *bool   `yaml:"include_citations" json:"include_citations"`
}

func (s *GenerationSettings) SetDefaults() {
	if s.SystemPrompt == "" {
		s.SystemPrompt = "You are a code-aware assistant. Answer using only the provided context. " +
			"Cite file paths and line ranges for every claim. If the context is insufficient, say so."
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = 1024
	}
	if s.Temperature == 0 {
		s.Temperature = 0.2
	}
	if s.ContextTokenBudget == 0 {
		s.ContextTokenBudget = 6000
	}
	if s.IncludeCitations == nil {
		v := true
		s.IncludeCitations = &v
	}
}

func (s *Settings) SetDefaults() {
	s.Retrieval.SetDefaults()
	s.Scoring.SetDefaults()
	s.Fusion.SetDefaults()
	s.Rerank.SetDefaults()
	s.Chat.SetDefaults()
	s.Generation.SetDefaults()
}

// Normalize applies the load-time corrections that never hard-fail.
func (s *Settings) Normalize() {
	s.Fusion.Normalize()
}

func (s *Settings) Validate() error {
	if err := s.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := s.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring: %w", err)
	}
	if err := s.Fusion.Validate(); err != nil {
		return fmt.Errorf("fusion: %w", err)
	}
	if err := s.Rerank.Validate(); err != nil {
		return fmt.Errorf("rerank: %w", err)
	}
	return nil
}

// Clone returns a deep copy safe to hand to request code while the
// resolver cache keeps its own copy.
func (s *Settings) Clone() *Settings {
	out := *s

	out.Retrieval.EnableVector = cloneBool(s.Retrieval.EnableVector)
	out.Retrieval.EnableSparse = cloneBool(s.Retrieval.EnableSparse)
	out.Retrieval.EnableGraph = cloneBool(s.Retrieval.EnableGraph)
	out.Chat.RecallGateEnabled = cloneBool(s.Chat.RecallGateEnabled)
	out.Generation.IncludeCitations = cloneBool(s.Generation.IncludeCitations)

	if s.Scoring.LayerMatrix != nil {
		out.Scoring.LayerMatrix = make(map[string]map[string]float64, len(s.Scoring.LayerMatrix))
		for intent, layers := range s.Scoring.LayerMatrix {
			inner := make(map[string]float64, len(layers))
			for layer, bonus := range layers {
				inner[layer] = bonus
			}
			out.Scoring.LayerMatrix[intent] = inner
		}
	}
	out.Scoring.PathLayers = append([]PathLayerRule(nil), s.Scoring.PathLayers...)
	out.Scoring.PathBoosts = append([]PathBoost(nil), s.Scoring.PathBoosts...)
	out.Scoring.VendorPrefixes = append([]string(nil), s.Scoring.VendorPrefixes...)

	return &out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Enabled helpers; nil pointers read as true after SetDefaults but the
// helpers stay safe on raw documents.

func (s *RetrievalSettings) VectorEnabled() bool {
	return s.EnableVector == nil || *s.EnableVector
}

func (s *RetrievalSettings) SparseEnabled() bool {
	return s.EnableSparse == nil || *s.EnableSparse
}

func (s *RetrievalSettings) GraphEnabled() bool {
	return s.EnableGraph == nil || *s.EnableGraph
}

func (s *ChatSettings) GateEnabled() bool {
	return s.RecallGateEnabled == nil || *s.RecallGateEnabled
}

func (s *GenerationSettings) CitationsEnabled() bool {
	return s.IncludeCitations == nil || *s.IncludeCitations
}
