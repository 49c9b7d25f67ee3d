package search

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/llm"
	"github.com/tribridrag/tribrid/pkg/logger"
	"github.com/tribridrag/tribrid/pkg/observability"
	"github.com/tribridrag/tribrid/pkg/rerank"
	"github.com/tribridrag/tribrid/pkg/storage/graphdb"
	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

// ChunkStore is the slice of the relational store the engine consumes.
// *postgres.Store satisfies it.
type ChunkStore interface {
	VectorSearch(ctx context.Context, corpusID string, embedding []float32, limit int, threshold float64) ([]postgres.Chunk, error)
	FTSPlain(ctx context.Context, corpusID, query string, limit int) ([]postgres.Chunk, error)
	FTSRelaxedOR(ctx context.Context, corpusID string, tokens []string, limit int) ([]postgres.Chunk, error)
	SearchByFilePath(ctx context.Context, corpusID, pattern string, limit int) ([]postgres.Chunk, error)
	GetChunks(ctx context.Context, corpusID string, chunkIDs []string, maxChars int) (map[string]postgres.Chunk, error)
	ChunksBySpan(ctx context.Context, corpusID, filePath string, startLine, endLine int) ([]postgres.Chunk, error)
}

// GraphStore is the slice of the graph store the engine consumes.
// *graphdb.Store satisfies it.
type GraphStore interface {
	TraverseFromTokens(ctx context.Context, corpusID string, tokens []string, maxHops int, weights map[string]float64) ([]graphdb.EntityHit, error)
	EntityChunks(ctx context.Context, corpusID string, entityIDs []string) (map[string][]string, error)
}

// Embedder turns query text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RerankerFactory resolves the reranker implementation for a corpus
// under its settings. *rerank.Selector is the production factory.
type RerankerFactory interface {
	For(cfg config.RerankSettings, corpusID string) rerank.Reranker
}

// Engine runs the retrieval pipeline: resolve settings, plan, dispatch
// legs, fuse, hydrate, apply bonuses and the reranker, truncate. One
// engine serves all corpora and is safe for concurrent use.
type Engine struct {
	resolver   *Resolver
	chunks     ChunkStore
	graph      GraphStore
	embedder   Embedder
	rerankers  RerankerFactory
	metrics    observability.Metrics
	logger     *slog.Logger
	legTimeout time.Duration
}

// EngineConfig collects the engine dependencies. Graph, Embedder, and
// Rerankers may be nil: the corresponding legs and stages then record a
// degradation instead of running.
type EngineConfig struct {
	Resolver   *Resolver
	Chunks     ChunkStore
	Graph      GraphStore
	Embedder   Embedder
	Rerankers  RerankerFactory
	Metrics    observability.Metrics
	LegTimeout time.Duration
}

func NewEngine(cfg EngineConfig) *Engine {
	m := cfg.Metrics
	if m == nil {
		m = observability.NoopMetrics{}
	}
	return &Engine{
		resolver:   cfg.Resolver,
		chunks:     cfg.Chunks,
		graph:      cfg.Graph,
		embedder:   cfg.Embedder,
		rerankers:  cfg.Rerankers,
		metrics:    m,
		logger:     logger.GetLogger().With("component", "search"),
		legTimeout: cfg.LegTimeout,
	}
}

// Resolver exposes the settings resolver so handlers can serve and
// mutate corpus configuration through the same cache the engine reads.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Search executes one retrieval request. Leg and reranker failures
// degrade into the debug block; the returned error is only non-nil for
// request shapes the edge maps to 4xx (validation, unknown corpus) or a
// cancelled context.
func (e *Engine) Search(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		e.metrics.RecordSearch(ctx, time.Since(start), err)
		return nil, err
	}

	tracer := observability.GetTracer("tribrid/search")
	ctx, span := tracer.Start(ctx, "search")
	defer span.End()

	settings, err := e.resolver.Resolve(ctx, req.CorpusIDs[0])
	switch {
	case err == nil:
	case errors.Is(err, postgres.ErrCorpusNotFound):
		e.metrics.RecordSearch(ctx, time.Since(start), err)
		return nil, err
	default:
		// Config store unreachable. Plan against global defaults; the
		// legs that share the store will report their own failures.
		e.logger.Warn("Config resolution failed, planning with defaults",
			"corpus_id", req.CorpusIDs[0], "error", err)
		settings = e.resolver.Defaults()
	}

	plan := BuildPlan(req, settings)
	if req.RecallIntensity != "" {
		DecisionForIntensity(req.RecallIntensity, settings.Chat).Apply(plan)
	}

	result := &Result{
		Matches: []ChunkMatch{},
		Debug: FusionDebug{
			VectorEnabled:     settings.Retrieval.VectorEnabled(),
			SparseEnabled:     settings.Retrieval.SparseEnabled(),
			GraphEnabled:      settings.Retrieval.GraphEnabled(),
			FusionMethod:      plan.FusionMethod,
			FinalK:            plan.FinalK,
			ExpansionVariants: plan.Variants,
			Intent:            plan.Intent,
			RecallIntensity:   plan.Intensity,
		},
	}

	if plan.ActiveLegs() == 0 {
		e.metrics.RecordSearch(ctx, time.Since(start), nil)
		return result, nil
	}

	outcomes := e.dispatch(ctx, plan)
	legs := e.recordOutcomes(outcomes, plan, &result.Debug)

	fused := fuse(plan, legs)
	result.Debug.Confidence = 0
	if len(fused) > 0 {
		result.Debug.Confidence = confidence(plan.FusionMethod, fused[0].Score, plan.ActiveLegs(), settings.Fusion.RRFK)
	}

	pool := settings.Rerank.TopN
	if pool < plan.FinalK {
		pool = plan.FinalK
	}
	if len(fused) > pool {
		fused = fused[:pool]
	}

	e.hydrate(ctx, plan, fused)
	applyBonuses(fused, plan)
	fused = e.applyRerank(ctx, plan, fused, &result.Debug.Rerank)

	if len(fused) > plan.FinalK {
		fused = fused[:plan.FinalK]
	}
	result.Matches = fused
	result.Debug.TopScore = 0
	if len(fused) > 0 {
		result.Debug.TopScore = fused[0].Score
	}
	result.Debug.AvgTop5Score = avgTopN(fused, 5)

	e.metrics.RecordSearch(ctx, time.Since(start), nil)
	return result, nil
}

// recordOutcomes fills the per-leg debug fields and returns the leg
// match lists in (vector, sparse, graph) order for fusion, skipping legs
// that did not run.
func (e *Engine) recordOutcomes(outcomes map[string]*legOutcome, plan *Plan, debug *FusionDebug) [][]ChunkMatch {
	var legs [][]ChunkMatch

	if o := outcomes[observability.LegVector]; o != nil {
		debug.VectorAttempted = true
		debug.VectorError = o.errorMessage()
		debug.VectorResults = len(o.matches)
		if len(o.matches) > 0 {
			legs = append(legs, o.matches)
		}
	} else {
		debug.VectorAttempted = plan.Vector
	}

	if o := outcomes[observability.LegSparse]; o != nil {
		debug.SparseAttempted = true
		debug.SparseError = o.errorMessage()
		debug.SparseResults = len(o.matches)
		if len(o.matches) > 0 {
			legs = append(legs, o.matches)
		}
	} else {
		debug.SparseAttempted = plan.Sparse
	}

	if o := outcomes[observability.LegGraph]; o != nil {
		debug.GraphAttempted = true
		debug.GraphError = o.errorMessage()
		debug.GraphResults = len(o.matches)
		if len(o.matches) > 0 {
			legs = append(legs, o.matches)
		}
	} else {
		debug.GraphAttempted = plan.Graph
	}

	return legs
}

// hydrate fills chunk content and metadata per the configured mode:
// lazy reads only chunks the legs returned without content, eager
// refreshes every match, none skips store reads entirely. Content is
// bounded by hydration_max_chars in all modes. Hydration failures
// degrade silently to whatever the legs carried.
func (e *Engine) hydrate(ctx context.Context, plan *Plan, matches []ChunkMatch) {
	ret := plan.Settings.Retrieval
	mode := ret.Hydration
	maxChars := ret.HydrationMaxChars

	if mode != "none" {
		byCorpus := make(map[string][]string)
		for i := range matches {
			m := &matches[i]
			if mode == "lazy" && m.Content != "" {
				continue
			}
			byCorpus[m.CorpusID] = append(byCorpus[m.CorpusID], m.ChunkID)
		}
		for corpusID, ids := range byCorpus {
			rows, err := e.chunks.GetChunks(ctx, corpusID, ids, maxChars)
			if err != nil {
				e.logger.Warn("Chunk hydration failed",
					"corpus_id", corpusID, "chunks", len(ids), "error", err)
				continue
			}
			for i := range matches {
				m := &matches[i]
				if m.CorpusID != corpusID {
					continue
				}
				row, ok := rows[m.ChunkID]
				if !ok {
					continue
				}
				if m.Content == "" || mode == "eager" {
					m.Content = row.Content
				}
				if m.FilePath == "" {
					m.FilePath = row.FilePath
					m.StartLine = row.StartLine
					m.EndLine = row.EndLine
				}
				if m.Language == "" {
					m.Language = row.Language
				}
				if m.TokenCount == 0 {
					m.TokenCount = row.TokenCount
				}
				if m.Summary == "" {
					m.Summary = row.Summary
				}
				for k, v := range row.Metadata {
					if _, exists := m.Metadata[k]; !exists {
						m.setMeta(k, v)
					}
				}
			}
		}
	}

	if maxChars > 0 {
		for i := range matches {
			matches[i].Content = truncateRunes(matches[i].Content, maxChars)
		}
	}
}

// applyRerank runs the configured reranker over the fused pool. Failures
// and skips preserve fusion order; when the reranker applies, its scores
// replace the fused scores and the fused score moves to metadata.
func (e *Engine) applyRerank(ctx context.Context, plan *Plan, matches []ChunkMatch, info *RerankDebugInfo) []ChunkMatch {
	cfg := plan.Settings.Rerank
	if len(matches) == 0 || cfg.Mode == "" || cfg.Mode == rerank.ModeNone {
		return matches
	}
	if e.rerankers == nil {
		info.SkippedReason = "reranker not configured"
		return matches
	}
	r := e.rerankers.For(cfg, plan.CorpusIDs[0])
	if r == nil {
		info.SkippedReason = "reranker not configured"
		return matches
	}

	docs := make([]rerank.Document, len(matches))
	for i, m := range matches {
		text := m.Content
		if text == "" {
			text = m.Summary
		}
		if text == "" {
			text = m.FilePath
		}
		docs[i] = rerank.Document{ID: m.ChunkID, Content: text}
	}

	res, err := r.Rerank(ctx, plan.Query, docs)
	if err != nil {
		info.Error = true
		info.ErrorMessage = llm.Redact(err.Error())
		var perr *rerank.ProviderError
		if errors.As(err, &perr) {
			info.DebugTraceID = perr.TraceID
		}
		e.logger.Warn("Reranker failed, preserving fusion order",
			"mode", cfg.Mode, "error", info.ErrorMessage)
		return matches
	}
	if !res.Applied {
		info.SkippedReason = res.SkippedReason
		return matches
	}

	info.Applied = true
	info.CandidatesReranked = len(docs)
	info.Model = res.Model

	rankings := make([]rerank.Ranking, len(res.Rankings))
	copy(rankings, res.Rankings)
	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].Score != rankings[j].Score {
			return rankings[i].Score > rankings[j].Score
		}
		return rankings[i].Index < rankings[j].Index
	})

	out := make([]ChunkMatch, 0, len(matches))
	seen := make(map[int]bool, len(rankings))
	for _, rk := range rankings {
		if rk.Index < 0 || rk.Index >= len(matches) || seen[rk.Index] {
			continue
		}
		seen[rk.Index] = true
		m := matches[rk.Index]
		m.setMeta("pre_rerank_score", m.Score)
		m.Score = rk.Score
		out = append(out, m)
	}
	// Candidates the provider did not rank keep fusion order behind the
	// ranked ones.
	for i, m := range matches {
		if !seen[i] {
			out = append(out, m)
		}
	}
	return out
}

func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
