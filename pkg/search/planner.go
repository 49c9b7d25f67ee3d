package search

import (
	"strings"

	"github.com/tribridrag/tribrid/pkg/config"
)

// Plan is the planner output consumed by the dispatcher: which legs run,
// how many results survive, and the expansion material for the sparse
// stage. A Plan is immutable once built.
type Plan struct {
	Query     string
	CorpusIDs []string

	// Tokens is the canonical query tokenized with the corpus tokenizer.
	Tokens []string

	// Variants are deterministic synonym rewrites of the query. The
	// original query stays canonical; variants only widen the sparse
	// relaxed-OR stage and are reported in debug.
	Variants []string

	// VariantTokens are the extra tokens variants contribute.
	VariantTokens []string

	Vector bool
	Sparse bool
	Graph  bool

	FinalK       int
	FusionMethod string

	Intent string

	// Recall gate outcome, set only on the chat path.
	Intensity     string
	RecencyWeight float64

	Settings *config.Settings
}

// ActiveLegs counts the legs this plan will dispatch.
func (p *Plan) ActiveLegs() int {
	n := 0
	for _, on := range []bool{p.Vector, p.Sparse, p.Graph} {
		if on {
			n++
		}
	}
	return n
}

// BuildPlan derives the execution plan for a request under resolved
// settings: active legs are the requested set intersected with the
// corpus configuration, final_k honors the request override clamped to
// [1, 100], and expansion variants come from the synonym table.
func BuildPlan(req *Request, settings *config.Settings) *Plan {
	ret := settings.Retrieval

	plan := &Plan{
		Query:        req.Query,
		CorpusIDs:    req.CorpusIDs,
		Tokens:       Tokenize(req.Query, settings.Scoring.Tokenizer),
		Vector:       requested(req.IncludeVector) && ret.VectorEnabled(),
		Sparse:       requested(req.IncludeSparse) && ret.SparseEnabled(),
		Graph:        requested(req.IncludeGraph) && ret.GraphEnabled(),
		FinalK:       ret.FinalK,
		FusionMethod: settings.Fusion.Method,
		Intent:       req.Intent,
		Settings:     settings,
	}

	if req.TopK > 0 {
		plan.FinalK = clampInt(req.TopK, 1, 100)
	}
	if req.FusionMethod != "" {
		plan.FusionMethod = req.FusionMethod
	}
	if plan.Intent == "" {
		plan.Intent = classifyIntent(plan.Tokens)
	}

	if ret.QueryExpansion {
		plan.Variants = expandQuery(req.Query, plan.Tokens, ret.MultiQueryM)
		for _, v := range plan.Variants {
			plan.VariantTokens = append(plan.VariantTokens,
				Tokenize(v, settings.Scoring.Tokenizer)...)
		}
		plan.VariantTokens = dedupeTokens(plan.VariantTokens, 0)
	}

	return plan
}

func requested(flag *bool) bool {
	return flag == nil || *flag
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// intentRules maps query vocabulary to the intent tags the layer-bonus
// matrix is keyed by. First rule with a token hit wins; no hit leaves
// the intent empty, which disables matrix bonuses.
var intentRules = []struct {
	intent string
	words  []string
}{
	{"gui", []string{"ui", "button", "screen", "render", "widget", "frontend", "css", "layout", "component"}},
	{"indexer", []string{"indexer", "chunking", "embedding", "ingest", "ingestion", "crawler", "parser"}},
	{"eval", []string{"eval", "evaluation", "benchmark", "precision", "ndcg", "mrr", "dataset"}},
	{"infra", []string{"docker", "deploy", "deployment", "terraform", "kubernetes", "k8s", "helm", "compose"}},
	{"server", []string{"endpoint", "handler", "route", "middleware", "http", "grpc", "websocket"}},
	{"retrieval", []string{"retrieval", "ranking", "fusion", "bm25", "reranker", "recall", "rrf"}},
}

func classifyIntent(tokens []string) string {
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[strings.ToLower(tok)] = true
	}
	for _, rule := range intentRules {
		for _, w := range rule.words {
			if set[w] {
				return rule.intent
			}
		}
	}
	return ""
}

// synonymTable drives query expansion. Deterministic on purpose: no LLM
// in the planning path, same variants for the same query every time.
var synonymTable = map[string][]string{
	"auth":     {"authentication", "login"},
	"bug":      {"defect", "issue"},
	"config":   {"configuration", "settings"},
	"db":       {"database", "store"},
	"delete":   {"remove", "drop"},
	"error":    {"failure", "exception"},
	"fetch":    {"retrieve", "load"},
	"function": {"method", "routine"},
	"init":     {"initialize", "bootstrap"},
	"log":      {"logging", "trace"},
	"search":   {"lookup", "find"},
	"test":     {"spec", "check"},
	"token":    {"credential", "secret"},
	"user":     {"account", "principal"},
}

// expandQuery produces up to m single-term rewrites of the query by
// substituting synonyms, scanning tokens left to right. Substitution is
// whole-word and case-insensitive.
func expandQuery(query string, tokens []string, m int) []string {
	if m <= 0 {
		return nil
	}
	var out []string
	for _, tok := range tokens {
		syns, ok := synonymTable[strings.ToLower(tok)]
		if !ok {
			continue
		}
		for _, syn := range syns {
			if v := replaceWord(query, tok, syn); v != query {
				out = append(out, v)
				if len(out) >= m {
					return out
				}
			}
		}
	}
	return out
}

func replaceWord(query, word, with string) string {
	fields := strings.Fields(query)
	replaced := false
	for i, f := range fields {
		if strings.EqualFold(strings.Trim(f, "?.,!:;"), word) {
			fields[i] = with
			replaced = true
			break
		}
	}
	if !replaced {
		return query
	}
	return strings.Join(fields, " ")
}
