package search

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tribridrag/tribrid/pkg/storage/graphdb"
)

// maxEntityNames bounds the matched_entities metadata list per chunk.
const maxEntityNames = 8

// runGraphLeg traverses the entity graph from query-token seeds and
// hydrates reached entities to chunks. An entity's contribution is
//
//	graph_base_boost * graph_decay^hops * path_weight
//
// with direct matches additionally multiplied by graph_direct_boost. A
// chunk reached by several entities scores the max contribution, not the
// sum, so high fan-out entities cannot dominate.
func (e *Engine) runGraphLeg(ctx context.Context, plan *Plan) ([]ChunkMatch, error) {
	if e.graph == nil {
		return nil, fmt.Errorf("graph store not configured")
	}
	ret := plan.Settings.Retrieval
	scoring := plan.Settings.Scoring

	tokens := lowerTokens(plan.Tokens)
	if len(tokens) == 0 {
		return nil, nil
	}
	weights := map[string]float64{
		"calls":    scoring.ASTCallsWeight,
		"imports":  scoring.ASTImportsWeight,
		"inherits": scoring.ASTInheritsWeight,
		"contains": scoring.ASTContainsWeight,
	}

	var out []ChunkMatch
	for _, corpusID := range plan.CorpusIDs {
		matches, err := e.graphCorpus(ctx, corpusID, tokens, ret.MaxHops, weights, plan)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}

	sortMatches(out)
	if len(out) > ret.TopkGraph {
		out = out[:ret.TopkGraph]
	}
	return out, nil
}

func (e *Engine) graphCorpus(ctx context.Context, corpusID string, tokens []string, maxHops int, weights map[string]float64, plan *Plan) ([]ChunkMatch, error) {
	scoring := plan.Settings.Scoring

	hits, err := e.graph.TraverseFromTokens(ctx, corpusID, tokens, maxHops, weights)
	if err != nil {
		return nil, fmt.Errorf("graph traversal failed for corpus %s: %w", corpusID, err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	contribution := make(map[string]float64, len(hits))
	entityIDs := make([]string, 0, len(hits))
	for _, h := range hits {
		c := scoring.GraphBaseBoost * math.Pow(scoring.GraphDecay, float64(h.Hops)) * h.PathWeight
		if h.DirectMatch {
			c *= scoring.GraphDirectBoost
		}
		contribution[h.EntityID] = c
		entityIDs = append(entityIDs, h.EntityID)
	}

	edges, err := e.graph.EntityChunks(ctx, corpusID, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("chunk hydration failed for corpus %s: %w", corpusID, err)
	}

	best := make(map[string]graphdb.EntityHit)
	scoreOf := make(map[string]float64)
	names := make(map[string][]string)
	for _, h := range hits {
		chunkIDs := edges[h.EntityID]
		if len(chunkIDs) == 0 && h.FilePath != "" {
			// Entities indexed before IN_CHUNK edges existed fall back
			// to a span lookup in the relational store.
			spans, err := e.chunks.ChunksBySpan(ctx, corpusID, h.FilePath, h.StartLine, h.EndLine)
			if err != nil {
				return nil, fmt.Errorf("span hydration failed for corpus %s: %w", corpusID, err)
			}
			for _, c := range spans {
				chunkIDs = append(chunkIDs, c.ChunkID)
			}
		}
		for _, chunkID := range chunkIDs {
			if c := contribution[h.EntityID]; c > scoreOf[chunkID] || best[chunkID].EntityID == "" {
				scoreOf[chunkID] = contribution[h.EntityID]
				best[chunkID] = h
			}
			names[chunkID] = append(names[chunkID], h.Name)
		}
	}

	out := make([]ChunkMatch, 0, len(scoreOf))
	for chunkID, score := range scoreOf {
		h := best[chunkID]
		m := ChunkMatch{
			CorpusID: corpusID,
			ChunkID:  chunkID,
			FilePath: h.FilePath,
			Score:    score,
			Source:   SourceGraph,
		}
		m.setMeta("hops", h.Hops)
		m.setMeta("direct_match", h.DirectMatch)
		m.setMeta("matched_entities", dedupeTokens(names[chunkID], maxEntityNames))
		out = append(out, m)
	}
	return out, nil
}

func lowerTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, strings.ToLower(tok))
	}
	return dedupeTokens(out, 0)
}
