package search

import (
	"context"
	"fmt"
)

// runVectorLeg embeds the query once, then runs cosine ANN against every
// requested corpus. Leg scores are cosine similarities; the store has
// already applied the similarity threshold. Content hydration is left to
// the fusion stage.
func (e *Engine) runVectorLeg(ctx context.Context, plan *Plan) ([]ChunkMatch, error) {
	if e.embedder == nil {
		return nil, fmt.Errorf("embedding provider not configured")
	}
	ret := plan.Settings.Retrieval

	embedding, err := e.embedder.Embed(ctx, plan.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var out []ChunkMatch
	for _, corpusID := range plan.CorpusIDs {
		chunks, err := e.chunks.VectorSearch(ctx, corpusID, embedding, ret.TopkDense, ret.SimilarityThreshold)
		if err != nil {
			return nil, fmt.Errorf("vector search failed for corpus %s: %w", corpusID, err)
		}
		for _, c := range chunks {
			out = append(out, matchFromChunk(c, SourceVector))
		}
	}

	// Per-corpus lists are already ordered; re-rank the merged list so
	// multi-corpus requests stay score-descending.
	sortMatches(out)
	if len(out) > ret.TopkDense {
		out = out[:ret.TopkDense]
	}
	return out, nil
}
