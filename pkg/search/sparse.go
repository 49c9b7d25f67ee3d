package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

// runSparseLeg walks the three-stage lexical fallback:
//
//  1. plain conjunctive FTS over the raw query;
//  2. if empty, a relaxed OR query over the deduplicated token set
//     (expansion variants contribute extra terms);
//  3. if still empty and the query is filename-like, a file-path search
//     over the same tokens.
//
// FTS rank only recalls candidates; the leg score is BM25 computed here
// over the candidate set with the configured (k1, b). Every hit records
// which engine produced it.
func (e *Engine) runSparseLeg(ctx context.Context, plan *Plan) ([]ChunkMatch, error) {
	ret := plan.Settings.Retrieval
	scoring := plan.Settings.Scoring

	terms := dedupeTokens(plan.Tokens, scoring.MaxTerms)

	engine := SparseEngineFTS
	candidates, err := e.sparseRecall(ctx, plan, func(corpusID string) ([]postgres.Chunk, error) {
		return e.chunks.FTSPlain(ctx, corpusID, plan.Query, ret.TopkSparse)
	})
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 && len(terms) > 0 {
		relaxedTerms := dedupeTokens(append(append([]string{}, plan.Tokens...), plan.VariantTokens...), scoring.MaxTerms)
		engine = SparseEngineRelaxedOR
		terms = relaxedTerms
		candidates, err = e.sparseRecall(ctx, plan, func(corpusID string) ([]postgres.Chunk, error) {
			return e.chunks.FTSRelaxedOR(ctx, corpusID, relaxedTerms, ret.TopkSparse)
		})
		if err != nil {
			return nil, err
		}
	}

	if len(candidates) == 0 && looksLikeFilename(plan.Query) && len(terms) > 0 {
		engine = SparseEngineFilePath
		pattern := postgres.FilePathPattern(terms)
		candidates, err = e.sparseRecall(ctx, plan, func(corpusID string) ([]postgres.Chunk, error) {
			return e.chunks.SearchByFilePath(ctx, corpusID, pattern, ret.TopkSparse)
		})
		if err != nil {
			return nil, err
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	matches := make([]ChunkMatch, 0, len(candidates))
	for _, c := range candidates {
		m := matchFromChunk(c, SourceSparse)
		m.setMeta("sparse_engine", engine)
		m.setMeta("sparse_relaxed", engine == SparseEngineRelaxedOR)
		matches = append(matches, m)
	}

	// File-path hits carry no ranked text signal; they keep the store's
	// constant score and rely on the filename boost below.
	if engine != SparseEngineFilePath {
		rescoreBM25(matches, terms, scoring)
	}

	if looksLikeFilename(plan.Query) {
		applyFilenameBoosts(matches, plan.Tokens, scoring)
	}

	sortMatches(matches)
	if len(matches) > ret.TopkSparse {
		matches = matches[:ret.TopkSparse]
	}
	return matches, nil
}

// sparseRecall runs one fallback stage across every requested corpus.
func (e *Engine) sparseRecall(ctx context.Context, plan *Plan, stage func(corpusID string) ([]postgres.Chunk, error)) ([]postgres.Chunk, error) {
	var out []postgres.Chunk
	for _, corpusID := range plan.CorpusIDs {
		chunks, err := stage(corpusID)
		if err != nil {
			return nil, fmt.Errorf("sparse search failed for corpus %s: %w", corpusID, err)
		}
		out = append(out, chunks...)
	}
	return out, nil
}

// applyFilenameBoosts multiplies the filename factor into each leg score
// and records it so fusion can carry the boost into the fused score
// (rank-based fusion would otherwise erase it). Exact basename matches
// beat path-component matches; both factors are >= 1.
func applyFilenameBoosts(matches []ChunkMatch, tokens []string, scoring config.ScoringSettings) {
	for i := range matches {
		m := &matches[i]
		factor := filenameBoost(m.FilePath, tokens, scoring)
		if factor <= 1 {
			continue
		}
		m.Score *= factor
		m.setMeta("filename_boost", factor)
	}
}

func filenameBoost(filePath string, tokens []string, scoring config.ScoringSettings) float64 {
	if filePath == "" || len(tokens) == 0 {
		return 1.0
	}
	base := baseName(filePath)
	for _, tok := range tokens {
		if strings.EqualFold(tok, base) {
			return scoring.FilenameBoostExact
		}
	}
	components := pathComponents(filePath)
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		for _, comp := range components {
			if comp == lower {
				return scoring.FilenameBoostPartial
			}
		}
	}
	return 1.0
}
