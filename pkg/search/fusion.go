package search

import (
	"sort"
)

// fuse combines the ordered leg lists into one ranked list. Both methods
// are deterministic: identical inputs produce identical output order,
// with ties broken by ascending chunk id. legs must arrive in (vector,
// sparse, graph) order so metadata merging is reproducible.
func fuse(plan *Plan, legs [][]ChunkMatch) []ChunkMatch {
	if plan.FusionMethod == FusionWeighted {
		return fuseWeighted(plan, legs)
	}
	return fuseRRF(plan, legs)
}

// fuseRRF sums reciprocal-rank contributions 1/(rrf_k + rank) across the
// legs that returned each chunk. Chunks present in more legs naturally
// rise; leg-local score magnitudes do not matter, only ranks.
func fuseRRF(plan *Plan, legs [][]ChunkMatch) []ChunkMatch {
	k := float64(plan.Settings.Fusion.RRFK)
	fused := make(map[string]*ChunkMatch)
	for _, leg := range legs {
		for i, m := range leg {
			entry := fusedEntry(fused, &m)
			entry.Score += 1.0 / (k + float64(i+1))
			mergeLegMatch(entry, &m, i+1)
		}
	}
	return collectFused(fused)
}

// fuseWeighted min-max normalizes each leg's scores to [0,1]
// independently, then sums w_leg * normalized. Chunks missing from a leg
// contribute nothing from it. Weights come from fusion settings and are
// normalized at config load.
func fuseWeighted(plan *Plan, legs [][]ChunkMatch) []ChunkMatch {
	fusion := plan.Settings.Fusion
	fused := make(map[string]*ChunkMatch)
	for _, leg := range legs {
		if len(leg) == 0 {
			continue
		}
		var weight float64
		switch leg[0].Source {
		case SourceVector:
			weight = fusion.VectorWeight
		case SourceSparse:
			weight = fusion.BM25Weight
		case SourceGraph:
			weight = fusion.GraphWeight
		}
		normalized := minMaxNormalize(leg)
		for i, m := range leg {
			entry := fusedEntry(fused, &m)
			entry.Score += weight * normalized[i]
			mergeLegMatch(entry, &m, i+1)
		}
	}
	return collectFused(fused)
}

func fusedEntry(fused map[string]*ChunkMatch, m *ChunkMatch) *ChunkMatch {
	if entry, ok := fused[m.key()]; ok {
		return entry
	}
	entry := &ChunkMatch{
		CorpusID: m.CorpusID,
		ChunkID:  m.ChunkID,
		Source:   SourceFused,
	}
	fused[m.key()] = entry
	return entry
}

// mergeLegMatch folds one leg hit into the fused entry: first leg to
// carry a field wins, per-leg rank and score land in metadata so debug
// consumers can see which legs agreed.
func mergeLegMatch(entry *ChunkMatch, m *ChunkMatch, rank int) {
	if entry.Content == "" {
		entry.Content = m.Content
	}
	if entry.FilePath == "" {
		entry.FilePath = m.FilePath
		entry.StartLine = m.StartLine
		entry.EndLine = m.EndLine
	}
	if entry.Language == "" {
		entry.Language = m.Language
	}
	if entry.TokenCount == 0 {
		entry.TokenCount = m.TokenCount
	}
	if entry.Summary == "" {
		entry.Summary = m.Summary
	}
	for k, v := range m.Metadata {
		entry.setMeta(k, v)
	}
	entry.setMeta(m.Source+"_rank", rank)
	entry.setMeta(m.Source+"_score", m.Score)
}

func collectFused(fused map[string]*ChunkMatch) []ChunkMatch {
	out := make([]ChunkMatch, 0, len(fused))
	for _, entry := range fused {
		out = append(out, *entry)
	}
	sortMatches(out)
	return out
}

// minMaxNormalize maps a leg's scores onto [0,1]. A leg where every
// score is identical normalizes to all-ones (they are all its best) so
// the leg still participates; all-zero legs stay zero.
func minMaxNormalize(leg []ChunkMatch) []float64 {
	lo, hi := leg[0].Score, leg[0].Score
	for _, m := range leg[1:] {
		if m.Score < lo {
			lo = m.Score
		}
		if m.Score > hi {
			hi = m.Score
		}
	}
	out := make([]float64, len(leg))
	for i, m := range leg {
		switch {
		case hi > lo:
			out[i] = (m.Score - lo) / (hi - lo)
		case hi > 0:
			out[i] = 1.0
		}
	}
	return out
}

// sortMatches orders score-descending with deterministic tie-breaks:
// ascending chunk id, then corpus id.
func sortMatches(ms []ChunkMatch) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		if ms[i].ChunkID != ms[j].ChunkID {
			return ms[i].ChunkID < ms[j].ChunkID
		}
		return ms[i].CorpusID < ms[j].CorpusID
	})
}

// confidence maps the top fused score into [0,1]. Under RRF the best
// possible score is active_legs/(rrf_k+1), reached when every leg ranks
// the chunk first, so the ratio reads as cross-leg agreement. Weighted
// scores are already normalized.
func confidence(method string, topScore float64, activeLegs, rrfK int) float64 {
	if topScore <= 0 || activeLegs <= 0 {
		return 0
	}
	c := topScore
	if method == FusionRRF {
		c = topScore / (float64(activeLegs) / float64(rrfK+1))
	}
	if c > 1 {
		return 1
	}
	return c
}

func avgTopN(ms []ChunkMatch, n int) float64 {
	if len(ms) == 0 {
		return 0
	}
	if n > len(ms) {
		n = len(ms)
	}
	sum := 0.0
	for _, m := range ms[:n] {
		sum += m.Score
	}
	return sum / float64(n)
}
