package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lm(id string, score float64, source string) ChunkMatch {
	return ChunkMatch{CorpusID: "docs", ChunkID: id, Score: score, Source: source}
}

func rrfPlan() *Plan {
	return &Plan{Settings: testSettings(), FusionMethod: FusionRRF}
}

func TestFuseRRFRanksAgreementFirst(t *testing.T) {
	vector := []ChunkMatch{lm("c1", 0.91, SourceVector), lm("c2", 0.80, SourceVector)}
	sparse := []ChunkMatch{lm("c2", 7.2, SourceSparse), lm("c3", 5.1, SourceSparse)}

	fused := fuse(rrfPlan(), [][]ChunkMatch{vector, sparse})
	require.Equal(t, []string{"c2", "c1", "c3"}, chunkIDs(fused))

	// c2 appears in both legs so it collects two reciprocal ranks.
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-12)
	assert.InDelta(t, 1.0/61, fused[1].Score, 1e-12)
	assert.InDelta(t, 1.0/62, fused[2].Score, 1e-12)
	for _, m := range fused {
		assert.Equal(t, SourceFused, m.Source)
	}

	for i := 0; i < 50; i++ {
		again := fuse(rrfPlan(), [][]ChunkMatch{vector, sparse})
		require.Equal(t, chunkIDs(fused), chunkIDs(again))
	}
}

func TestFuseRRFTieBreaksByChunkID(t *testing.T) {
	vector := []ChunkMatch{lm("cB", 0.9, SourceVector)}
	sparse := []ChunkMatch{lm("cA", 5.0, SourceSparse)}

	fused := fuse(rrfPlan(), [][]ChunkMatch{vector, sparse})
	require.Equal(t, []string{"cA", "cB"}, chunkIDs(fused))
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
}

func TestFuseWeightedNormalizesPerLeg(t *testing.T) {
	plan := &Plan{Settings: testSettings(), FusionMethod: FusionWeighted}
	vector := []ChunkMatch{lm("v1", 0.9, SourceVector), lm("v2", 0.5, SourceVector), lm("v3", 0.1, SourceVector)}
	sparse := []ChunkMatch{lm("v2", 9.9, SourceSparse), lm("s1", 3.3, SourceSparse)}

	fused := fuse(plan, [][]ChunkMatch{vector, sparse})
	require.Equal(t, []string{"v1", "v2", "s1", "v3"}, chunkIDs(fused))

	// v1 tops the vector leg: 0.7 * 1.0. v2 sits mid-vector and tops
	// sparse: 0.7*0.5 + 0.3*1.0. The leg minimums normalize to zero.
	assert.InDelta(t, 0.70, fused[0].Score, 1e-12)
	assert.InDelta(t, 0.65, fused[1].Score, 1e-12)
	assert.InDelta(t, 0.0, fused[2].Score, 1e-12)
	assert.InDelta(t, 0.0, fused[3].Score, 1e-12)
}

func TestMinMaxNormalizeDegenerateLegs(t *testing.T) {
	t.Run("identical scores count as best", func(t *testing.T) {
		plan := &Plan{Settings: testSettings(), FusionMethod: FusionWeighted}
		sparse := []ChunkMatch{lm("a", 4.4, SourceSparse), lm("b", 4.4, SourceSparse)}

		fused := fuse(plan, [][]ChunkMatch{sparse})
		require.Equal(t, []string{"a", "b"}, chunkIDs(fused))
		assert.InDelta(t, 0.3, fused[0].Score, 1e-12)
		assert.InDelta(t, 0.3, fused[1].Score, 1e-12)
	})

	t.Run("all-zero stays zero", func(t *testing.T) {
		norm := minMaxNormalize([]ChunkMatch{lm("z1", 0, SourceSparse), lm("z2", 0, SourceSparse)})
		assert.Equal(t, []float64{0, 0}, norm)
	})
}

func TestMergeLegMatchFirstLegWins(t *testing.T) {
	v := lm("c1", 0.9, SourceVector)
	v.FilePath = "a.go"
	v.Content = "vec"
	v.setMeta("embedding_model", "small")

	s := lm("c1", 3.0, SourceSparse)
	s.FilePath = "b.go"
	s.Content = "sp"
	s.setMeta("bm25", true)

	fused := fuse(rrfPlan(), [][]ChunkMatch{{v}, {s}})
	require.Len(t, fused, 1)

	m := fused[0]
	assert.Equal(t, "a.go", m.FilePath)
	assert.Equal(t, "vec", m.Content)
	assert.Equal(t, 1, m.Metadata["vector_rank"])
	assert.Equal(t, 1, m.Metadata["sparse_rank"])
	assert.InDelta(t, 0.9, m.Metadata["vector_score"].(float64), 1e-12)
	assert.InDelta(t, 3.0, m.Metadata["sparse_score"].(float64), 1e-12)
	assert.Equal(t, "small", m.Metadata["embedding_model"])
	assert.Equal(t, true, m.Metadata["bm25"])
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		topScore   float64
		activeLegs int
		want       float64
	}{
		{"rrf unanimous single leg", FusionRRF, 1.0 / 61, 1, 1.0},
		{"rrf one of two legs agreed", FusionRRF, 1.0 / 61, 2, 0.5},
		{"rrf clamps at one", FusionRRF, 0.9, 1, 1.0},
		{"weighted passes through", FusionWeighted, 0.65, 2, 0.65},
		{"zero score", FusionRRF, 0, 1, 0},
		{"no active legs", FusionWeighted, 0.4, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := confidence(tt.method, tt.topScore, tt.activeLegs, 60)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSortMatchesTieBreaks(t *testing.T) {
	ms := []ChunkMatch{
		{CorpusID: "docs", ChunkID: "c3", Score: 7.0},
		{CorpusID: "wiki", ChunkID: "c1", Score: 5.0},
		{CorpusID: "docs", ChunkID: "c2", Score: 5.0},
		{CorpusID: "docs", ChunkID: "c1", Score: 5.0},
	}
	sortMatches(ms)

	require.Equal(t, []string{"c3", "c1", "c1", "c2"}, chunkIDs(ms))
	assert.Equal(t, "docs", ms[1].CorpusID)
	assert.Equal(t, "wiki", ms[2].CorpusID)
}

func TestAvgTopN(t *testing.T) {
	ms := []ChunkMatch{lm("a", 0.9, SourceFused), lm("b", 0.6, SourceFused), lm("c", 0.3, SourceFused)}

	assert.InDelta(t, 0.75, avgTopN(ms, 2), 1e-12)
	assert.InDelta(t, 0.6, avgTopN(ms, 5), 1e-12)
	assert.Equal(t, 0.0, avgTopN(nil, 3))
}
