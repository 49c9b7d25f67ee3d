package search

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

func newTestResolver(known map[string][]byte) (*Resolver, *fakeConfigStore) {
	store := &fakeConfigStore{known: known}
	return NewResolver(store, testSettings()), store
}

func TestResolverServesDefaults(t *testing.T) {
	r, _ := newTestResolver(map[string][]byte{"docs": nil})

	eff, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, 10, eff.Retrieval.FinalK)
	assert.Equal(t, FusionRRF, eff.Fusion.Method)

	// Callers get their own copy; mutating it must not poison the cache.
	eff.Retrieval.FinalK = 99
	again, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, 10, again.Retrieval.FinalK)
}

func TestResolverAppliesStoredOverride(t *testing.T) {
	r, _ := newTestResolver(map[string][]byte{
		"docs": []byte(`{"retrieval":{"final_k":5},"fusion":{"method":"weighted"}}`),
	})

	eff, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, 5, eff.Retrieval.FinalK)
	assert.Equal(t, FusionWeighted, eff.Fusion.Method)
	assert.Equal(t, 50, eff.Retrieval.TopkDense)
}

func TestResolverUnknownCorpus(t *testing.T) {
	r, _ := newTestResolver(map[string][]byte{"docs": nil})

	_, err := r.Resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, postgres.ErrCorpusNotFound)
}

func TestResolverInvalidStoredOverrideServesDefaults(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"out of range", `{"retrieval":{"final_k":500}}`},
		{"malformed json", `{nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver(map[string][]byte{"docs": []byte(tt.doc)})

			eff, err := r.Resolve(context.Background(), "docs")
			require.NoError(t, err)
			assert.Equal(t, 10, eff.Retrieval.FinalK)

			// The defaults fallback is cached like any other resolution.
			_, err = r.Resolve(context.Background(), "docs")
			require.NoError(t, err)
			assert.Equal(t, 1, store.getCalls)
		})
	}
}

func TestResolverPutOverride(t *testing.T) {
	r, store := newTestResolver(map[string][]byte{"docs": nil})

	eff, err := r.PutOverride(context.Background(), "docs", map[string]any{
		"fusion": map[string]any{"method": "weighted"},
	})
	require.NoError(t, err)
	assert.Equal(t, FusionWeighted, eff.Fusion.Method)
	assert.Equal(t, 10, eff.Retrieval.FinalK)

	// The persisted document is the full merged tree, not the sparse
	// input, so defaults at write time are pinned.
	var stored map[string]any
	require.NoError(t, json.Unmarshal(store.known["docs"], &stored))
	retrieval, ok := stored["retrieval"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(10), retrieval["final_k"])

	again, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, FusionWeighted, again.Fusion.Method)
}

func TestResolverPutOverrideInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]any
	}{
		{"out of range", map[string]any{"retrieval": map[string]any{"final_k": 500}}},
		{"wrong type", map[string]any{"retrieval": map[string]any{"final_k": "ten"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver(map[string][]byte{"docs": nil})

			_, err := r.PutOverride(context.Background(), "docs", tt.doc)
			require.ErrorIs(t, err, ErrInvalidSettings)
			assert.Nil(t, store.known["docs"])
		})
	}
}

func TestResolverPutOverrideUnknownCorpus(t *testing.T) {
	r, _ := newTestResolver(map[string][]byte{"docs": nil})

	_, err := r.PutOverride(context.Background(), "ghost", map[string]any{
		"fusion": map[string]any{"method": "weighted"},
	})
	assert.ErrorIs(t, err, postgres.ErrCorpusNotFound)
}

func TestResolverPatchOverrideDeepMerges(t *testing.T) {
	r, _ := newTestResolver(map[string][]byte{
		"docs": []byte(`{"fusion":{"method":"weighted"}}`),
	})

	eff, err := r.PatchOverride(context.Background(), "docs", map[string]any{
		"retrieval": map[string]any{"final_k": 7},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, eff.Retrieval.FinalK)
	assert.Equal(t, FusionWeighted, eff.Fusion.Method)

	again, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, 7, again.Retrieval.FinalK)
	assert.Equal(t, FusionWeighted, again.Fusion.Method)
}

func TestResolverPatchOverrideInvalidLeavesStore(t *testing.T) {
	seed := []byte(`{"fusion":{"method":"weighted"}}`)
	r, store := newTestResolver(map[string][]byte{"docs": seed})

	_, err := r.PatchOverride(context.Background(), "docs", map[string]any{
		"retrieval": map[string]any{"final_k": 700},
	})
	require.ErrorIs(t, err, ErrInvalidSettings)
	assert.Equal(t, seed, store.known["docs"])
}

func TestResolverResetOverride(t *testing.T) {
	r, _ := newTestResolver(map[string][]byte{
		"docs": []byte(`{"retrieval":{"final_k":5}}`),
	})

	eff, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	require.Equal(t, 5, eff.Retrieval.FinalK)

	require.NoError(t, r.ResetOverride(context.Background(), "docs"))

	eff, err = r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, 10, eff.Retrieval.FinalK)

	assert.ErrorIs(t, r.ResetOverride(context.Background(), "ghost"), postgres.ErrCorpusNotFound)
}

func TestResolverSetGlobalDefaultsFlushesCache(t *testing.T) {
	r, store := newTestResolver(map[string][]byte{"docs": nil})

	eff, err := r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	require.Equal(t, 10, eff.Retrieval.FinalK)
	require.Equal(t, 1, store.getCalls)

	next := testSettings()
	next.Retrieval.FinalK = 33
	r.SetGlobalDefaults(next)

	eff, err = r.Resolve(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, 33, eff.Retrieval.FinalK)
	assert.Equal(t, 2, store.getCalls)
}

func TestResolverDefaultsReturnsCopy(t *testing.T) {
	r, _ := newTestResolver(map[string][]byte{"docs": nil})

	d := r.Defaults()
	d.Retrieval.FinalK = 77
	assert.Equal(t, 10, r.Defaults().Retrieval.FinalK)
}

func TestResolverStoreOutagePropagates(t *testing.T) {
	r, store := newTestResolver(map[string][]byte{"docs": nil})
	store.getErr = errors.New("connection refused")

	_, err := r.Resolve(context.Background(), "docs")
	require.Error(t, err)
	assert.NotErrorIs(t, err, postgres.ErrCorpusNotFound)
}
