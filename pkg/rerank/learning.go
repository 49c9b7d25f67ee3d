package rerank

import (
	"context"
	"os"
	"path/filepath"
)

// learningReranker runs the corpus-scoped fine-tuned cross-encoder. The
// trained adapter lives at <artifact_dir>/<corpus_id>; when the training
// pipeline has not produced weights there yet, the reranker skips with
// SkipMissingModel rather than scoring through an untuned base model.
type learningReranker struct {
	client     *localClient
	cache      *ModelCache
	baseModel  string
	adapterDir string
}

func (r *learningReranker) Mode() string {
	return ModeLearning
}

func (r *learningReranker) Rerank(ctx context.Context, query string, docs []Document) (*Result, error) {
	weights, ok := trainedWeightsPath(r.adapterDir)
	if !ok {
		return &Result{SkippedReason: SkipMissingModel}, nil
	}

	handle, err := r.cache.Borrow(ModelKey{
		Backend:     ModeLocal,
		BaseModel:   r.baseModel,
		AdapterPath: weights,
	})
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	var scores []float64
	err = handle.Serialize(func() error {
		var serr error
		scores, serr = r.client.scoreBatches(ctx, query, docs, r.baseModel, r.adapterDir)
		return serr
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Rankings: rankingsFromScores(scores),
		Applied:  true,
		Model:    r.baseModel,
	}, nil
}

// trainedWeightsPath locates the adapter weights file: a single
// model.safetensors, or the first shard of a sharded export. Returns
// false when the directory holds no trained weights.
func trainedWeightsPath(dir string) (string, bool) {
	single := filepath.Join(dir, "model.safetensors")
	if info, err := os.Stat(single); err == nil && !info.IsDir() && info.Size() > 0 {
		return single, true
	}
	shards, err := filepath.Glob(filepath.Join(dir, "model-*-of-*.safetensors"))
	if err != nil || len(shards) == 0 {
		return "", false
	}
	for _, shard := range shards {
		if info, err := os.Stat(shard); err == nil && !info.IsDir() && info.Size() > 0 {
			return shard, true
		}
	}
	return "", false
}
