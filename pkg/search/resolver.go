package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tribridrag/tribrid/pkg/config"
)

// ErrInvalidSettings marks override documents that failed decoding or
// validation. The edge maps it to 422; other write errors are store
// failures.
var ErrInvalidSettings = errors.New("invalid settings")

// ConfigStore is the slice of the relational store the resolver needs.
// *postgres.Store satisfies it.
type ConfigStore interface {
	GetCorpusConfig(ctx context.Context, corpusID string) ([]byte, error)
	MutateCorpusConfig(ctx context.Context, corpusID string, mutate func(current []byte) ([]byte, error)) error
	ResetCorpusConfig(ctx context.Context, corpusID string) error
}

// Resolver loads the effective Settings for a corpus: the persisted
// per-corpus override document layered over the global defaults from the
// service YAML. Reads are cached; writes invalidate the touched corpus.
// The resolver never creates corpora; an unknown id surfaces the
// store's not-found error untouched.
type Resolver struct {
	store ConfigStore

	mu       sync.RWMutex
	defaults *config.Settings
	cache    map[string]*config.Settings
}

func NewResolver(store ConfigStore, defaults *config.Settings) *Resolver {
	return &Resolver{
		store:    store,
		defaults: defaults.Clone(),
		cache:    make(map[string]*config.Settings),
	}
}

// Resolve returns the effective settings for a corpus. Callers receive
// their own copy; the cache keeps the master.
func (r *Resolver) Resolve(ctx context.Context, corpusID string) (*config.Settings, error) {
	r.mu.RLock()
	if cached, ok := r.cache[corpusID]; ok {
		r.mu.RUnlock()
		return cached.Clone(), nil
	}
	r.mu.RUnlock()

	raw, err := r.store.GetCorpusConfig(ctx, corpusID)
	if err != nil {
		return nil, err
	}

	effective, err := r.applyOverride(raw)
	if err != nil {
		// A stored override that stopped validating (for example after
		// the global defaults changed underneath it) must not take the
		// corpus offline. Serve defaults and leave the row for the
		// operator to fix via PUT.
		slog.Warn("Stored corpus config invalid, serving global defaults",
			"corpus_id", corpusID, "error", err)
		effective = r.snapshotDefaults()
	}

	r.mu.Lock()
	r.cache[corpusID] = effective
	r.mu.Unlock()

	return effective.Clone(), nil
}

func (r *Resolver) applyOverride(raw []byte) (*config.Settings, error) {
	effective := r.snapshotDefaults()
	if len(raw) == 0 {
		return effective, nil
	}
	if err := json.Unmarshal(raw, effective); err != nil {
		return nil, fmt.Errorf("failed to parse corpus config: %w", err)
	}
	effective.SetDefaults()
	effective.Normalize()
	if err := effective.Validate(); err != nil {
		return nil, err
	}
	return effective, nil
}

func (r *Resolver) snapshotDefaults() *config.Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults.Clone()
}

// PutOverride replaces the per-corpus override with doc. The persisted
// document is the complete merged settings tree, so later reads never
// depend on what the defaults were at write time. Returns the effective
// settings, or a validation error the edge maps to 422.
func (r *Resolver) PutOverride(ctx context.Context, corpusID string, doc map[string]any) (*config.Settings, error) {
	candidate, err := r.buildCandidate(r.snapshotDefaults(), doc)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode corpus config: %w", err)
	}
	err = r.store.MutateCorpusConfig(ctx, corpusID, func([]byte) ([]byte, error) {
		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	r.Invalidate(corpusID)
	return candidate, nil
}

// PatchOverride deep-merges a partial document into the current override
// inside the store's row lock, so concurrent patches serialize.
func (r *Resolver) PatchOverride(ctx context.Context, corpusID string, patch map[string]any) (*config.Settings, error) {
	var effective *config.Settings
	err := r.store.MutateCorpusConfig(ctx, corpusID, func(current []byte) ([]byte, error) {
		base := map[string]any{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &base); err != nil {
				return nil, fmt.Errorf("failed to parse stored corpus config: %w", err)
			}
		}
		merged := mergeMaps(base, patch)

		candidate, err := r.buildCandidate(r.snapshotDefaults(), merged)
		if err != nil {
			return nil, err
		}
		effective = candidate
		return json.Marshal(candidate)
	})
	if err != nil {
		return nil, err
	}

	r.Invalidate(corpusID)
	return effective, nil
}

// ResetOverride drops the override; the corpus falls back to defaults.
func (r *Resolver) ResetOverride(ctx context.Context, corpusID string) error {
	if err := r.store.ResetCorpusConfig(ctx, corpusID); err != nil {
		return err
	}
	r.Invalidate(corpusID)
	return nil
}

// buildCandidate decodes a settings document over a defaults copy and
// runs the full normalize/validate pass a YAML load would get.
func (r *Resolver) buildCandidate(base *config.Settings, doc map[string]any) (*config.Settings, error) {
	if err := config.DecodeMap(doc, base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	base.SetDefaults()
	base.Normalize()
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return base, nil
}

// Defaults returns a copy of the global fallback settings. The engine
// plans against these when the config store cannot be read, so a
// relational-store outage degrades to leg errors instead of failing the
// request outright.
func (r *Resolver) Defaults() *config.Settings {
	return r.snapshotDefaults()
}

// Invalidate drops one corpus from the cache.
func (r *Resolver) Invalidate(corpusID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, corpusID)
}

// SetGlobalDefaults swaps the fallback settings and flushes the cache.
// The config watcher calls this after a successful reload.
func (r *Resolver) SetGlobalDefaults(defaults *config.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = defaults.Clone()
	r.cache = make(map[string]*config.Settings)
}

// mergeMaps deep-merges src into dst: nested maps merge recursively,
// everything else (including slices) replaces wholesale.
func mergeMaps(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcOK := v.(map[string]any)
		dstMap, dstOK := out[k].(map[string]any)
		if srcOK && dstOK {
			out[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}
