package rerank

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ModelKey identifies one loaded model instance in the process-wide
// cache.
type ModelKey struct {
	Backend     string
	BaseModel   string
	AdapterPath string
}

// fingerprint identifies a weights file version. A retrain that rewrites
// the file in place changes mtime and usually size; either change forces
// a reload on the next borrow.
type fingerprint struct {
	mtime int64
	size  int64
}

func fingerprintFile(path string) (fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}, err
	}
	return fingerprint{mtime: info.ModTime().UnixNano(), size: info.Size()}, nil
}

// modelEntry is one cached instance. inferMu serializes inference per
// instance; cross-encoder sidecars degrade badly under interleaved
// batches for the same adapter.
type modelEntry struct {
	inferMu sync.Mutex

	fp       fingerprint
	loadedAt time.Time

	// guarded by the cache mutex
	lastUsed time.Time
	inUse    int
}

// ModelCache tracks loaded reranker models: fingerprint-based hot
// reload on borrow, in-use counting so a swap never unloads an instance
// mid-inference, and an idle sweeper that evicts instances nobody has
// borrowed within the unload window.
type ModelCache struct {
	mu      sync.Mutex
	entries map[ModelKey]*modelEntry

	idle      time.Duration
	sweepOnce sync.Once
	done      chan struct{}

	now func() time.Time
}

func NewModelCache(idle time.Duration) *ModelCache {
	return &ModelCache{
		entries: make(map[ModelKey]*modelEntry),
		idle:    idle,
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Handle is a borrowed model instance. Callers run inference inside
// Serialize and must Release when done.
type Handle struct {
	cache *ModelCache
	key   ModelKey
	entry *modelEntry

	// Reloaded reports whether this borrow (re)loaded the instance,
	// either first use or a fingerprint change.
	Reloaded bool
}

// Borrow returns a handle for the keyed model, loading or hot-reloading
// when the adapter weights fingerprint changed since the cached load.
func (c *ModelCache) Borrow(key ModelKey) (*Handle, error) {
	fp, err := fingerprintFile(key.AdapterPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat adapter weights: %w", err)
	}

	c.sweepOnce.Do(c.startSweeper)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	reloaded := false
	if !ok || entry.fp != fp {
		// Replace rather than mutate: borrowers of the old instance
		// keep a consistent entry until they release it.
		entry = &modelEntry{fp: fp, loadedAt: c.now()}
		c.entries[key] = entry
		reloaded = true
	}
	entry.inUse++
	entry.lastUsed = c.now()

	return &Handle{cache: c, key: key, entry: entry, Reloaded: reloaded}, nil
}

// Serialize runs fn holding the instance's inference lock.
func (h *Handle) Serialize(fn func() error) error {
	h.entry.inferMu.Lock()
	defer h.entry.inferMu.Unlock()
	return fn()
}

// Release returns the instance to the cache.
func (h *Handle) Release() {
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	h.entry.inUse--
	h.entry.lastUsed = h.cache.now()
}

// Len reports how many instances are currently cached.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the idle sweeper.
func (c *ModelCache) Close() {
	c.sweepOnce.Do(func() {}) // a never-started sweeper must not be started now
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *ModelCache) startSweeper() {
	if c.idle <= 0 {
		return
	}
	interval := c.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// sweep evicts idle instances. In-use instances survive regardless of
// age; they re-enter the idle window on release.
func (c *ModelCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.idle)
	for key, entry := range c.entries {
		if entry.inUse == 0 && entry.lastUsed.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}
