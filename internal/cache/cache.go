// Package cache stores model responses under deterministic keys with TTL,
// a total byte cap and LRU eviction.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunbelt-data/property-cli/internal/model"
)

// Backend is a keyed byte store with per-entry expiry. The memory backend is
// the default; a remote (store-backed) backend may be configured and falls
// back to memory transparently when unreachable at startup.
type Backend interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores the value; stored=false means the entry was rejected
	// (e.g. larger than the whole cap).
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) (stored bool, err error)
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (entries int, bytes int64, evictions int64, err error)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Sets        int64   `json:"sets"`
	Evictions   int64   `json:"evictions"`
	Entries     int     `json:"entries"`
	BytesStored int64   `json:"bytes_stored"`
}

// Cache is the response cache used by the extraction pipeline.
type Cache struct {
	backend  Backend
	ttl      time.Duration
	enabled  bool
	degraded bool

	mu     sync.Mutex
	hits   int64
	misses int64
	sets   int64

	log *zap.Logger
}

// Options configures a Cache.
type Options struct {
	Enabled bool
	TTL     time.Duration
	// Remote is consulted first when non-nil; an unreachable remote falls
	// back to the supplied memory backend.
	Remote Backend
	Memory Backend
}

// New creates a Cache. When a remote backend is configured but its startup
// probe fails, the cache degrades to the memory backend; callers observe
// only normal hit/miss behavior.
func New(opts Options) *Cache {
	log := zap.L().With(zap.String("component", "cache"))

	backend := opts.Memory
	degraded := false
	if opts.Remote != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := opts.Remote.Ping(ctx)
		cancel()
		if err != nil {
			log.Warn("remote cache backend unreachable, falling back to memory", zap.Error(err))
			degraded = true
		} else {
			backend = opts.Remote
		}
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Cache{
		backend:  backend,
		ttl:      ttl,
		enabled:  opts.Enabled,
		degraded: degraded,
		log:      log,
	}
}

// Degraded reports whether the configured remote backend was unavailable and
// the cache fell back to memory.
func (c *Cache) Degraded() bool { return c.degraded }

// Get returns the cached value for data under op, or ok=false on miss.
// Expired entries count as misses.
func (c *Cache) Get(ctx context.Context, data any, op model.Operation) (any, bool) {
	if !c.enabled {
		return nil, false
	}

	key, err := Key(data, op)
	if err != nil {
		c.log.Warn("cache key derivation failed", zap.Error(err))
		return nil, false
	}

	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		c.countMiss()
		return nil, false
	}
	if !ok {
		c.countMiss()
		return nil, false
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		// A corrupt entry is treated as absent.
		_ = c.backend.Delete(ctx, key)
		c.countMiss()
		return nil, false
	}

	c.countHit()
	return value, true
}

// Set stores value for data under op. Oversized values are rejected
// silently per the sizing policy.
func (c *Cache) Set(ctx context.Context, data any, op model.Operation, value any) error {
	if !c.enabled {
		return nil
	}

	key, err := Key(data, op)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return eris.Wrap(err, "cache: marshal value")
	}

	stored, err := c.backend.Set(ctx, key, raw, time.Now().Add(c.ttl))
	if err != nil {
		return eris.Wrapf(err, "cache: set %s", key)
	}
	if stored {
		c.mu.Lock()
		c.sets++
		c.mu.Unlock()
	}
	return nil
}

// Invalidate removes the entry for data under op.
func (c *Cache) Invalidate(ctx context.Context, data any, op model.Operation) error {
	key, err := Key(data, op)
	if err != nil {
		return err
	}
	return c.backend.Delete(ctx, key)
}

// InvalidatePattern clears every operation variant for the given input data.
func (c *Cache) InvalidatePattern(ctx context.Context, data any) error {
	for _, op := range knownOperations {
		if err := c.Invalidate(ctx, data, op); err != nil {
			return err
		}
	}
	return nil
}

// Warmup bulk-preloads values keyed by the paired inputs.
func (c *Cache) Warmup(ctx context.Context, inputs []any, values []any, op model.Operation) error {
	if len(inputs) != len(values) {
		return eris.Errorf("cache: warmup length mismatch: %d inputs, %d values", len(inputs), len(values))
	}
	for i := range inputs {
		if err := c.Set(ctx, inputs[i], op, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Clear empties the cache.
func (c *Cache) Clear(ctx context.Context) error {
	return c.backend.Clear(ctx)
}

// Stats returns hit/miss/set counters alongside backend sizing.
func (c *Cache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	hits, misses, sets := c.hits, c.misses, c.sets
	c.mu.Unlock()

	entries, bytes, evictions, err := c.backend.Stats(ctx)
	if err != nil {
		c.log.Warn("cache backend stats failed", zap.Error(err))
	}

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:        hits,
		Misses:      misses,
		HitRate:     hitRate,
		Sets:        sets,
		Evictions:   evictions,
		Entries:     entries,
		BytesStored: bytes,
	}
}

// ResetStats zeroes the hit/miss/set counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.sets = 0, 0, 0
}

func (c *Cache) countHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
