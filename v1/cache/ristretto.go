package cache

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	ttlerrors "github.com/mirkobrombin/go-ttlcache/v1/errors"
)

// RistrettoCache implements Cache using dgraph-io/ristretto.
//
// Ristretto bounds the cache by cost and may refuse or evict entries on its
// own, so the key set is tracked alongside it and pruned whenever a key is
// found missing. Expiry follows the wall clock.
type RistrettoCache[T any] struct {
	c          *ristretto.Cache
	defaultTTL time.Duration

	mu     sync.Mutex
	keys   map[string][]string // key -> tags
	closed bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// WithMaxCost sets the total cost the cache may hold. The cost of an entry is
// its length for strings and byte slices and 1 for anything else.
func WithMaxCost(n int64) RistrettoOption {
	return func(c *ristretto.Config) {
		if n > 0 {
			c.MaxCost = n
		}
	}
}

// NewRistretto returns a Cache backed by ristretto.
//
// Default configuration aims for a generous in-memory cache.
func NewRistretto[T any](opts ...RistrettoOption) (*RistrettoCache[T], error) {
	cfg := &ristretto.Config{
		NumCounters: 1e4,     // number of keys to track frequency of (10k).
		MaxCost:     1 << 20, // maximum cost of cache (1MB by default).
		BufferItems: 64,      // number of keys per Get buffer.

		IgnoreInternalCost: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	r := &RistrettoCache[T]{
		defaultTTL: DefaultTTL,
		keys:       make(map[string][]string),
	}
	onEvict := cfg.OnEvict
	cfg.OnEvict = func(it *ristretto.Item) {
		r.evictions.Add(1)
		if onEvict != nil {
			onEvict(it)
		}
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	r.c = rc
	return r, nil
}

func (r *RistrettoCache[T]) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ttlerrors.ErrClosed
	}
	return nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := r.check(ctx); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	if !ok {
		r.mu.Lock()
		delete(r.keys, key)
		r.mu.Unlock()
		r.misses.Add(1)
		return zero, false, nil
	}
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	r.hits.Add(1)
	val, _ := v.(T)
	return val, true, nil
}

// Has implements Cache.Has.
func (r *RistrettoCache[T]) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := r.Get(ctx, key)
	return ok, err
}

// Set implements Cache.Set. Ristretto may still reject the entry through
// its admission policy, in which case a later Get reports a miss.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration, opts ...EntryOption) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	eo := newEntryOptions(opts)
	r.c.SetWithTTL(key, value, costOf(value), resolveTTL(ttl, r.defaultTTL))
	r.c.Wait()
	r.mu.Lock()
	if r.keys != nil {
		r.keys[key] = eo.tags
	}
	r.mu.Unlock()
	return nil
}

// Delete implements Cache.Delete.
func (r *RistrettoCache[T]) Delete(ctx context.Context, key string) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	r.c.Del(key)
	r.c.Wait()
	r.mu.Lock()
	delete(r.keys, key)
	r.mu.Unlock()
	return nil
}

// Clear implements Cache.Clear.
func (r *RistrettoCache[T]) Clear(ctx context.Context) error {
	if err := r.check(ctx); err != nil {
		return err
	}
	r.c.Clear()
	r.mu.Lock()
	r.keys = make(map[string][]string)
	r.mu.Unlock()
	return nil
}

// InvalidateTag implements Cache.InvalidateTag.
func (r *RistrettoCache[T]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if err := r.check(ctx); err != nil {
		return 0, err
	}
	r.mu.Lock()
	var tagged []string
	for k, tags := range r.keys {
		if slices.Contains(tags, tag) {
			tagged = append(tagged, k)
			delete(r.keys, k)
		}
	}
	r.mu.Unlock()

	removed := 0
	for _, k := range tagged {
		if _, ok := r.c.Get(k); ok {
			removed++
		}
		r.c.Del(k)
	}
	r.c.Wait()
	return removed, nil
}

// Stats implements Cache.Stats. Keys ristretto no longer holds are pruned
// before counting.
func (r *RistrettoCache[T]) Stats(ctx context.Context) (Stats, error) {
	if err := r.check(ctx); err != nil {
		return Stats{}, err
	}
	r.mu.Lock()
	keys := make([]string, 0, len(r.keys))
	for k := range r.keys {
		if _, ok := r.c.Get(k); !ok {
			delete(r.keys, k)
			continue
		}
		keys = append(keys, k)
	}
	r.mu.Unlock()
	slices.Sort(keys)
	return Stats{
		Size:      len(keys),
		Keys:      keys,
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Evictions: r.evictions.Load(),
	}, nil
}

// Close releases resources held by the cache. Later calls return ErrClosed.
func (r *RistrettoCache[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.keys = nil
	r.mu.Unlock()
	r.c.Close()
}

func costOf(v any) int64 {
	switch x := v.(type) {
	case []byte:
		if len(x) > 0 {
			return int64(len(x))
		}
	case string:
		if len(x) > 0 {
			return int64(len(x))
		}
	}
	return 1
}

var _ Cache[int] = (*RistrettoCache[int])(nil)
