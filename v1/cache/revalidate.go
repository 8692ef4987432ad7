package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"
)

// Stamped is a value together with the instant it was loaded.
type Stamped[T any] struct {
	Value    T
	StoredAt time.Time
}

// Loader fetches the authoritative value for key.
type Loader[T any] func(ctx context.Context, key string) (T, error)

// Revalidating serves values from a cache and reloads them through a Loader
// once they are older than maxAge. Stale values keep being served for
// staleFor while a single background reload per key refreshes them.
type Revalidating[T any] struct {
	cache          Cache[Stamped[T]]
	load           Loader[T]
	maxAge         time.Duration
	staleFor       time.Duration
	refreshTimeout time.Duration
	clock          clock.Clock

	group singleflight.Group
	wg    sync.WaitGroup
}

// RevalidateOption configures a Revalidating cache.
type RevalidateOption[T any] func(*Revalidating[T])

// WithStaleFor sets how long a value may be served after it went stale.
// The default equals maxAge.
func WithStaleFor[T any](d time.Duration) RevalidateOption[T] {
	return func(r *Revalidating[T]) {
		if d > 0 {
			r.staleFor = d
		}
	}
}

// WithRevalidateClock sets the time source used to age values.
func WithRevalidateClock[T any](clk clock.Clock) RevalidateOption[T] {
	return func(r *Revalidating[T]) {
		if clk != nil {
			r.clock = clk
		}
	}
}

// WithRefreshTimeout bounds background reloads. The default is 10 seconds.
func WithRefreshTimeout[T any](d time.Duration) RevalidateOption[T] {
	return func(r *Revalidating[T]) {
		if d > 0 {
			r.refreshTimeout = d
		}
	}
}

// NewRevalidating returns a Revalidating cache storing values in c.
func NewRevalidating[T any](c Cache[Stamped[T]], load Loader[T], maxAge time.Duration, opts ...RevalidateOption[T]) *Revalidating[T] {
	if maxAge <= 0 {
		maxAge = DefaultTTL
	}
	r := &Revalidating[T]{
		cache:          c,
		load:           load,
		maxAge:         maxAge,
		staleFor:       maxAge,
		refreshTimeout: 10 * time.Second,
		clock:          clock.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the value for key. Fresh values come straight from the cache,
// stale ones are returned while a reload runs in the background, and misses
// are loaded synchronously. Concurrent loads of the same key are coalesced.
func (r *Revalidating[T]) Get(ctx context.Context, key string) (T, error) {
	st, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	if ok {
		if r.clock.Since(st.StoredAt) > r.maxAge {
			r.refresh(key)
		}
		return st.Value, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.fetch(ctx, key)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Set stores value for key as freshly loaded.
func (r *Revalidating[T]) Set(ctx context.Context, key string, value T) error {
	return r.cache.Set(ctx, key, Stamped[T]{Value: value, StoredAt: r.clock.Now()}, r.maxAge+r.staleFor)
}

// Invalidate drops key so the next Get loads it again.
func (r *Revalidating[T]) Invalidate(ctx context.Context, key string) error {
	return r.cache.Delete(ctx, key)
}

// Wait blocks until every background reload has finished.
func (r *Revalidating[T]) Wait() {
	r.wg.Wait()
}

func (r *Revalidating[T]) fetch(ctx context.Context, key string) (T, error) {
	v, err := r.load(ctx, key)
	if err != nil {
		return v, err
	}
	if err := r.Set(ctx, key, v); err != nil {
		return v, err
	}
	return v, nil
}

func (r *Revalidating[T]) refresh(key string) {
	ch := r.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.refreshTimeout)
		defer cancel()
		return r.fetch(ctx, key)
	})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if res := <-ch; res.Err != nil {
			slog.Warn("ttlcache: background revalidation failed", "key", key, "error", res.Err)
		}
	}()
}
