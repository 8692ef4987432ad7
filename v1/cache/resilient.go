package cache

import (
	"context"
	"log/slog"
	"time"
)

// ResilientCache wraps a Cache implementation and suppresses errors,
// logging them instead of returning them. Backend failures (e.g. Redis down)
// then look like cache misses or skipped writes to the application.
type ResilientCache[T any] struct {
	inner Cache[T]
}

// NewResilient creates a new ResilientCache wrapper.
func NewResilient[T any](inner Cache[T]) *ResilientCache[T] {
	return &ResilientCache[T]{inner: inner}
}

// Get implements Cache.Get.
// If the inner cache fails, it logs the error and returns a cache miss.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		slog.Warn("ttlcache: cache get failed (resiliency active)", "key", key, "error", err)
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Has implements Cache.Has.
func (r *ResilientCache[T]) Has(ctx context.Context, key string) (bool, error) {
	ok, err := r.inner.Has(ctx, key)
	if err != nil {
		slog.Warn("ttlcache: cache has failed (resiliency active)", "key", key, "error", err)
		return false, nil
	}
	return ok, nil
}

// Set implements Cache.Set.
// If the inner cache fails, it logs the error and returns nil.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration, opts ...EntryOption) error {
	if err := r.inner.Set(ctx, key, value, ttl, opts...); err != nil {
		slog.Warn("ttlcache: cache set failed (resiliency active)", "key", key, "error", err)
	}
	return nil
}

// Delete implements Cache.Delete.
func (r *ResilientCache[T]) Delete(ctx context.Context, key string) error {
	if err := r.inner.Delete(ctx, key); err != nil {
		slog.Warn("ttlcache: cache delete failed (resiliency active)", "key", key, "error", err)
	}
	return nil
}

// Clear implements Cache.Clear.
func (r *ResilientCache[T]) Clear(ctx context.Context) error {
	if err := r.inner.Clear(ctx); err != nil {
		slog.Warn("ttlcache: cache clear failed (resiliency active)", "error", err)
	}
	return nil
}

// InvalidateTag implements Cache.InvalidateTag.
func (r *ResilientCache[T]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	n, err := r.inner.InvalidateTag(ctx, tag)
	if err != nil {
		slog.Warn("ttlcache: cache tag invalidation failed (resiliency active)", "tag", tag, "error", err)
		return 0, nil
	}
	return n, nil
}

// Stats implements Cache.Stats. A failing backend reports empty stats.
func (r *ResilientCache[T]) Stats(ctx context.Context) (Stats, error) {
	st, err := r.inner.Stats(ctx)
	if err != nil {
		slog.Warn("ttlcache: cache stats failed (resiliency active)", "error", err)
		return Stats{}, nil
	}
	return st, nil
}

var _ Cache[int] = (*ResilientCache[int])(nil)
