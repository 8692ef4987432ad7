package cache

import (
	"container/list"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-ttlcache/v1/cache")

// Cache defines the operations shared by every cache backend.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether a live entry was found. A miss is not an error.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL,
	// replacing any previous entry. A non-positive TTL selects the
	// backend default.
	Set(ctx context.Context, key string, value T, ttl time.Duration, opts ...EntryOption) error
	// Has reports whether Get would find a live entry for key.
	Has(ctx context.Context, key string) (bool, error)
	// Delete removes the key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// InvalidateTag removes all entries carrying tag and returns how many
	// live entries were removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)
	// Stats reports the live entries and usage counters.
	Stats(ctx context.Context) (Stats, error)
}

// Peeker is implemented by caches that can report whether a key is live
// without recording a lookup.
type Peeker interface {
	Contains(ctx context.Context, key string) (bool, error)
}

// Stats reports the content and usage of a cache.
type Stats struct {
	// Size is the number of live entries.
	Size int
	// Keys lists the live keys in ascending order.
	Keys []string
	// Hits and Misses count Get and Has lookups.
	Hits   uint64
	Misses uint64
	// Evictions counts entries dropped by the cache itself, either because
	// they expired or because the capacity bound was reached.
	Evictions uint64
}

// InMemoryCache is a process local cache with per entry TTL.
//
// Expired entries are removed lazily: by the lookup that observes them, by
// Stats, or when the capacity bound forces room to be made. There is no
// background sweeper. All methods are safe for concurrent use.
type InMemoryCache[T any] struct {
	mu         sync.Mutex
	items      map[string]item[T]
	order      *list.List
	clock      clock.Clock
	defaultTTL time.Duration
	maxEntries int

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	tags      []string
	element   *list.Element
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithClock sets the time source used to compute and check expiry.
func WithClock[T any](clk clock.Clock) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithDefaultTTL sets the TTL applied when Set receives a non-positive TTL.
func WithDefaultTTL[T any](ttl time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithMaxEntries sets the maximum number of entries the cache can hold.
// When an insert overflows the bound, expired entries are dropped first and
// then the least recently used one. A non-positive value means unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttlcache_hits_total",
			Help: "Total number of cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttlcache_misses_total",
			Help: "Total number of cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttlcache_evictions_total",
			Help: "Total number of entries evicted on expiry or capacity",
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ttlcache_latency_seconds",
			Help:    "Latency of cache operations",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

// NewInMemory returns a new InMemoryCache.
//
// Without options the cache is unbounded, uses the wall clock and applies
// DefaultTTL to entries stored without an explicit TTL.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items:      make(map[string]item[T]),
		order:      list.New(),
		clock:      clock.New(),
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// observe starts a span and latency measurement for op when enabled. The
// returned func must be called with the outcome once the operation ends.
func (c *InMemoryCache[T]) observe(ctx context.Context, op string) (context.Context, func(result string)) {
	if !c.traceEnabled && c.latencyHist == nil {
		return ctx, func(string) {}
	}
	start := time.Now()
	var span trace.Span
	if c.traceEnabled {
		ctx, span = tracer.Start(ctx, "Cache."+op)
	}
	return ctx, func(result string) {
		latency := time.Since(start)
		if span != nil {
			if result != "" {
				span.SetAttributes(attribute.String("ttlcache.result", result))
			}
			span.SetAttributes(attribute.Int64("ttlcache.latency_ms", latency.Milliseconds()))
			span.End()
		}
		if c.latencyHist != nil {
			c.latencyHist.Observe(latency.Seconds())
		}
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	result := "miss"
	ctx, done := c.observe(ctx, "Get")
	defer func() { done(result) }()

	if err := ctx.Err(); err != nil {
		result = "error"
		return zero, false, err
	}
	c.mu.Lock()
	it, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.recordMiss()
		return zero, false, nil
	}
	if c.clock.Now().After(it.expiresAt) {
		c.evictLocked(key, it)
		c.mu.Unlock()
		c.recordMiss()
		return zero, false, nil
	}
	// mark as recently used
	c.order.MoveToFront(it.element)
	c.mu.Unlock()

	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	result = "hit"
	return it.value, true, nil
}

// Has implements Cache.Has. It shares the eviction side effect of Get.
func (c *InMemoryCache[T]) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

// Contains implements Peeker. Unlike Has it leaves the hit and miss counters
// and the recency order untouched; an expired entry is still evicted.
func (c *InMemoryCache[T]) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return false, nil
	}
	if c.clock.Now().After(it.expiresAt) {
		c.evictLocked(key, it)
		return false, nil
	}
	return true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration, opts ...EntryOption) error {
	ctx, done := c.observe(ctx, "Set")
	defer done("")

	if err := ctx.Err(); err != nil {
		return err
	}
	eo := newEntryOptions(opts)
	now := c.clock.Now()
	exp := now.Add(resolveTTL(ttl, c.defaultTTL))

	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		it.tags = eo.tags
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = item[T]{value: value, expiresAt: exp, tags: eo.tags, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		c.purgeExpiredLocked(now)
		for len(c.items) > c.maxEntries {
			tail := c.order.Back()
			if tail == nil {
				break
			}
			k := tail.Value.(string)
			c.evictLocked(k, c.items[k])
		}
	}
	return nil
}

// Delete implements Cache.Delete.
func (c *InMemoryCache[T]) Delete(ctx context.Context, key string) error {
	ctx, done := c.observe(ctx, "Delete")
	defer done("")

	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if it, ok := c.items[key]; ok {
		c.order.Remove(it.element)
		delete(c.items, key)
	}
	c.mu.Unlock()
	return nil
}

// Clear implements Cache.Clear.
func (c *InMemoryCache[T]) Clear(ctx context.Context) error {
	ctx, done := c.observe(ctx, "Clear")
	defer done("")

	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
	return nil
}

// InvalidateTag implements Cache.InvalidateTag. Expired entries carrying the
// tag are evicted but not counted.
func (c *InMemoryCache[T]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	ctx, done := c.observe(ctx, "InvalidateTag")
	defer done("")

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := c.clock.Now()
	removed := 0
	c.mu.Lock()
	for k, it := range c.items {
		if !slices.Contains(it.tags, tag) {
			continue
		}
		if now.After(it.expiresAt) {
			c.evictLocked(k, it)
			continue
		}
		c.order.Remove(it.element)
		delete(c.items, k)
		removed++
	}
	c.mu.Unlock()
	return removed, nil
}

// Stats implements Cache.Stats.
//
// Expired entries are evicted before counting, so Size and Keys only
// describe entries a Get would return at this instant.
func (c *InMemoryCache[T]) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	c.mu.Lock()
	c.purgeExpiredLocked(c.clock.Now())
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	slices.Sort(keys)
	return Stats{
		Size:      len(keys),
		Keys:      keys,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}, nil
}

func (c *InMemoryCache[T]) purgeExpiredLocked(now time.Time) {
	for k, it := range c.items {
		if now.After(it.expiresAt) {
			c.evictLocked(k, it)
		}
	}
}

func (c *InMemoryCache[T]) evictLocked(key string, it item[T]) {
	c.order.Remove(it.element)
	delete(c.items, key)
	c.evictions.Add(1)
	if c.evictionCounter != nil {
		c.evictionCounter.Inc()
	}
}

func (c *InMemoryCache[T]) recordMiss() {
	c.misses.Add(1)
	if c.missCounter != nil {
		c.missCounter.Inc()
	}
}

var (
	_ Cache[int] = (*InMemoryCache[int])(nil)
	_ Peeker     = (*InMemoryCache[int])(nil)
)
