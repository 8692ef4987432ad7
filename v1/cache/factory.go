package cache

import "time"

// Strategy selects the backend built by cache.New.
type Strategy int

const (
	// MemoryStrategy builds an InMemoryCache, bounded by entry count and
	// evicting the least recently used entry.
	MemoryStrategy Strategy = iota
	// LFUStrategy builds a RistrettoCache, bounded by cost and admitting
	// entries through TinyLFU.
	LFUStrategy
)

// Option configures cache.New.
type Option[T any] func(*factoryConfig[T])

type factoryConfig[T any] struct {
	strategy   Strategy
	capacity   int
	defaultTTL time.Duration
}

// WithStrategy selects the backend to use. The default is MemoryStrategy.
func WithStrategy[T any](s Strategy) Option[T] {
	return func(cfg *factoryConfig[T]) {
		cfg.strategy = s
	}
}

// WithCapacity bounds the cache. It is the maximum number of entries for
// MemoryStrategy and the maximum cost for LFUStrategy.
func WithCapacity[T any](n int) Option[T] {
	return func(cfg *factoryConfig[T]) {
		cfg.capacity = n
	}
}

// WithTTL sets the TTL applied when Set receives a non-positive TTL.
func WithTTL[T any](ttl time.Duration) Option[T] {
	return func(cfg *factoryConfig[T]) {
		if ttl > 0 {
			cfg.defaultTTL = ttl
		}
	}
}

// New returns a Cache using the selected strategy.
//
// By default an unbounded InMemoryCache is created.
func New[T any](opts ...Option[T]) (Cache[T], error) {
	cfg := factoryConfig[T]{strategy: MemoryStrategy, defaultTTL: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.strategy {
	case LFUStrategy:
		var ropts []RistrettoOption
		if cfg.capacity > 0 {
			ropts = append(ropts, WithMaxCost(int64(cfg.capacity)))
		}
		r, err := NewRistretto[T](ropts...)
		if err != nil {
			return nil, err
		}
		r.defaultTTL = cfg.defaultTTL
		return r, nil
	default:
		return NewInMemory[T](
			WithMaxEntries[T](cfg.capacity),
			WithDefaultTTL[T](cfg.defaultTTL),
		), nil
	}
}
