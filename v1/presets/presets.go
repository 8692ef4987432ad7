package presets

import (
	"context"
	"errors"

	"github.com/mirkobrombin/go-ttlcache/v1/cache"
	"github.com/mirkobrombin/go-ttlcache/v1/syncbus"
	redis "github.com/redis/go-redis/v9"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys of a Redis backed cache.
	Prefix string
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

// NewStandalone creates an in-memory cache with no external dependencies,
// using the default TTL. Useful for local development or simple caching.
func NewStandalone[T any]() *cache.InMemoryCache[T] {
	return cache.NewInMemory[T]()
}

// NewRedis creates a cache stored in Redis. Values are JSON encoded and
// expire through Redis native TTLs, so several processes share one view.
func NewRedis[T any](opts RedisOptions) *cache.RedisCache[T] {
	var ropts []cache.RedisOption
	if opts.Prefix != "" {
		ropts = append(ropts, cache.WithKeyPrefix(opts.Prefix))
	}
	return cache.NewRedis[T](opts.client(), ropts...)
}

// RedisSynced is a Synced cache that owns its Redis connection.
type RedisSynced[T any] struct {
	*cache.Synced[T]
	bus    *syncbus.RedisBus
	client *redis.Client
}

// Close stops listening for invalidations and closes the Redis bus and
// client.
func (r *RedisSynced[T]) Close() error {
	return errors.Join(r.Synced.Close(), r.bus.Close(), r.client.Close())
}

// NewRedisSynced creates an in-memory cache per process whose invalidations
// are exchanged with the other processes over Redis pub/sub on channel.
// Each process keeps its own values; writes only drop the peers' copies.
// The caller must Close the result to release the Redis connection.
func NewRedisSynced[T any](ctx context.Context, opts RedisOptions, channel string) (*RedisSynced[T], error) {
	client := opts.client()
	bus := syncbus.NewRedisBus(client)
	s, err := cache.NewSynced[T](ctx, cache.NewInMemory[T](), bus, channel)
	if err != nil {
		_ = bus.Close()
		_ = client.Close()
		return nil, err
	}
	return &RedisSynced[T]{Synced: s, bus: bus, client: client}, nil
}
