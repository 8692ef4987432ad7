package cache

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "ttlcache"
	scanBatch          = 100
)

// RedisCache implements Cache using a Redis backend.
//
// Values live under <prefix>:data:<key> with a native Redis expiry. Tags are
// kept as sets under <prefix>:tag:<tag>, and the tags of each entry under
// <prefix>:tags:<key> so that an overwrite can drop its old memberships.
type RedisCache[T any] struct {
	client     redis.UniversalClient
	codec      Codec
	prefix     string
	defaultTTL time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
}

type redisConfig struct {
	codec      Codec
	prefix     string
	defaultTTL time.Duration
}

// RedisOption configures a RedisCache.
type RedisOption func(*redisConfig)

// WithCodec sets the codec used to encode values. The default is JSONCodec.
func WithCodec(codec Codec) RedisOption {
	return func(c *redisConfig) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithKeyPrefix sets the namespace under which all keys are stored.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *redisConfig) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithRedisDefaultTTL sets the TTL applied when Set receives a non-positive TTL.
func WithRedisDefaultTTL(ttl time.Duration) RedisOption {
	return func(c *redisConfig) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// NewRedis returns a new RedisCache using the provided Redis client.
func NewRedis[T any](client redis.UniversalClient, opts ...RedisOption) *RedisCache[T] {
	cfg := redisConfig{
		codec:      JSONCodec{},
		prefix:     defaultRedisPrefix,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &RedisCache[T]{
		client:     client,
		codec:      cfg.codec,
		prefix:     cfg.prefix,
		defaultTTL: cfg.defaultTTL,
	}
}

func (c *RedisCache[T]) dataKey(key string) string { return c.prefix + ":data:" + key }
func (c *RedisCache[T]) tagKey(tag string) string  { return c.prefix + ":tag:" + tag }
func (c *RedisCache[T]) tagsKey(key string) string { return c.prefix + ":tags:" + key }

// Get implements Cache.Get.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.Get(ctx, c.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	c.hits.Add(1)
	return v, true, nil
}

// Has implements Cache.Has.
func (c *RedisCache[T]) Has(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.dataKey(key)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		c.misses.Add(1)
		return false, nil
	}
	c.hits.Add(1)
	return true, nil
}

// Set implements Cache.Set.
func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration, opts ...EntryOption) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return err
	}
	eo := newEntryOptions(opts)
	ttl = resolveTTL(ttl, c.defaultTTL)

	oldTags, err := c.client.SMembers(ctx, c.tagsKey(key)).Result()
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range oldTags {
			pipe.SRem(ctx, c.tagKey(t), key)
		}
		pipe.Del(ctx, c.tagsKey(key))
		pipe.Set(ctx, c.dataKey(key), data, ttl)
		if len(eo.tags) > 0 {
			members := make([]any, len(eo.tags))
			for i, t := range eo.tags {
				members[i] = t
				pipe.SAdd(ctx, c.tagKey(t), key)
			}
			pipe.SAdd(ctx, c.tagsKey(key), members...)
			pipe.PExpire(ctx, c.tagsKey(key), ttl)
		}
		return nil
	})
	return err
}

// Delete implements Cache.Delete.
func (c *RedisCache[T]) Delete(ctx context.Context, key string) error {
	tags, err := c.client.SMembers(ctx, c.tagsKey(key)).Result()
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, t := range tags {
			pipe.SRem(ctx, c.tagKey(t), key)
		}
		pipe.Del(ctx, c.dataKey(key), c.tagsKey(key))
		return nil
	})
	return err
}

// Clear implements Cache.Clear. It removes every key under the prefix.
func (c *RedisCache[T]) Clear(ctx context.Context) error {
	return c.scan(ctx, c.prefix+":*", func(keys []string) error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// InvalidateTag implements Cache.InvalidateTag.
func (c *RedisCache[T]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	members, err := c.client.SMembers(ctx, c.tagKey(tag)).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	dataKeys := make([]string, len(members))
	tagsKeys := make([]string, len(members))
	for i, k := range members {
		dataKeys[i] = c.dataKey(k)
		tagsKeys[i] = c.tagsKey(k)
	}
	var removed *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, dataKeys...)
		pipe.Del(ctx, tagsKeys...)
		pipe.Del(ctx, c.tagKey(tag))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(removed.Val()), nil
}

// Stats implements Cache.Stats. Redis never reports expired keys, so the
// result only contains live entries.
func (c *RedisCache[T]) Stats(ctx context.Context) (Stats, error) {
	dataPrefix := c.dataKey("")
	var keys []string
	err := c.scan(ctx, dataPrefix+"*", func(batch []string) error {
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, dataPrefix))
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	return Stats{
		Size:   len(keys),
		Keys:   keys,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}, nil
}

func (c *RedisCache[T]) scan(ctx context.Context, match string, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

var _ Cache[int] = (*RedisCache[int])(nil)
