// Package cache provides TTL caches sharing the Cache interface.
//
// InMemoryCache keeps entries in process and removes expired ones lazily,
// when a lookup or Stats observes them; there is no background sweeper.
// RistrettoCache and RedisCache implement the same contract on top of
// ristretto and Redis. Revalidating adds stale-while-revalidate loading,
// Synced propagates invalidations across processes over a syncbus.Bus, and
// ResilientCache turns backend failures into misses.
package cache
