package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-ttlcache/v1/cache"
	"github.com/mirkobrombin/go-ttlcache/v1/presets"
	redis "github.com/redis/go-redis/v9"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 100000, "Requests")
	dataSize    = flag.Int("d", 256, "Payload size")
	keyspace    = flag.Int("k", 1000, "Number of distinct keys")
	targetFlag  = flag.String("target", "all", "Targets: memory, lfu, redis-cache, server")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	serverAddr  = flag.String("server-addr", "localhost:6380", "ttlcache-server address")
)

var errMiss = errors.New("miss")

type target struct {
	get     func(ctx context.Context, key string) error
	set     func(ctx context.Context, key string, val []byte) error
	cleanup func()
}

func main() {
	flag.Parse()

	payload := make([]byte, *dataSize)
	for i := range payload {
		payload[i] = 'x'
	}

	targets := strings.Split(*targetFlag, ",")
	if *targetFlag == "all" {
		targets = []string{"memory", "lfu", "redis-cache", "server"}
	}

	fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", "Target", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")

	for _, name := range targets {
		name = strings.TrimSpace(name)
		t, err := newTarget(name)
		if err != nil {
			slog.Error("ttlcache: skipping target", "target", name, "error", err)
			continue
		}
		run(name, t, payload)
		if t.cleanup != nil {
			t.cleanup()
		}
	}
}

func newTarget(name string) (target, error) {
	switch name {
	case "memory":
		return fromCache(cache.NewInMemory[[]byte](), nil), nil
	case "lfu":
		c, err := cache.New[[]byte](cache.WithStrategy[[]byte](cache.LFUStrategy), cache.WithCapacity[[]byte](1<<30))
		if err != nil {
			return target{}, err
		}
		return fromCache(c, c.(*cache.RistrettoCache[[]byte]).Close), nil
	case "redis-cache":
		return fromCache(presets.NewRedis[[]byte](presets.RedisOptions{Addr: *redisAddr, Prefix: "bench"}), nil), nil
	case "server":
		r := redis.NewClient(&redis.Options{Addr: *serverAddr})
		return target{
			set:     func(ctx context.Context, k string, v []byte) error { return r.Set(ctx, k, v, 0).Err() },
			get:     func(ctx context.Context, k string) error { return r.Get(ctx, k).Err() },
			cleanup: func() { _ = r.Close() },
		}, nil
	}
	return target{}, fmt.Errorf("unknown target %q", name)
}

func fromCache(c cache.Cache[[]byte], cleanup func()) target {
	return target{
		set: func(ctx context.Context, k string, v []byte) error { return c.Set(ctx, k, v, time.Hour) },
		get: func(ctx context.Context, k string) error {
			_, ok, err := c.Get(ctx, k)
			if err == nil && !ok {
				return errMiss
			}
			return err
		},
		cleanup: cleanup,
	}
}

func run(name string, t target, payload []byte) {
	ctx := context.Background()
	keys := make([]string, *keyspace)
	for i := range keys {
		keys[i] = fmt.Sprintf("bench:%d", i)
		if err := t.set(ctx, keys[i], payload); err != nil {
			fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", name, "FAIL", "-", "-")
			return
		}
	}

	var wg sync.WaitGroup
	var ops atomic.Int64
	chunk := *requests / *concurrency
	latencies := make([][]time.Duration, *concurrency)

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			lat := make([]time.Duration, 0, chunk)
			for j := 0; j < chunk; j++ {
				key := keys[(worker*chunk+j)%len(keys)]
				begin := time.Now()
				if err := t.get(ctx, key); err == nil {
					ops.Add(1)
				}
				lat = append(lat, time.Since(begin))
			}
			latencies[worker] = lat
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops.Load() == 0 {
		fmt.Printf("| %-12s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	var all []time.Duration
	for _, lat := range latencies {
		all = append(all, lat...)
	}
	slices.Sort(all)
	var sum time.Duration
	for _, l := range all {
		sum += l
	}
	avg := sum / time.Duration(len(all))
	p99 := all[len(all)*99/100]

	throughput := float64(ops.Load()) / elapsed.Seconds()
	fmt.Printf("| %-12s | %-10.0f | %-12s | %-12s |\n", name, throughput, avg, p99)
}
