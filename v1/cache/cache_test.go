package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newMockCache returns an InMemoryCache driven by a mock clock.
func newMockCache[T any](t *testing.T, opts ...InMemoryOption[T]) (*InMemoryCache[T], *clock.Mock, context.Context) {
	t.Helper()
	clk := clock.NewMock()
	opts = append([]InMemoryOption[T]{WithClock[T](clk)}, opts...)
	return NewInMemory[T](opts...), clk, context.Background()
}

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory[string]()
	if err := c.Set(ctx, "foo", "bar", time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if v, ok, err := c.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("expected bar, got %v", v)
	}

	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "foo"); ok {
		t.Fatalf("expected key to expire")
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Hits != 1 || st.Misses != 1 || st.Evictions != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestInMemoryCacheRoundTripWithinTTL(t *testing.T) {
	c, _, ctx := newMockCache[string](t)
	if err := c.Set(ctx, "a", "hello", time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := c.Get(ctx, "a"); err != nil || !ok || v != "hello" {
		t.Fatalf("expected hello, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestInMemoryCacheExpiry(t *testing.T) {
	c, clk, ctx := newMockCache[string](t)
	if err := c.Set(ctx, "a", "hello", time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clk.Add(1100 * time.Millisecond)
	if v, ok, err := c.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("expected miss after expiry, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestInMemoryCacheExpiryBoundary(t *testing.T) {
	c, clk, ctx := newMockCache[int](t)
	if err := c.Set(ctx, "k", 1, time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clk.Add(time.Second)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("entry must still be readable at its expiry instant")
	}
	clk.Add(time.Nanosecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("entry must be gone after its expiry instant")
	}
}

func TestInMemoryCacheOverwrite(t *testing.T) {
	c, clk, ctx := newMockCache[int](t)
	if err := c.Set(ctx, "x", 1, 100*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Set(ctx, "x", 2, 100*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, _ := c.Get(ctx, "x"); !ok || v != 2 {
		t.Fatalf("expected 2, got %v", v)
	}

	// the second write also replaces the expiry
	if err := c.Set(ctx, "x", 3, time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clk.Add(2 * time.Second)
	if _, ok, _ := c.Get(ctx, "x"); ok {
		t.Fatal("expected overwrite to shorten the expiry")
	}
}

func TestInMemoryCacheEvictionOnRead(t *testing.T) {
	c, clk, ctx := newMockCache[string](t)
	if err := c.Set(ctx, "a", "v", time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	clk.Add(2 * time.Second)
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatal("expected miss")
	}
	c.mu.Lock()
	_, stored := c.items["a"]
	c.mu.Unlock()
	if stored {
		t.Fatal("expired entry must be removed by the read that observed it")
	}
	if ok, err := c.Has(ctx, "a"); err != nil || ok {
		t.Fatalf("expected Has false, got %v err %v", ok, err)
	}
	st, _ := c.Stats(ctx)
	if st.Size != 0 {
		t.Fatalf("expected size 0, got %d", st.Size)
	}
}

func TestInMemoryCacheHasAlsoEvicts(t *testing.T) {
	c, clk, ctx := newMockCache[string](t)
	_ = c.Set(ctx, "a", "v", time.Second)
	clk.Add(2 * time.Second)
	if ok, _ := c.Has(ctx, "a"); ok {
		t.Fatal("expected Has false")
	}
	c.mu.Lock()
	n := len(c.items)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected Has to evict, %d entries left", n)
	}
}

func TestInMemoryCacheContainsLeavesCounters(t *testing.T) {
	c, clk, ctx := newMockCache[string](t)
	_ = c.Set(ctx, "live", "v", time.Minute)
	_ = c.Set(ctx, "old", "v", time.Second)
	clk.Add(2 * time.Second)

	if ok, err := c.Contains(ctx, "live"); err != nil || !ok {
		t.Fatalf("expected live entry, got %v err %v", ok, err)
	}
	if ok, _ := c.Contains(ctx, "old"); ok {
		t.Fatal("expected expired entry to be reported absent")
	}
	if ok, _ := c.Contains(ctx, "missing"); ok {
		t.Fatal("expected missing entry to be reported absent")
	}
	st, _ := c.Stats(ctx)
	if st.Hits != 0 || st.Misses != 0 {
		t.Fatalf("Contains must not count lookups, got %+v", st)
	}
	if st.Evictions != 1 || st.Size != 1 {
		t.Fatalf("expected the expired entry to be evicted, got %+v", st)
	}
}

func TestInMemoryCacheDeleteAndClear(t *testing.T) {
	c, _, ctx := newMockCache[int](t)
	_ = c.Set(ctx, "k", 1, time.Minute)
	if ok, _ := c.Has(ctx, "k"); !ok {
		t.Fatal("expected Has true")
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := c.Has(ctx, "k"); ok {
		t.Fatal("expected Has false after Delete")
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete of a missing key: %v", err)
	}

	_ = c.Set(ctx, "a", 1, time.Minute)
	_ = c.Set(ctx, "b", 2, time.Minute)
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Size != 0 || len(st.Keys) != 0 {
		t.Fatalf("expected empty stats, got %+v", st)
	}
}

func TestInMemoryCacheKeyIndependence(t *testing.T) {
	c, clk, ctx := newMockCache[string](t)
	_ = c.Set(ctx, "A", "a", time.Second)
	_ = c.Set(ctx, "B", "b", time.Minute)

	_ = c.Set(ctx, "A", "a2", time.Second)
	_ = c.Delete(ctx, "A")
	clk.Add(2 * time.Second)
	_, _, _ = c.Get(ctx, "A")

	if v, ok, _ := c.Get(ctx, "B"); !ok || v != "b" {
		t.Fatalf("operations on A changed B: %q ok=%v", v, ok)
	}
}

func TestInMemoryCacheStatsSkipsExpired(t *testing.T) {
	c, clk, ctx := newMockCache[int](t)
	_ = c.Set(ctx, "p", 1, time.Millisecond)
	_ = c.Set(ctx, "q", 2, time.Minute)
	clk.Add(10 * time.Millisecond)

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Size != 1 || !slices.Equal(st.Keys, []string{"q"}) {
		t.Fatalf("expected only q, got %+v", st)
	}
	if st.Evictions != 1 {
		t.Fatalf("expected the stale entry to be evicted, got %d evictions", st.Evictions)
	}
}

func TestInMemoryCacheStatsKeysSorted(t *testing.T) {
	c, _, ctx := newMockCache[int](t)
	for _, k := range []string{"c", "a", "b"} {
		_ = c.Set(ctx, k, 0, time.Minute)
	}
	st, _ := c.Stats(ctx)
	if !slices.Equal(st.Keys, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected keys %v", st.Keys)
	}
}

func TestInMemoryCacheDefaultTTL(t *testing.T) {
	c, clk, ctx := newMockCache[int](t)
	_ = c.Set(ctx, "zero", 1, 0)
	_ = c.Set(ctx, "negative", 1, -time.Second)

	clk.Add(DefaultTTL)
	if ok, _ := c.Has(ctx, "zero"); !ok {
		t.Fatal("expected zero TTL entry to live for DefaultTTL")
	}
	if ok, _ := c.Has(ctx, "negative"); !ok {
		t.Fatal("expected negative TTL entry to live for DefaultTTL")
	}
	clk.Add(time.Second)
	if ok, _ := c.Has(ctx, "zero"); ok {
		t.Fatal("expected entry to expire after DefaultTTL")
	}
}

func TestInMemoryCacheWithDefaultTTL(t *testing.T) {
	c, clk, ctx := newMockCache[int](t, WithDefaultTTL[int](time.Second))
	_ = c.Set(ctx, "k", 1, 0)
	clk.Add(2 * time.Second)
	if ok, _ := c.Has(ctx, "k"); ok {
		t.Fatal("expected custom default TTL to apply")
	}
}

func TestInMemoryCacheEmptyKey(t *testing.T) {
	c, _, ctx := newMockCache[string](t)
	if err := c.Set(ctx, "", "empty", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, _ := c.Get(ctx, ""); !ok || v != "empty" {
		t.Fatalf("expected empty key to be stored, got %q", v)
	}
}

func TestInMemoryCacheMaxEntries(t *testing.T) {
	c, _, ctx := newMockCache[int](t, WithMaxEntries[int](2))
	_ = c.Set(ctx, "a", 1, time.Minute)
	_ = c.Set(ctx, "b", 2, time.Minute)
	// touch a so b becomes least recently used
	_, _, _ = c.Get(ctx, "a")
	_ = c.Set(ctx, "c", 3, time.Minute)

	if ok, _ := c.Has(ctx, "b"); ok {
		t.Fatal("expected b to be evicted")
	}
	st, _ := c.Stats(ctx)
	if !slices.Equal(st.Keys, []string{"a", "c"}) {
		t.Fatalf("unexpected keys %v", st.Keys)
	}
}

func TestInMemoryCacheMaxEntriesPrefersExpired(t *testing.T) {
	c, clk, ctx := newMockCache[int](t, WithMaxEntries[int](2))
	_ = c.Set(ctx, "old", 1, time.Second)
	_ = c.Set(ctx, "live", 2, time.Minute)
	_, _, _ = c.Get(ctx, "old")
	clk.Add(2 * time.Second)
	_ = c.Set(ctx, "new", 3, time.Minute)

	st, _ := c.Stats(ctx)
	if !slices.Equal(st.Keys, []string{"live", "new"}) {
		t.Fatalf("expected expired entry to make room, got %v", st.Keys)
	}
}

func TestInMemoryCacheTags(t *testing.T) {
	c, clk, ctx := newMockCache[string](t)
	_ = c.Set(ctx, "user:1", "ada", time.Minute, WithTags("users"))
	_ = c.Set(ctx, "user:2", "bob", time.Minute, WithTags("users", "admins"))
	_ = c.Set(ctx, "post:1", "hello", time.Minute, WithTags("posts"))
	_ = c.Set(ctx, "user:3", "old", time.Second, WithTags("users"))
	clk.Add(2 * time.Second)

	n, err := c.InvalidateTag(ctx, "users")
	if err != nil {
		t.Fatalf("InvalidateTag: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 live entries removed, got %d", n)
	}
	st, _ := c.Stats(ctx)
	if !slices.Equal(st.Keys, []string{"post:1"}) {
		t.Fatalf("unexpected keys %v", st.Keys)
	}
}

func TestInMemoryCacheOverwriteReplacesTags(t *testing.T) {
	c, _, ctx := newMockCache[string](t)
	_ = c.Set(ctx, "k", "v1", time.Minute, WithTags("a"))
	_ = c.Set(ctx, "k", "v2", time.Minute)
	if n, _ := c.InvalidateTag(ctx, "a"); n != 0 {
		t.Fatalf("expected overwrite to drop old tags, removed %d", n)
	}
	if v, ok, _ := c.Get(ctx, "k"); !ok || v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}
}

func TestInMemoryCacheContext(t *testing.T) {
	c, _, _ := newMockCache[string](t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Set(ctx, "a", "b", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), "a"); ok {
		t.Fatal("item should not be stored when context is canceled")
	}
	_ = c.Set(context.Background(), "foo", "bar", time.Minute)
	if v, ok, err := c.Get(ctx, "foo"); !errors.Is(err, context.Canceled) || ok || v != "" {
		t.Fatal("expected canceled context to prevent retrieval")
	}
	if err := c.Delete(ctx, "foo"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
	if ok, _ := c.Has(context.Background(), "foo"); !ok {
		t.Fatal("item should remain after canceled delete")
	}
	if _, err := c.Stats(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}

func TestInMemoryCacheConcurrentAccess(t *testing.T) {
	c, clk, ctx := newMockCache[int](t, WithMaxEntries[int](50))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%80)
				_ = c.Set(ctx, key, i, time.Duration(i%5+1)*time.Second)
				_, _, _ = c.Get(ctx, key)
				if i%17 == 0 {
					_ = c.Delete(ctx, key)
				}
			}
		}(g)
	}
	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
	}
	wg.Wait()
	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Size > 50 {
		t.Fatalf("capacity bound violated: %d entries", st.Size)
	}
}

func TestInMemoryCacheMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, clk, ctx := newMockCache[string](t, WithMetrics[string](reg))
	_ = c.Set(ctx, "k", "v", time.Second)
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "missing")
	clk.Add(2 * time.Second)
	_, _, _ = c.Get(ctx, "k")

	if v := testutil.ToFloat64(c.hitCounter); v != 1 {
		t.Fatalf("expected 1 hit, got %v", v)
	}
	if v := testutil.ToFloat64(c.missCounter); v != 2 {
		t.Fatalf("expected 2 misses, got %v", v)
	}
	if v := testutil.ToFloat64(c.evictionCounter); v != 1 {
		t.Fatalf("expected 1 eviction, got %v", v)
	}
}

func TestInMemoryCacheTracing(t *testing.T) {
	c, _, ctx := newMockCache[string](t, WithTracing[string]())
	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := c.Get(ctx, "k"); err != nil || !ok || v != "v" {
		t.Fatalf("expected v, got %q", v)
	}
}
