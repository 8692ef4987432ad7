package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mirkobrombin/go-ttlcache/v1/metrics"
	"github.com/mirkobrombin/go-ttlcache/v1/syncbus"
)

// Synced keeps a local cache coherent with caches in other processes by
// exchanging invalidation events over a bus channel.
//
// Writes are applied locally and then announced: Set and Delete publish a
// delete of the key, Clear a clear and InvalidateTag a tag event. Events
// from other nodes are applied to the inner cache without being announced
// again.
type Synced[T any] struct {
	inner   Cache[T]
	bus     syncbus.Bus
	channel string
	origin  string

	events chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynced subscribes to channel on bus and returns a Synced cache wrapping
// inner. The subscription lives until ctx is canceled or Close is called.
func NewSynced[T any](ctx context.Context, inner Cache[T], bus syncbus.Bus, channel string) (*Synced[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	events, err := bus.Subscribe(ctx, channel)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Synced[T]{
		inner:   inner,
		bus:     bus,
		channel: channel,
		origin:  uuid.NewString(),
		events:  events,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.listen()
	return s, nil
}

// Origin returns the identifier stamped on the events this node publishes.
func (s *Synced[T]) Origin() string { return s.origin }

func (s *Synced[T]) listen() {
	defer close(s.done)
	for payload := range s.events {
		ev, err := syncbus.DecodeEvent(payload)
		if err != nil {
			slog.Warn("ttlcache: dropping invalidation event", "channel", s.channel, "error", err)
			continue
		}
		if ev.Origin == s.origin {
			continue
		}
		if err := s.apply(ev); err != nil {
			slog.Warn("ttlcache: applying invalidation event failed", "op", ev.Op, "key", ev.Key, "tag", ev.Tag, "error", err)
			continue
		}
		metrics.RemoteInvalidationCounter.Inc()
	}
}

func (s *Synced[T]) apply(ev syncbus.Event) error {
	ctx := context.Background()
	switch ev.Op {
	case syncbus.OpDelete:
		return s.inner.Delete(ctx, ev.Key)
	case syncbus.OpClear:
		return s.inner.Clear(ctx)
	case syncbus.OpTag:
		_, err := s.inner.InvalidateTag(ctx, ev.Tag)
		return err
	}
	return nil
}

func (s *Synced[T]) publish(ctx context.Context, ev syncbus.Event) error {
	ev.Origin = s.origin
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, s.channel, data); err != nil {
		return fmt.Errorf("ttlcache: publish %s event: %w", ev.Op, err)
	}
	return nil
}

// Get implements Cache.Get.
func (s *Synced[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return s.inner.Get(ctx, key)
}

// Has implements Cache.Has.
func (s *Synced[T]) Has(ctx context.Context, key string) (bool, error) {
	return s.inner.Has(ctx, key)
}

// Contains implements Peeker, falling back to Has when the inner cache
// cannot peek.
func (s *Synced[T]) Contains(ctx context.Context, key string) (bool, error) {
	if p, ok := s.inner.(Peeker); ok {
		return p.Contains(ctx, key)
	}
	return s.inner.Has(ctx, key)
}

// Set implements Cache.Set and invalidates key on the other nodes.
func (s *Synced[T]) Set(ctx context.Context, key string, value T, ttl time.Duration, opts ...EntryOption) error {
	if err := s.inner.Set(ctx, key, value, ttl, opts...); err != nil {
		return err
	}
	return s.publish(ctx, syncbus.Event{Op: syncbus.OpDelete, Key: key})
}

// Delete implements Cache.Delete.
func (s *Synced[T]) Delete(ctx context.Context, key string) error {
	if err := s.inner.Delete(ctx, key); err != nil {
		return err
	}
	return s.publish(ctx, syncbus.Event{Op: syncbus.OpDelete, Key: key})
}

// Clear implements Cache.Clear.
func (s *Synced[T]) Clear(ctx context.Context) error {
	if err := s.inner.Clear(ctx); err != nil {
		return err
	}
	return s.publish(ctx, syncbus.Event{Op: syncbus.OpClear})
}

// InvalidateTag implements Cache.InvalidateTag.
func (s *Synced[T]) InvalidateTag(ctx context.Context, tag string) (int, error) {
	n, err := s.inner.InvalidateTag(ctx, tag)
	if err != nil {
		return n, err
	}
	return n, s.publish(ctx, syncbus.Event{Op: syncbus.OpTag, Tag: tag})
}

// Stats implements Cache.Stats.
func (s *Synced[T]) Stats(ctx context.Context) (Stats, error) {
	return s.inner.Stats(ctx)
}

// Close stops listening for events. The inner cache and the bus stay usable.
func (s *Synced[T]) Close() error {
	s.cancel()
	err := s.bus.Unsubscribe(context.Background(), s.channel, s.events)
	<-s.done
	return err
}

var _ Cache[int] = (*Synced[int])(nil)
