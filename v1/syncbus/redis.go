package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub. One Redis subscription is
// opened per channel and shared by all local subscribers.
type RedisBus struct {
	client redis.UniversalClient
	subs   *fanout

	mu        sync.Mutex
	pubsubs   map[string]*redis.PubSub
	published atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided Redis client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    newFanout(),
		pubsubs: make(map[string]*redis.PubSub),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis has confirmed
// the subscription, so payloads published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pubsubs[channel]; !ok {
		ps := b.client.Subscribe(context.Background(), channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.pubsubs[channel] = ps
		go b.dispatch(channel, ps)
	}
	ch := b.subs.add(ctx, channel, func(ch chan []byte) {
		_ = b.Unsubscribe(context.Background(), channel, ch)
	})
	return ch, nil
}

func (b *RedisBus) dispatch(channel string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.subs.dispatch(channel, []byte(msg.Payload))
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, channel string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.subs.remove(channel, ch); !last {
		return nil
	}
	ps, ok := b.pubsubs[channel]
	if !ok {
		return nil
	}
	delete(b.pubsubs, channel)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

// Close closes every subscription. The client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for channel, ps := range b.pubsubs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.pubsubs, channel)
	}
	b.subs.closeAll()
	return firstErr
}
