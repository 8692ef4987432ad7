package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS backend. Channels map to subjects.
type NATSBus struct {
	conn *nats.Conn
	subs *fanout

	mu        sync.Mutex
	natsSubs  map[string]*nats.Subscription
	published atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:     conn,
		subs:     newFanout(),
		natsSubs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(channel, payload); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning.
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.natsSubs[channel]; !ok {
		ns, err := b.conn.Subscribe(channel, func(msg *nats.Msg) {
			b.subs.dispatch(channel, msg.Data)
		})
		if err != nil {
			return nil, err
		}
		if err := b.conn.FlushWithContext(ctx); err != nil {
			_ = ns.Unsubscribe()
			return nil, err
		}
		b.natsSubs[channel] = ns
	}
	ch := b.subs.add(ctx, channel, func(ch chan []byte) {
		_ = b.Unsubscribe(context.Background(), channel, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, channel string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.subs.remove(channel, ch); !last {
		return nil
	}
	ns, ok := b.natsSubs[channel]
	if !ok {
		return nil
	}
	delete(b.natsSubs, channel)
	return ns.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}
