package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	ttlerrors "github.com/mirkobrombin/go-ttlcache/v1/errors"
)

// subscriberBuffer is the number of payloads a subscriber may lag behind
// before further payloads are dropped for it.
const subscriberBuffer = 64

// Bus provides a simple pub/sub mechanism used to propagate cache
// invalidation events across processes. Payloads are opaque bytes
// delivered to every subscriber of the channel they were published on.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel receiving payloads until ctx is canceled
	// or Unsubscribe is called, after which it is closed.
	Subscribe(ctx context.Context, channel string) (chan []byte, error)
	Unsubscribe(ctx context.Context, channel string, ch chan []byte) error
}

// Metrics reports the number of published and delivered payloads.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the subscriber channels of a bus. Sends and closes happen
// under the same lock so a payload is never sent on a closed channel.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan []byte
	stops     map[chan []byte]func() bool
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{
		subs:  make(map[string][]chan []byte),
		stops: make(map[chan []byte]func() bool),
	}
}

// add registers a subscriber on channel. onDone runs once ctx is done,
// unless the subscriber is removed first.
func (f *fanout) add(ctx context.Context, channel string, onDone func(ch chan []byte)) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.stops[ch] = context.AfterFunc(ctx, func() { onDone(ch) })
	return ch
}

// remove closes ch and reports whether it was the last subscriber of channel.
func (f *fanout) remove(channel string, ch chan []byte) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stop, ok := f.stops[ch]; ok {
		stop()
		delete(f.stops, ch)
	}
	subs := f.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, channel)
		return found, found
	}
	f.subs[channel] = subs
	return found, false
}

func (f *fanout) dispatch(channel string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[channel] {
		select {
		case ch <- payload:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for channel, subs := range f.subs {
		for _, c := range subs {
			close(c)
		}
		delete(f.subs, channel)
	}
	for ch, stop := range f.stops {
		stop()
		delete(f.stops, ch)
	}
}

// InMemoryBus is a local implementation of Bus, mainly for testing and
// for several caches sharing one process.
type InMemoryBus struct {
	subs      *fanout
	published atomic.Uint64
	closed    atomic.Bool
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.closed.Load() {
		return ttlerrors.ErrClosed
	}
	b.published.Add(1)
	b.subs.dispatch(channel, payload)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ttlerrors.ErrClosed
	}
	ch := b.subs.add(ctx, channel, func(ch chan []byte) {
		_ = b.Unsubscribe(context.Background(), channel, ch)
	})
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch chan []byte) error {
	b.subs.remove(channel, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.subs.delivered.Load(),
	}
}

// Close closes every subscription. Later publishes return ErrClosed.
func (b *InMemoryBus) Close() error {
	b.closed.Store(true)
	b.subs.closeAll()
	return nil
}
