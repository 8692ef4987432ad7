package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	ttlerrors "github.com/mirkobrombin/go-ttlcache/v1/errors"
)

// receive waits for one payload on ch.
func receive(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for payload")
	}
	return nil
}

// waitClosed waits until ch is closed, draining pending payloads.
func waitClosed(t *testing.T, ch chan []byte) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for channel close")
		}
	}
}

func TestInMemoryBusPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch1, err := bus.Subscribe(ctx, "inv")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, _ := bus.Subscribe(ctx, "inv")
	other, _ := bus.Subscribe(ctx, "other")

	if err := bus.Publish(ctx, "inv", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, ch1); string(got) != "hello" {
		t.Fatalf("unexpected payload %q", got)
	}
	if got := receive(t, ch2); string(got) != "hello" {
		t.Fatalf("unexpected payload %q", got)
	}
	select {
	case <-other:
		t.Fatal("payload leaked to another channel")
	default:
	}

	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "inv")
	if err := bus.Unsubscribe(ctx, "inv", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitClosed(t, ch)
	// a second unsubscribe is a no-op
	if err := bus.Unsubscribe(ctx, "inv", ch); err != nil {
		t.Fatalf("unsubscribe twice: %v", err)
	}
	if err := bus.Publish(ctx, "inv", []byte("x")); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestInMemoryBusUnsubscribeReleasesContextWatch(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch1, _ := bus.Subscribe(ctx, "inv")
	ch2, _ := bus.Subscribe(context.Background(), "inv")

	bus.subs.mu.Lock()
	n := len(bus.subs.stops)
	bus.subs.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 context watches, got %d", n)
	}

	_ = bus.Unsubscribe(context.Background(), "inv", ch1)
	_ = bus.Unsubscribe(context.Background(), "inv", ch2)
	bus.subs.mu.Lock()
	n = len(bus.subs.stops)
	bus.subs.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected context watches to be released, %d left", n)
	}
}

func TestInMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx, "inv")
	cancel()
	waitClosed(t, ch)
}

func TestInMemoryBusClosed(t *testing.T) {
	bus := NewInMemoryBus()
	ch, _ := bus.Subscribe(context.Background(), "inv")
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitClosed(t, ch)
	if err := bus.Publish(context.Background(), "inv", nil); !errors.Is(err, ttlerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "inv"); !errors.Is(err, ttlerrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	in := Event{Op: OpTag, Tag: "users", Origin: "node-a"}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestDecodeEventInvalid(t *testing.T) {
	for _, data := range []string{"not json", `{"op":"explode"}`, `{}`} {
		if _, err := DecodeEvent([]byte(data)); !errors.Is(err, ttlerrors.ErrInvalidEvent) {
			t.Fatalf("%s: expected ErrInvalidEvent, got %v", data, err)
		}
	}
}
