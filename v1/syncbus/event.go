package syncbus

import (
	"encoding/json"
	"fmt"

	ttlerrors "github.com/mirkobrombin/go-ttlcache/v1/errors"
)

// Op identifies the kind of invalidation carried by an Event.
type Op string

const (
	// OpDelete drops a single key.
	OpDelete Op = "delete"
	// OpClear drops every key.
	OpClear Op = "clear"
	// OpTag drops every key carrying a tag.
	OpTag Op = "tag"
)

// Event is an invalidation broadcast between caches.
type Event struct {
	Op     Op     `json:"op"`
	Key    string `json:"key,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Origin string `json:"origin"`
}

// Encode returns the wire form of e.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses an event produced by Encode.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ttlerrors.ErrInvalidEvent, err)
	}
	switch e.Op {
	case OpDelete, OpClear, OpTag:
	default:
		return Event{}, fmt.Errorf("%w: unknown op %q", ttlerrors.ErrInvalidEvent, e.Op)
	}
	return e, nil
}
