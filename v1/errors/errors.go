package errors

import "errors"

var (
	// ErrClosed is returned by caches and buses used after Close.
	ErrClosed = errors.New("ttlcache: closed")
	// ErrValueType is returned when a value does not have the type a codec expects.
	ErrValueType = errors.New("ttlcache: unexpected value type")
	// ErrInvalidEvent is returned when an invalidation event cannot be decoded.
	ErrInvalidEvent = errors.New("ttlcache: invalid event")
)
