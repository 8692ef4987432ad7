package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	ttlerrors "github.com/mirkobrombin/go-ttlcache/v1/errors"
)

// Codec turns cache values into the bytes a RedisCache stores under its
// data keys, and back.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the RedisCache default. Values stay readable with redis-cli.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec keeps Go types that JSON flattens, such as maps with non string
// keys.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob codec: marshal %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob codec: unmarshal into %T: %w", v, err)
	}
	return nil
}

// ByteCodec stores strings and byte slices as they are, so a
// RedisCache[string] or RedisCache[[]byte] shares keys with plain Redis
// clients. Other types fail with ErrValueType.
type ByteCodec struct{}

func (ByteCodec) Marshal(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	}
	return nil, fmt.Errorf("byte codec: marshal %T: %w", v, ttlerrors.ErrValueType)
}

func (ByteCodec) Unmarshal(data []byte, v any) error {
	switch p := v.(type) {
	case *[]byte:
		*p = data
		return nil
	case *string:
		*p = string(data)
		return nil
	}
	return fmt.Errorf("byte codec: unmarshal into %T: %w", v, ttlerrors.ErrValueType)
}
