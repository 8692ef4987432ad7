package cache

import (
	"bytes"
	"errors"
	"testing"

	ttlerrors "github.com/mirkobrombin/go-ttlcache/v1/errors"
)

func TestByteCodec(t *testing.T) {
	codec := ByteCodec{}

	t.Run("Marshal []byte", func(t *testing.T) {
		input := []byte("hello")
		data, err := codec.Marshal(input)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if !bytes.Equal(data, input) {
			t.Fatalf("Marshal returned unexpected data: got %s, want %s", data, input)
		}
	})

	t.Run("String round trip", func(t *testing.T) {
		data, err := codec.Marshal("plain")
		if err != nil || string(data) != "plain" {
			t.Fatalf("Marshal string: %q err %v", data, err)
		}
		var out string
		if err := codec.Unmarshal(data, &out); err != nil || out != "plain" {
			t.Fatalf("Unmarshal string: %q err %v", out, err)
		}
	})

	t.Run("Marshal Invalid Type", func(t *testing.T) {
		_, err := codec.Marshal(42)
		if !errors.Is(err, ttlerrors.ErrValueType) {
			t.Fatalf("expected ErrValueType, got %v", err)
		}
	})

	t.Run("Unmarshal *[]byte", func(t *testing.T) {
		input := []byte("world")
		var output []byte
		if err := codec.Unmarshal(input, &output); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if !bytes.Equal(output, input) {
			t.Fatalf("Unmarshal returned unexpected data: got %s, want %s", output, input)
		}
	})

	t.Run("Unmarshal Invalid Type", func(t *testing.T) {
		var output int
		if err := codec.Unmarshal([]byte("world"), &output); !errors.Is(err, ttlerrors.ErrValueType) {
			t.Fatalf("expected ErrValueType, got %v", err)
		}
	})
}

func TestGobCodecStruct(t *testing.T) {
	type profile struct {
		Name string
		Age  int
	}
	codec := GobCodec{}
	data, err := codec.Marshal(profile{Name: "Ada", Age: 36})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got profile
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Name != "Ada" || got.Age != 36 {
		t.Fatalf("unexpected value %+v", got)
	}
}
