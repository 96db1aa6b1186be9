// Package codec turns typed events into wire payloads and back.
package codec

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
)

// Codec converts between an event type and its payload bytes.
type Codec[T any] interface {
	Encode(event T) ([]byte, error)
	Decode(data []byte) (T, error)
	Name() string
}

var jsonAPI = sonic.ConfigStd

// JSON encodes events with sonic using encoding/json compatible settings.
type JSON[T any] struct{}

func NewJSON[T any]() JSON[T] { return JSON[T]{} }

func (JSON[T]) Name() string { return "json" }

func (JSON[T]) Encode(event T) ([]byte, error) {
	data, err := jsonAPI.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json event: %w", err)
	}
	return data, nil
}

func (JSON[T]) Decode(data []byte) (T, error) {
	var event T
	if err := jsonAPI.Unmarshal(data, &event); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal json event: %w", err)
	}
	return event, nil
}

// Proto encodes protobuf messages in binary wire format.
type Proto[T proto.Message] struct {
	typ reflect.Type
}

// NewProto builds a protobuf codec for T. T must be a pointer to a
// generated message type.
func NewProto[T proto.Message]() (*Proto[T], error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessageTypeRequired
	}
	return &Proto[T]{typ: typ.Elem()}, nil
}

// MustProto is NewProto that panics on error.
func MustProto[T proto.Message]() *Proto[T] {
	c, err := NewProto[T]()
	if err != nil {
		panic(err)
	}
	return c
}

func (p *Proto[T]) Name() string { return "protobuf" }

func (p *Proto[T]) Encode(event T) ([]byte, error) {
	data, err := proto.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal proto event: %w", err)
	}
	return data, nil
}

func (p *Proto[T]) Decode(data []byte) (T, error) {
	event, ok := reflect.New(p.typ).Interface().(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %s", p.typ)
	}
	if err := proto.Unmarshal(data, event); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal proto event: %w", err)
	}
	return event, nil
}

// Raw passes byte slices through untouched.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Encode(event []byte) ([]byte, error) { return event, nil }

func (Raw) Decode(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

var (
	_ Codec[struct{}] = JSON[struct{}]{}
	_ Codec[[]byte]   = Raw{}
)
