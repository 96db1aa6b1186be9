// Package wire defines the envelope persisted to the broker. The JSON form is
// {"sid": base64("namespace/key"), "ctx": {...}, "p": base64(payload)} and can
// be decoded by consumers that know nothing about the runtime.
package wire

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go/jetstream"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	idspkg "github.com/drblury/streambridge/internal/runtime/ids"
	"github.com/drblury/streambridge/internal/runtime/requestctx"
)

// jsonAPI matches sonic.ConfigStd but decodes integers in ctx as int64, so
// values above 2^53 survive the round trip.
var jsonAPI = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	CopyString:       true,
	ValidateString:   true,
	UseInt64:         true,
}.Froze()

// Message is the unit exchanged with the broker.
type Message struct {
	// ID deduplicates retried publishes. It travels as the Nats-Msg-Id
	// header, never in the body.
	ID         string
	RoutingKey RoutingKey
	Context    requestctx.Values
	Payload    []byte

	// Handle is the broker record this message was fetched from. It is only
	// set on the consumer side and is never serialized.
	Handle jetstream.Msg
}

type envelope struct {
	StreamID string            `json:"sid"`
	Context  requestctx.Values `json:"ctx,omitempty"`
	Payload  []byte            `json:"p"`
}

// NewMessage validates its inputs and assigns a fresh message ID. An empty
// payload is rejected here so it never reaches the broker.
func NewMessage(key RoutingKey, payload []byte, ctx requestctx.Values) (*Message, error) {
	m := &Message{
		ID:         idspkg.NewMessageID(),
		RoutingKey: key,
		Context:    ctx,
		Payload:    payload,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the invariants every message must hold before encoding.
func (m *Message) Validate() error {
	if m == nil {
		return errspkg.ErrEmptyPayload
	}
	if err := m.RoutingKey.Validate(); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return errspkg.ErrEmptyPayload
	}
	return nil
}

// Encode returns the JSON envelope for m.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	env := envelope{
		StreamID: base64.StdEncoding.EncodeToString([]byte(m.RoutingKey.String())),
		Context:  m.Context,
		Payload:  m.Payload,
	}
	data, err := jsonAPI.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal wire message: %w", err)
	}
	return data, nil
}

// Decode parses a JSON envelope. The returned message has no ID or Handle.
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := jsonAPI.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrDecode, err)
	}
	if env.StreamID == "" {
		return nil, fmt.Errorf("%w: sid is missing", errspkg.ErrDecode)
	}
	raw, err := base64.StdEncoding.DecodeString(env.StreamID)
	if err != nil {
		return nil, fmt.Errorf("%w: sid is not base64: %w", errspkg.ErrDecode, err)
	}
	key, err := ParseRoutingKey(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrDecode, err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrDecode, errspkg.ErrEmptyPayload)
	}
	return &Message{
		RoutingKey: key,
		Context:    env.Context,
		Payload:    env.Payload,
	}, nil
}
