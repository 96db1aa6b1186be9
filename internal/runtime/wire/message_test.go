package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/requestctx"
)

func TestNewMessageRejectsEmptyPayload(t *testing.T) {
	key := RoutingKey{Namespace: "orders", Key: "42"}

	for name, payload := range map[string][]byte{"nil": nil, "empty": {}} {
		t.Run(name, func(t *testing.T) {
			msg, err := NewMessage(key, payload, nil)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, errspkg.ErrEmptyPayload)
		})
	}
}

func TestNewMessageAssignsID(t *testing.T) {
	key := RoutingKey{Namespace: "orders", Key: "42"}
	a, err := NewMessage(key, []byte("x"), nil)
	require.NoError(t, err)
	b, err := NewMessage(key, []byte("x"), nil)
	require.NoError(t, err)

	assert.Len(t, a.ID, 26)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want error
	}{
		{"nil", nil, errspkg.ErrEmptyPayload},
		{"empty payload", &Message{RoutingKey: RoutingKey{"a", "b"}}, errspkg.ErrEmptyPayload},
		{"missing key", &Message{Payload: []byte("x")}, errspkg.ErrInvalidRoutingKey},
		{"dotted key", &Message{RoutingKey: RoutingKey{"a", "b.c"}, Payload: []byte("x")}, errspkg.ErrInvalidSubjectToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeEnvelopeShape(t *testing.T) {
	msg := &Message{
		ID:         "ignored-in-body",
		RoutingKey: RoutingKey{Namespace: "chat", Key: "room-1"},
		Context:    requestctx.Values{"tenant": "acme"},
		Payload:    []byte{0x00, 0xff, 0x10},
	}
	data, err := Encode(msg)
	require.NoError(t, err)

	// A consumer outside the runtime decodes it with nothing but encoding/json.
	var plain struct {
		SID string         `json:"sid"`
		Ctx map[string]any `json:"ctx"`
		P   []byte         `json:"p"`
	}
	require.NoError(t, json.Unmarshal(data, &plain))

	sid, err := base64.StdEncoding.DecodeString(plain.SID)
	require.NoError(t, err)
	assert.Equal(t, "chat/room-1", string(sid))
	assert.Equal(t, "acme", plain.Ctx["tenant"])
	assert.Equal(t, msg.Payload, plain.P)
	assert.NotContains(t, string(data), "ignored-in-body")
}

func TestEncodeOmitsEmptyContext(t *testing.T) {
	data, err := Encode(&Message{RoutingKey: RoutingKey{"a", "b"}, Payload: []byte("x")})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"ctx"`)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"no context", &Message{RoutingKey: RoutingKey{"ns", "k"}, Payload: []byte("hello")}},
		{"context", &Message{
			RoutingKey: RoutingKey{"orders", "550e8400-e29b-41d4-a716-446655440000"},
			Context:    requestctx.Values{"s": "v", "f": 1.5, "b": true, "nested": map[string]any{"x": "y"}},
			Payload:    []byte(`{"amount":10}`),
		}},
		{"integers", &Message{
			RoutingKey: RoutingKey{"ns", "k"},
			Context:    requestctx.Values{"n": int64(1), "big": int64(9007199254740993), "neg": int64(-42), "list": []any{int64(3), 0.25}},
			Payload:    []byte("x"),
		}},
		{"slash in key", &Message{RoutingKey: RoutingKey{"files", "a/b/c"}, Payload: []byte{1}}},
		{"unicode", &Message{RoutingKey: RoutingKey{"münchen", "ключ"}, Payload: []byte("ü")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.RoutingKey, got.RoutingKey)
			assert.Equal(t, tt.msg.Payload, got.Payload)
			if len(tt.msg.Context) == 0 {
				assert.Empty(t, got.Context)
			} else {
				assert.Equal(t, tt.msg.Context, got.Context)
			}
			assert.Nil(t, got.Handle)
		})
	}
}

func TestRoundTripProperty(t *testing.T) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_:/"

	token := func(r *rand.Rand, allowSlash bool) string {
		n := 1 + r.Intn(24)
		buf := make([]byte, 0, n)
		for len(buf) < n {
			c := alphabet[r.Intn(len(alphabet))]
			if c == '/' && !allowSlash {
				continue
			}
			buf = append(buf, c)
		}
		return string(buf)
	}

	check := func(seed int64, payload []byte, ctxKey string, ctxVal string) bool {
		r := rand.New(rand.NewSource(seed))
		if len(payload) == 0 {
			payload = []byte{byte(seed)}
		}
		var ctx requestctx.Values
		if ctxKey != "" {
			ctx = requestctx.Values{ctxKey: ctxVal}
		}
		msg := &Message{
			RoutingKey: RoutingKey{Namespace: token(r, false), Key: token(r, true)},
			Context:    ctx,
			Payload:    payload,
		}
		data, err := Encode(msg)
		if err != nil {
			return false
		}
		got, err := Decode(data)
		if err != nil {
			return false
		}
		if got.RoutingKey != msg.RoutingKey || !bytes.Equal(got.Payload, msg.Payload) {
			return false
		}
		if ctx == nil {
			return len(got.Context) == 0
		}
		return got.Context[ctxKey] == ctxVal
	}

	require.NoError(t, quick.Check(check, &quick.Config{MaxCount: 500}))
}

func TestDecodeFailures(t *testing.T) {
	sid := base64.StdEncoding.EncodeToString([]byte("ns/key"))

	tests := map[string]string{
		"not json":       `not-json`,
		"missing sid":    `{"p":"aGk="}`,
		"sid not base64": `{"sid":"%%%","p":"aGk="}`,
		"sid no slash":   `{"sid":"` + base64.StdEncoding.EncodeToString([]byte("nokey")) + `","p":"aGk="}`,
		"empty key":      `{"sid":"` + base64.StdEncoding.EncodeToString([]byte("ns/")) + `","p":"aGk="}`,
		"missing p":      `{"sid":"` + sid + `"}`,
		"empty p":        `{"sid":"` + sid + `","p":""}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.ErrorIs(t, err, errspkg.ErrDecode)
		})
	}
}

func TestRoutingKeyValidate(t *testing.T) {
	tests := []struct {
		key  RoutingKey
		want error
	}{
		{RoutingKey{"orders", "1"}, nil},
		{RoutingKey{"orders", "a/b"}, nil},
		{RoutingKey{"", "1"}, errspkg.ErrInvalidRoutingKey},
		{RoutingKey{"orders", ""}, errspkg.ErrInvalidRoutingKey},
		{RoutingKey{"or/ders", "1"}, errspkg.ErrInvalidRoutingKey},
		{RoutingKey{"orders", "a.b"}, errspkg.ErrInvalidSubjectToken},
		{RoutingKey{"orders", "*"}, errspkg.ErrInvalidSubjectToken},
		{RoutingKey{"ord>ers", "1"}, errspkg.ErrInvalidSubjectToken},
		{RoutingKey{"orders", "a b"}, errspkg.ErrInvalidSubjectToken},
		{RoutingKey{"orders", "a\x00"}, errspkg.ErrInvalidSubjectToken},
	}
	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			err := tt.key.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseRoutingKey(t *testing.T) {
	key, err := ParseRoutingKey("files/a/b")
	require.NoError(t, err)
	assert.Equal(t, RoutingKey{Namespace: "files", Key: "a/b"}, key)
	assert.Equal(t, "files/a/b", key.String())

	_, err = ParseRoutingKey("no-separator")
	assert.ErrorIs(t, err, errspkg.ErrInvalidRoutingKey)

	assert.True(t, RoutingKey{}.IsZero())
	assert.False(t, key.IsZero())
}
