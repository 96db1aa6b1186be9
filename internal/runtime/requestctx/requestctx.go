// Package requestctx carries the ambient request context that travels in the
// "ctx" field of a wire message and is restored on the consumer side.
package requestctx

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// Keys written by InjectTrace.
const (
	KeyTraceParent = "traceparent"
	KeyTraceState  = "tracestate"
)

var tracePropagator = propagation.TraceContext{}

// Values is the caller supplied string to value map. Values must be JSON
// encodable; after a round trip integers come back as int64 and other numbers
// as float64.
type Values map[string]any

func (v Values) cloneWithExtra(extra int) Values {
	size := len(v) + extra
	if size <= 0 {
		return Values{}
	}

	cloned := make(Values, size)
	for k, val := range v {
		cloned[k] = val
	}
	return cloned
}

// Clone returns a shallow copy. Cloning nil yields an empty, non-nil map.
func (v Values) Clone() Values {
	return v.cloneWithExtra(0)
}

// With returns a copy containing the provided key/value pair.
func (v Values) With(key string, value any) Values {
	cloned := v.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// String returns the value under key when it is a string.
func (v Values) String(key string) (string, bool) {
	s, ok := v[key].(string)
	return s, ok
}

type contextKey struct{}

// NewContext attaches values to ctx.
func NewContext(ctx context.Context, values Values) context.Context {
	return context.WithValue(ctx, contextKey{}, values)
}

// FromContext returns the values attached with NewContext, or nil.
func FromContext(ctx context.Context) Values {
	if ctx == nil {
		return nil
	}
	values, _ := ctx.Value(contextKey{}).(Values)
	return values
}

// InjectTrace returns a copy of values carrying the W3C trace context of the
// span in ctx. Without an active span, values is returned untouched.
func InjectTrace(ctx context.Context, values Values) Values {
	carrier := propagation.MapCarrier{}
	tracePropagator.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return values
	}

	out := values.cloneWithExtra(len(carrier))
	for k, val := range carrier {
		out[k] = val
	}
	return out
}

// ExtractTrace returns ctx with the remote span context found in values, if any.
func ExtractTrace(ctx context.Context, values Values) context.Context {
	carrier := propagation.MapCarrier{}
	for _, key := range tracePropagator.Fields() {
		if s, ok := values.String(key); ok {
			carrier[key] = s
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return tracePropagator.Extract(ctx, carrier)
}
