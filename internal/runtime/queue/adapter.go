package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/streambridge/internal/runtime/codec"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/requestctx"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

// Publisher stores a single wire message and waits for the broker ack.
// broker.Manager satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg *wire.Message) (*jetstream.PubAck, error)
}

// Adapter is the producer side of a provider.
type Adapter[T any] struct {
	name      string
	publisher Publisher
	codec     codec.Codec[T]
	logger    logging.ServiceLogger
}

func NewAdapter[T any](name string, publisher Publisher, c codec.Codec[T], logger logging.ServiceLogger) (*Adapter[T], error) {
	if name == "" {
		return nil, errspkg.ErrProviderNameRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if c == nil {
		return nil, errspkg.ErrCodecRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Adapter[T]{
		name:      name,
		publisher: publisher,
		codec:     c,
		logger:    logger.With(logging.LogFields{"component": "adapter", "codec": c.Name()}),
	}, nil
}

func (a *Adapter[T]) Name() string { return a.name }

// IsRewindable is always false: consumers cannot replay from an arbitrary
// sequence token.
func (a *Adapter[T]) IsRewindable() bool { return false }

// Enqueue publishes every event under key, one wire message per event, in
// order. Each publish is acknowledged before the next starts. The first
// failure stops the loop; events published before it stay published.
//
// When reqCtx is nil the values attached to ctx with requestctx.NewContext
// are used. The trace context of ctx is added to the stored values.
func (a *Adapter[T]) Enqueue(ctx context.Context, key wire.RoutingKey, events []T, reqCtx requestctx.Values) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if reqCtx == nil {
		reqCtx = requestctx.FromContext(ctx)
	}
	reqCtx = requestctx.InjectTrace(ctx, reqCtx)

	for i, event := range events {
		payload, err := a.codec.Encode(event)
		if err != nil {
			return fmt.Errorf("encode event %d for %s: %w", i, key, err)
		}
		msg, err := wire.NewMessage(key, payload, reqCtx)
		if err != nil {
			return fmt.Errorf("event %d for %s: %w", i, key, err)
		}
		if _, err := a.publisher.Publish(ctx, msg); err != nil {
			a.logger.Error("Failed to enqueue event", err, logging.LogFields{
				"routing_key": key.String(),
				"index":       i,
				"published":   i,
			})
			return fmt.Errorf("publish event %d for %s: %w", i, key, err)
		}
	}

	a.logger.Trace("Enqueued events", logging.LogFields{
		"routing_key": key.String(),
		"count":       len(events),
	})
	return nil
}
