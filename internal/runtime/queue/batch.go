package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/streambridge/internal/runtime/requestctx"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

// Sequence locates a record in the stream and in its consumer.
type Sequence struct {
	Stream   uint64
	Consumer uint64
}

// Acker settles a broker record. jetstream.Msg satisfies it.
type Acker interface {
	DoubleAck(ctx context.Context) error
	Nak() error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

// delivery settles its record at most once, whichever of ack or nak comes
// first.
type delivery struct {
	msg     Acker
	settled atomic.Bool
}

func (d *delivery) ack(ctx context.Context) (bool, error) {
	if d == nil || d.msg == nil || !d.settled.CompareAndSwap(false, true) {
		return false, nil
	}
	return true, d.msg.DoubleAck(ctx)
}

func (d *delivery) nak() (bool, error) {
	if d == nil || d.msg == nil || !d.settled.CompareAndSwap(false, true) {
		return false, nil
	}
	return true, d.msg.Nak()
}

// Batch is one delivered record with its decoded events.
type Batch[T any] struct {
	// ID is the producer assigned message ID, empty for records published
	// without one.
	ID         string
	RoutingKey RoutingKey
	Sequence   Sequence

	// Delivered counts delivery attempts; values above 1 are redeliveries.
	Delivered uint64
	Timestamp time.Time
	Partition int
	Events    []T
	Context   requestctx.Values

	handle *delivery
}

// RoutingKey is re-exported so callers of this package rarely need wire.
type RoutingKey = wire.RoutingKey

func newBatch[T any](partition int, msg *wire.Message, events []T) *Batch[T] {
	b := &Batch[T]{
		ID:         msg.ID,
		RoutingKey: msg.RoutingKey,
		Partition:  partition,
		Events:     events,
		Context:    msg.Context,
	}
	if msg.Handle == nil {
		return b
	}
	b.handle = &delivery{msg: msg.Handle}
	if meta, err := msg.Handle.Metadata(); err == nil && meta != nil {
		b.Sequence = Sequence{Stream: meta.Sequence.Stream, Consumer: meta.Sequence.Consumer}
		b.Delivered = meta.NumDelivered
		b.Timestamp = meta.Timestamp
	}
	return b
}

// Settled reports whether the batch was already acked or nacked.
func (b *Batch[T]) Settled() bool {
	return b.handle != nil && b.handle.settled.Load()
}

// ImportContext returns ctx carrying the request context stored with the
// batch, including any propagated trace parent. The boolean reports whether
// the record carried a context at all.
func (b *Batch[T]) ImportContext(ctx context.Context) (context.Context, bool) {
	if len(b.Context) == 0 {
		return ctx, false
	}
	ctx = requestctx.ExtractTrace(ctx, b.Context)
	return requestctx.NewContext(ctx, b.Context.Clone()), true
}
