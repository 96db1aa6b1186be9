package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/streambridge/internal/runtime/codec"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/metrics"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

// State is the lifecycle position of a Receiver.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PartitionReader fetches wire messages from one partition.
// broker.PartitionConsumer satisfies it.
type PartitionReader interface {
	Initialize(ctx context.Context) error
	Fetch(ctx context.Context, maxCount int) ([]*wire.Message, error)
	Partition() int
}

// ReaderFactory builds the reader for a partition.
type ReaderFactory func(partition int) (PartitionReader, error)

// Receiver is the consumer side of one partition. At most one fetch is
// outstanding at a time, and Shutdown waits for it before closing.
type Receiver[T any] struct {
	partition int
	factory   ReaderFactory
	codec     codec.Codec[T]
	logger    logging.ServiceLogger
	metrics   *metrics.Collector
	stream    string

	initMu sync.Mutex

	mu       sync.Mutex
	state    State
	reader   PartitionReader
	draining chan struct{}

	// slot holds a token while a fetch is in flight.
	slot chan struct{}
}

// NewReceiver creates an uninitialized receiver for partition.
func NewReceiver[T any](partition int, factory ReaderFactory, c codec.Codec[T], logger logging.ServiceLogger, opts ...Option) (*Receiver[T], error) {
	if factory == nil {
		return nil, errspkg.ErrReaderRequired
	}
	if c == nil {
		return nil, errspkg.ErrCodecRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	o := applyOptions(opts)
	return &Receiver[T]{
		partition: partition,
		factory:   factory,
		codec:     c,
		logger:    logger.With(logging.LogFields{"component": "receiver", "partition": partition}),
		metrics:   o.metrics,
		stream:    o.stream,
		draining:  make(chan struct{}),
		slot:      make(chan struct{}, 1),
	}, nil
}

// Partition returns the partition this receiver reads.
func (r *Receiver[T]) Partition() int { return r.partition }

// State returns the current lifecycle state.
func (r *Receiver[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Initialize builds and binds the partition reader within timeout. A failure
// is logged and returned; the receiver stays uninitialized, fetches return
// nothing, and Initialize may be called again. Calling it once ready, draining,
// or closed does nothing.
func (r *Receiver[T]) Initialize(ctx context.Context, timeout time.Duration) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	if r.State() != StateUninitialized {
		return nil
	}

	reader, err := r.factory(r.partition)
	if err != nil {
		r.logger.Error("Failed to create partition reader", err, nil)
		return err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := reader.Initialize(ctx); err != nil {
		r.logger.Error("Failed to initialize partition reader", err, logging.LogFields{"timeout": timeout.String()})
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateUninitialized {
		// Shutdown won the race.
		return nil
	}
	r.reader = reader
	r.state = StateReady
	r.logger.Info("Receiver ready", nil)
	return nil
}

// GetBatches fetches up to maxCount records and returns one batch per record.
// It returns nothing when the receiver is not ready. Records whose payload
// cannot be decoded are terminated and skipped. Batches fetched before an
// error are returned alongside it.
func (r *Receiver[T]) GetBatches(ctx context.Context, maxCount int) ([]*Batch[T], error) {
	r.mu.Lock()
	if r.state != StateReady || r.reader == nil {
		r.mu.Unlock()
		return nil, nil
	}
	reader := r.reader
	r.mu.Unlock()

	select {
	case r.slot <- struct{}{}:
	default:
		select {
		case r.slot <- struct{}{}:
		case <-r.draining:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer func() { <-r.slot }()

	select {
	case <-r.draining:
		return nil, nil
	default:
	}

	msgs, err := reader.Fetch(ctx, maxCount)
	batches := r.toBatches(msgs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return batches, ctxErr
		}
		return batches, err
	}
	return batches, nil
}

func (r *Receiver[T]) toBatches(msgs []*wire.Message) []*Batch[T] {
	if len(msgs) == 0 {
		return nil
	}
	batches := make([]*Batch[T], 0, len(msgs))
	for _, msg := range msgs {
		event, err := r.codec.Decode(msg.Payload)
		if err != nil {
			r.metrics.DecodeFailed(r.stream, r.partition, metrics.StagePayload)
			r.logger.Warn("Skipping record with undecodable payload", logging.LogFields{
				"routing_key": msg.RoutingKey.String(),
				"codec":       r.codec.Name(),
				"error":       err.Error(),
			})
			if msg.Handle != nil {
				if termErr := msg.Handle.Term(); termErr != nil {
					r.logger.Error("Failed to terminate record", termErr, nil)
				}
			}
			continue
		}
		batches = append(batches, newBatch(r.partition, msg, []T{event}))
	}
	return batches
}

// MarkDelivered acks the records behind batches. Each record is acked at most
// once; repeated calls are no-ops. It keeps working after Shutdown, so records
// returned by a fetch that finished during the drain can still be acked.
func (r *Receiver[T]) MarkDelivered(ctx context.Context, batches []*Batch[T]) error {
	var errs []error
	for _, b := range batches {
		if b == nil {
			continue
		}
		acked, err := b.handle.ack(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("ack %s seq %d: %w", b.RoutingKey, b.Sequence.Stream, err))
			continue
		}
		if acked {
			r.metrics.Acked(r.stream, r.partition, "ack")
		}
	}
	return errors.Join(errs...)
}

// MarkFailed naks the records behind batches so the broker redelivers them.
// Records already settled are skipped.
func (r *Receiver[T]) MarkFailed(_ context.Context, batches []*Batch[T]) error {
	var errs []error
	for _, b := range batches {
		if b == nil {
			continue
		}
		nacked, err := b.handle.nak()
		if err != nil {
			errs = append(errs, fmt.Errorf("nak %s seq %d: %w", b.RoutingKey, b.Sequence.Stream, err))
			continue
		}
		if nacked {
			r.metrics.Acked(r.stream, r.partition, "nak")
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops new fetches, waits up to timeout for the outstanding one,
// and closes the receiver. It closes even when the wait times out, returning
// ErrShutdownTimeout. The caller of the outstanding fetch still receives its
// batches. A second call is a no-op.
func (r *Receiver[T]) Shutdown(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	if r.state == StateDraining || r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateDraining
	close(r.draining)
	r.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	// The token is never returned, so no fetch can start again.
	var err error
	select {
	case r.slot <- struct{}{}:
	default:
		select {
		case r.slot <- struct{}{}:
		case <-expired:
			err = errspkg.ErrShutdownTimeout
		case <-ctx.Done():
			err = fmt.Errorf("%w: %w", errspkg.ErrShutdownTimeout, ctx.Err())
		}
	}

	r.mu.Lock()
	r.state = StateClosed
	r.reader = nil
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("Receiver closed with fetch still in flight", logging.LogFields{"timeout": timeout.String()})
		return err
	}
	r.logger.Info("Receiver closed", nil)
	return nil
}
