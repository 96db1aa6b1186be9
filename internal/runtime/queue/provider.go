// Package queue exposes the producer and consumer capabilities the stream
// runtime plugs into: an Adapter that enqueues typed events and one Receiver
// per partition that hands back decoded batches.
package queue

import (
	"context"
	"time"

	"github.com/drblury/streambridge/internal/runtime/broker"
	"github.com/drblury/streambridge/internal/runtime/codec"
	"github.com/drblury/streambridge/internal/runtime/config"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/requestctx"
	"github.com/drblury/streambridge/internal/runtime/routing"
)

// Writer is the producer capability.
type Writer[T any] interface {
	Enqueue(ctx context.Context, key RoutingKey, events []T, reqCtx requestctx.Values) error
	IsRewindable() bool
	Name() string
}

// Reader is the consumer capability for a single partition.
type Reader[T any] interface {
	Initialize(ctx context.Context, timeout time.Duration) error
	GetBatches(ctx context.Context, maxCount int) ([]*Batch[T], error)
	MarkDelivered(ctx context.Context, batches []*Batch[T]) error
	Shutdown(ctx context.Context, timeout time.Duration) error
}

var (
	_ Writer[[]byte]  = (*Adapter[[]byte])(nil)
	_ Reader[[]byte]  = (*Receiver[[]byte])(nil)
	_ Publisher       = (*broker.Manager)(nil)
	_ PartitionReader = (*broker.PartitionConsumer)(nil)
)

// Provider wires one broker connection to its writer and per-partition
// receivers. Codec and logger are passed in explicitly.
type Provider[T any] struct {
	name    string
	manager *broker.Manager
	codec   codec.Codec[T]
	logger  logging.ServiceLogger
	opts    options
	writer  *Adapter[T]
}

func NewProvider[T any](name string, cfg config.Config, c codec.Codec[T], logger logging.ServiceLogger, opts ...Option) (*Provider[T], error) {
	if c == nil {
		return nil, errspkg.ErrCodecRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	o := applyOptions(opts)

	brokerOpts := o.brokerOpts
	if o.metrics != nil {
		brokerOpts = append([]broker.Option{broker.WithMetrics(o.metrics)}, brokerOpts...)
	}
	manager, err := broker.NewManager(name, cfg, logger, brokerOpts...)
	if err != nil {
		return nil, err
	}
	if o.stream == "" {
		o.stream = manager.Config().Stream
	}

	writer, err := NewAdapter(name, manager, c, logger)
	if err != nil {
		return nil, err
	}

	return &Provider[T]{
		name:    name,
		manager: manager,
		codec:   c,
		logger:  logger,
		opts:    o,
		writer:  writer,
	}, nil
}

func (p *Provider[T]) Name() string { return p.name }

// Initialize connects and ensures the stream. It must succeed before
// receivers can be initialized.
func (p *Provider[T]) Initialize(ctx context.Context) error {
	return p.manager.Initialize(ctx)
}

func (p *Provider[T]) Writer() *Adapter[T] { return p.writer }

func (p *Provider[T]) Manager() *broker.Manager { return p.manager }

func (p *Provider[T]) Topology() routing.Topology { return p.manager.Topology() }

func (p *Provider[T]) Partitions() int { return p.manager.Topology().Partitions }

// NewReceiver returns an uninitialized receiver for partition.
func (p *Provider[T]) NewReceiver(partition int) (*Receiver[T], error) {
	if err := p.manager.Topology().CheckPartition(partition); err != nil {
		return nil, err
	}
	factory := func(partition int) (PartitionReader, error) {
		return p.manager.CreateConsumer(partition)
	}
	return NewReceiver(partition, factory, p.codec, p.logger,
		WithMetrics(p.opts.metrics),
		WithStreamLabel(p.opts.stream),
	)
}

// Close drains the broker connection.
func (p *Provider[T]) Close() error {
	return p.manager.Close()
}
