package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streambridge/internal/runtime/config"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/metrics"
	"github.com/drblury/streambridge/internal/runtime/routing"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

// PartitionConsumer reads one partition through a durable pull consumer. It is
// owned by a single receiver and is not meant for concurrent fetches.
type PartitionConsumer struct {
	js      jetstream.JetStream
	cfg     config.Config
	binding routing.Binding
	logger  logging.ServiceLogger
	metrics *metrics.Collector
	tracer  trace.Tracer

	mu       sync.Mutex
	consumer jetstream.Consumer
}

func newPartitionConsumer(js jetstream.JetStream, m *Manager, binding routing.Binding) *PartitionConsumer {
	return &PartitionConsumer{
		js:      js,
		cfg:     m.cfg,
		binding: binding,
		logger: m.logger.With(logging.LogFields{
			"partition": binding.Partition,
			"durable":   binding.Durable,
		}),
		metrics: m.metrics,
		tracer:  m.tracer,
	}
}

// Partition returns the partition this consumer reads.
func (c *PartitionConsumer) Partition() int {
	return c.binding.Partition
}

// Binding returns the durable name and filter subject of the consumer.
func (c *PartitionConsumer) Binding() routing.Binding {
	return c.binding
}

func (c *PartitionConsumer) consumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:         c.binding.Durable,
		FilterSubject:   c.binding.FilterSubject,
		AckPolicy:       jetstream.AckExplicitPolicy,
		DeliverPolicy:   deliverPolicy(c.cfg.DeliverPolicy),
		AckWait:         c.cfg.AckWait,
		MaxAckPending:   c.cfg.BatchSize,
		MaxRequestBatch: c.cfg.BatchSize,
	}
}

func deliverPolicy(name string) jetstream.DeliverPolicy {
	switch name {
	case config.DeliverAll:
		return jetstream.DeliverAllPolicy
	case config.DeliverNew:
		return jetstream.DeliverNewPolicy
	default:
		return jetstream.DeliverLastPerSubjectPolicy
	}
}

// Initialize creates the durable consumer or reattaches to it. Reattaching
// resumes from the stored ack floor.
func (c *PartitionConsumer) Initialize(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, c.consumerConfig())
	if err != nil {
		c.logger.Error("Failed to bind durable consumer", err, logging.LogFields{
			"filter_subject": c.binding.FilterSubject,
		})
		return fmt.Errorf("bind consumer %s: %w", c.binding.Durable, err)
	}

	c.mu.Lock()
	c.consumer = cons
	c.mu.Unlock()

	c.logger.Debug("Durable consumer ready", logging.LogFields{
		"filter_subject": c.binding.FilterSubject,
	})
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (c *PartitionConsumer) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumer != nil
}

// Fetch returns up to maxCount messages without waiting for new ones to
// arrive. maxCount is capped at the configured batch size, and a value of
// zero or less means the batch size. Each message keeps its broker handle for
// acking. Records that cannot be decoded are terminated and skipped.
//
// Fetch on an uninitialized consumer returns no messages and no error.
func (c *PartitionConsumer) Fetch(ctx context.Context, maxCount int) ([]*wire.Message, error) {
	c.mu.Lock()
	cons := c.consumer
	c.mu.Unlock()
	if cons == nil {
		c.logger.Debug("Fetch on uninitialized consumer", nil)
		return nil, nil
	}

	n := c.cfg.BatchSize
	if maxCount > 0 && maxCount < n {
		n = maxCount
	}

	ctx, span := c.tracer.Start(ctx, "streambridge.fetch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.consumer.group.name", c.binding.Durable),
			attribute.Int("messaging.batch.message_count", n),
		),
	)
	defer span.End()

	done := c.metrics.FetchStarted(c.cfg.Stream, c.binding.Partition)
	defer done()

	batch, err := cons.FetchNoWait(n)
	if err != nil {
		if isNoMessages(err) {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		c.logger.Error("Failed to fetch from partition", err, nil)
		return nil, fmt.Errorf("fetch partition %d: %w", c.binding.Partition, err)
	}

	out, err := c.drain(ctx, batch)
	c.metrics.Fetched(c.cfg.Stream, c.binding.Partition, len(out))
	span.SetAttributes(attribute.Int("streambridge.fetched", len(out)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch interrupted")
	}
	return out, err
}

// drain reads the batch channel until it closes, the fetch timeout elapses, or
// ctx is done. Messages already read are returned in every case; on ctx
// cancellation they stay unacked and the broker redelivers them after AckWait.
// On timeout the messages already buffered in the channel are taken as well;
// only those still in transit wait for redelivery.
func (c *PartitionConsumer) drain(ctx context.Context, batch jetstream.MessageBatch) ([]*wire.Message, error) {
	timer := time.NewTimer(c.cfg.FetchTimeout)
	defer timer.Stop()

	var out []*wire.Message
	msgs := batch.Messages()
loop:
	for {
		select {
		case raw, ok := <-msgs:
			if !ok {
				break loop
			}
			if msg := c.decode(raw); msg != nil {
				out = append(out, msg)
			}
		case <-timer.C:
			before := len(out)
			out = c.drainBuffered(msgs, out)
			c.logger.Debug("Fetch timeout elapsed before batch completed", logging.LogFields{
				"received": len(out),
				"buffered": len(out) - before,
			})
			break loop
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}

	if err := batch.Error(); err != nil && !isNoMessages(err) {
		if len(out) > 0 {
			c.logger.Warn("Fetch ended with error after partial batch", logging.LogFields{
				"received": len(out),
				"error":    err.Error(),
			})
			return out, nil
		}
		c.logger.Error("Fetch batch failed", err, nil)
		return nil, fmt.Errorf("fetch partition %d: %w", c.binding.Partition, err)
	}
	return out, nil
}

// drainBuffered appends the messages already sitting in msgs without waiting
// for more.
func (c *PartitionConsumer) drainBuffered(msgs <-chan jetstream.Msg, out []*wire.Message) []*wire.Message {
	for {
		select {
		case raw, ok := <-msgs:
			if !ok {
				return out
			}
			if msg := c.decode(raw); msg != nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func (c *PartitionConsumer) decode(raw jetstream.Msg) *wire.Message {
	msg, err := wire.Decode(raw.Data())
	if err != nil {
		c.metrics.DecodeFailed(c.cfg.Stream, c.binding.Partition, metrics.StageEnvelope)
		c.logger.Warn("Skipping undecodable record", logging.LogFields{
			"subject": raw.Subject(),
			"error":   err.Error(),
		})
		if termErr := raw.Term(); termErr != nil {
			c.logger.Error("Failed to terminate undecodable record", termErr, logging.LogFields{"subject": raw.Subject()})
		}
		return nil
	}
	if headers := raw.Headers(); headers != nil {
		msg.ID = headers.Get(nats.MsgIdHdr)
	}
	msg.Handle = raw
	return msg
}

func isNoMessages(err error) bool {
	return errors.Is(err, jetstream.ErrNoMessages) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
