// Package watermill exposes the bridge as a Watermill Publisher and
// Subscriber, so existing Watermill routers and handlers can produce to and
// consume from the partitioned stream.
package watermill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/queue"
	"github.com/drblury/streambridge/internal/runtime/requestctx"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

// Metadata keys set on consumed messages.
const (
	MetadataNamespace = "sb_namespace"
	MetadataKey       = "sb_key"
	MetadataPartition = "sb_partition"
	MetadataSequence  = "sb_sequence"
	MetadataDelivered = "sb_delivered"
)

const (
	DefaultPollInterval    = 200 * time.Millisecond
	DefaultInitTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("streambridge: watermill adapter is closed")

// TopicForKey returns the Publisher topic for key.
func TopicForKey(key wire.RoutingKey) string {
	return key.Namespace + "." + key.Key
}

// TopicForPartition returns the Subscriber topic for partition.
func TopicForPartition(partition int) string {
	return strconv.Itoa(partition)
}

func routingKeyFromTopic(topic string) (wire.RoutingKey, error) {
	ns, key, ok := strings.Cut(topic, ".")
	if !ok {
		return wire.RoutingKey{}, fmt.Errorf("%w: topic %q is not namespace.key", errspkg.ErrInvalidRoutingKey, topic)
	}
	rk := wire.RoutingKey{Namespace: ns, Key: key}
	if err := rk.Validate(); err != nil {
		return wire.RoutingKey{}, fmt.Errorf("topic %q: %w", topic, err)
	}
	return rk, nil
}

// Publisher implements message.Publisher. Topics are "namespace.key".
// Metadata becomes the stored request context and the message UUID becomes
// the broker deduplication ID.
type Publisher struct {
	publisher queue.Publisher
	logger    wm.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(publisher queue.Publisher, logger wm.LoggerAdapter) (*Publisher, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = wm.NopLogger{}
	}
	return &Publisher{publisher: publisher, logger: logger}, nil
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	key, err := routingKeyFromTopic(topic)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		ctx := msg.Context()
		values := make(requestctx.Values, len(msg.Metadata))
		for k, v := range msg.Metadata {
			values[k] = v
		}
		values = requestctx.InjectTrace(ctx, values)
		if len(values) == 0 {
			values = nil
		}

		wireMsg := &wire.Message{
			ID:         msg.UUID,
			RoutingKey: key,
			Context:    values,
			Payload:    msg.Payload,
		}
		if _, err := p.publisher.Publish(ctx, wireMsg); err != nil {
			p.logger.Error("Failed to publish message", err, wm.LogFields{
				"topic": topic,
				"uuid":  msg.UUID,
			})
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// ReceiverSource creates partition receivers. queue.Provider[[]byte]
// satisfies it.
type ReceiverSource interface {
	NewReceiver(partition int) (*queue.Receiver[[]byte], error)
}

// SubscriberConfig tunes the poll loop.
type SubscriberConfig struct {
	// PollInterval is the pause after an empty fetch.
	PollInterval time.Duration

	// BatchSize caps each fetch. Zero uses the provider batch size.
	BatchSize int

	InitTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Subscriber implements message.Subscriber. Topics are decimal partition
// numbers. Each subscription polls one receiver until its context is done or
// the subscriber is closed. Ack marks the record delivered; Nack hands it
// back for redelivery.
type Subscriber struct {
	source ReceiverSource
	config SubscriberConfig
	logger wm.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

func NewSubscriber(source ReceiverSource, cfg SubscriberConfig, logger wm.LoggerAdapter) (*Subscriber, error) {
	if source == nil {
		return nil, errspkg.ErrReaderRequired
	}
	if logger == nil {
		logger = wm.NopLogger{}
	}
	return &Subscriber{
		source:  source,
		config:  cfg.withDefaults(),
		logger:  logger,
		closing: make(chan struct{}),
	}, nil
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	partition, err := strconv.Atoi(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: topic %q is not a partition number", errspkg.ErrPartitionOutOfRange, topic)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	receiver, err := s.source.NewReceiver(partition)
	if err != nil {
		return nil, err
	}
	if err := receiver.Initialize(ctx, s.config.InitTimeout); err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.consume(ctx, receiver, out)
	return out, nil
}

func (s *Subscriber) consume(ctx context.Context, receiver *queue.Receiver[[]byte], out chan<- *message.Message) {
	defer s.wg.Done()
	defer close(out)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := receiver.Shutdown(shutdownCtx, s.config.ShutdownTimeout); err != nil {
			s.logger.Error("Receiver shutdown incomplete", err, wm.LogFields{"partition": receiver.Partition()})
		}
	}()

	fields := wm.LogFields{"partition": receiver.Partition()}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		default:
		}

		batches, err := receiver.GetBatches(ctx, s.config.BatchSize)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("Failed to fetch batches", err, fields)
		}
		if len(batches) == 0 {
			if !s.wait(ctx) {
				return
			}
			continue
		}

		for _, batch := range batches {
			if !s.deliver(ctx, receiver, batch, out) {
				return
			}
		}
	}
}

func (s *Subscriber) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.config.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

// deliver sends every event of batch downstream and settles the batch with
// the first outcome. False means the loop must stop.
func (s *Subscriber) deliver(ctx context.Context, receiver *queue.Receiver[[]byte], batch *queue.Batch[[]byte], out chan<- *message.Message) bool {
	msgCtx, _ := batch.ImportContext(ctx)
	batches := []*queue.Batch[[]byte]{batch}

	for _, event := range batch.Events {
		msg := toMessage(batch, event)
		msg.SetContext(msgCtx)

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}

		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			if err := receiver.MarkFailed(ctx, batches); err != nil {
				s.logger.Error("Failed to nak record", err, wm.LogFields{"uuid": msg.UUID})
			}
			return true
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}
	}

	if err := receiver.MarkDelivered(ctx, batches); err != nil {
		s.logger.Error("Failed to ack record", err, wm.LogFields{"uuid": batch.ID})
	}
	return true
}

func toMessage(batch *queue.Batch[[]byte], payload []byte) *message.Message {
	id := batch.ID
	if id == "" || len(batch.Events) > 1 {
		id = wm.NewUUID()
	}
	msg := message.NewMessage(id, payload)
	for k, v := range batch.Context {
		if s, ok := v.(string); ok {
			msg.Metadata.Set(k, s)
		}
	}
	msg.Metadata.Set(MetadataNamespace, batch.RoutingKey.Namespace)
	msg.Metadata.Set(MetadataKey, batch.RoutingKey.Key)
	msg.Metadata.Set(MetadataPartition, strconv.Itoa(batch.Partition))
	if batch.Sequence.Stream > 0 {
		msg.Metadata.Set(MetadataSequence, strconv.FormatUint(batch.Sequence.Stream, 10))
	}
	if batch.Delivered > 0 {
		msg.Metadata.Set(MetadataDelivered, strconv.FormatUint(batch.Delivered, 10))
	}
	return msg
}

// Close stops every subscription and waits for their receivers to shut down.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

var (
	_ message.Publisher  = (*Publisher)(nil)
	_ message.Subscriber = (*Subscriber)(nil)
	_ ReceiverSource     = (*queue.Provider[[]byte])(nil)
)
