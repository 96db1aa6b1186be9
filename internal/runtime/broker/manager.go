// Package broker owns the NATS connection, the partitioned stream, and the
// per-partition durable consumers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streambridge/internal/runtime/config"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/metrics"
	"github.com/drblury/streambridge/internal/runtime/routing"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

const tracerName = "github.com/drblury/streambridge/broker"

// Option customises a Manager.
type Option func(*Manager)

// WithMetrics records publish and fetch metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// WithNATSOptions appends options passed to nats.Connect, for example
// credentials or TLS settings.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(m *Manager) {
		m.natsOpts = append(m.natsOpts, opts...)
	}
}

// Manager establishes the broker connection and the partitioned stream. It is
// shared by every adapter and receiver of one provider.
type Manager struct {
	provider string
	cfg      config.Config
	topology routing.Topology
	logger   logging.ServiceLogger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	natsOpts []nats.Option

	mu     sync.RWMutex
	nc     *nats.Conn
	js     jetstream.JetStream
	closed bool
}

// NewManager validates the configuration. It does not touch the network;
// call Initialize for that.
func NewManager(provider string, cfg config.Config, logger logging.ServiceLogger, opts ...Option) (*Manager, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	cfg = cfg.WithDefaults(provider)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topology, err := routing.NewTopology(provider, cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		provider: provider,
		cfg:      cfg,
		topology: topology,
		logger: logger.With(logging.LogFields{
			"provider": provider,
			"stream":   cfg.Stream,
		}),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Topology returns the stream layout.
func (m *Manager) Topology() routing.Topology {
	return m.topology
}

// Config returns the defaulted configuration.
func (m *Manager) Config() config.Config {
	return m.cfg
}

// Initialized reports whether Initialize has succeeded and Close has not been
// called.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.js != nil && !m.closed
}

// Initialize connects, verifies JetStream, and ensures the stream exists. A
// second call after success is a no-op. Failures are not retried.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: manager is closed", errspkg.ErrConnectivity)
	}
	if m.js != nil {
		return nil
	}

	opts := append([]nats.Option{
		nats.Name(m.cfg.ClientName),
		nats.Timeout(m.cfg.ConnectTimeout),
	}, m.natsOpts...)

	nc, err := nats.Connect(m.cfg.NATSURL, opts...)
	if err != nil {
		m.logger.Error("Failed to connect to NATS", err, logging.LogFields{"url": m.cfg.String()})
		return fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}
	if !nc.IsConnected() {
		nc.Close()
		m.logger.Error("NATS connection is not open", nil, nil)
		return fmt.Errorf("%w: connection status %s", errspkg.ErrConnectivity, nc.Status())
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		m.logger.Error("Failed to create JetStream context", err, nil)
		return fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}

	if _, err := js.AccountInfo(ctx); err != nil {
		nc.Close()
		m.logger.Error("JetStream is not available", err, nil)
		if errors.Is(err, jetstream.ErrJetStreamNotEnabled) || errors.Is(err, jetstream.ErrJetStreamNotEnabledForAccount) {
			return fmt.Errorf("%w: %w: %w", errspkg.ErrConnectivity, errspkg.ErrJetStreamUnavailable, err)
		}
		return fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}

	if err := m.ensureStream(ctx, js); err != nil {
		nc.Close()
		return err
	}

	m.nc = nc
	m.js = js
	m.logger.Info("Connected to JetStream", logging.LogFields{
		"partitions":   m.topology.Partitions,
		"routing_mode": m.cfg.RoutingMode,
	})
	return nil
}

func (m *Manager) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:             m.cfg.Stream,
		Subjects:         m.topology.StreamSubjects(),
		SubjectTransform: m.topology.Transform(),
		Retention:        jetstream.LimitsPolicy,
		Storage:          jetstream.FileStorage,
		Replicas:         m.cfg.Replicas,
		MaxAge:           m.cfg.MaxAge,
		Duplicates:       m.cfg.DuplicateWindow,
	}
}

// ensureStream creates the stream or attaches to an existing one. An existing
// stream with a different partition transform cannot be used, since messages
// would land on partitions no consumer expects.
func (m *Manager) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	want := m.streamConfig()

	_, err := js.CreateStream(ctx, want)
	if err == nil {
		m.logger.Debug("Created stream", logging.LogFields{"subjects": want.Subjects})
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		m.logger.Error("Failed to create stream", err, nil)
		return fmt.Errorf("%w: create stream: %w", errspkg.ErrConnectivity, err)
	}

	stream, err := js.Stream(ctx, want.Name)
	if err != nil {
		m.logger.Error("Failed to load existing stream", err, nil)
		return fmt.Errorf("%w: load stream: %w", errspkg.ErrConnectivity, err)
	}
	have := stream.CachedInfo().Config

	if !sameTransform(want.SubjectTransform, have.SubjectTransform) {
		err := fmt.Errorf("%w: stream %q transform %s, configured %s",
			errspkg.ErrTopologyMismatch, want.Name, describeTransform(have.SubjectTransform), describeTransform(want.SubjectTransform))
		m.logger.Error("Existing stream does not match partition layout", err, nil)
		return err
	}

	m.logger.Info("Attached to existing stream with differing settings", logging.LogFields{
		"subjects": have.Subjects,
		"replicas": have.Replicas,
	})
	return nil
}

func sameTransform(a, b *jetstream.SubjectTransformConfig) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Source == b.Source && a.Destination == b.Destination
}

func describeTransform(t *jetstream.SubjectTransformConfig) string {
	if t == nil {
		return "<none>"
	}
	return t.Source + " -> " + t.Destination
}

func (m *Manager) jetStream() (jetstream.JetStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil || m.closed {
		return nil, errspkg.ErrNotInitialized
	}
	return m.js, nil
}

// Publish writes msg to its partition and waits for the broker ack. A nil
// error means the message is durably stored. The ID doubles as the broker
// deduplication key, so a caller retrying the same message does not store it
// twice inside the duplicate window.
func (m *Manager) Publish(ctx context.Context, msg *wire.Message) (*jetstream.PubAck, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	subject := m.topology.PublishSubject(msg.RoutingKey)

	ctx, span := m.tracer.Start(ctx, "streambridge.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.String("messaging.message.id", msg.ID),
		),
	)
	defer span.End()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.PublishTimeout)
		defer cancel()
	}

	opts := []jetstream.PublishOpt{jetstream.WithExpectStream(m.cfg.Stream)}
	if msg.ID != "" {
		opts = append(opts, jetstream.WithMsgID(msg.ID))
	}

	ack, err := js.Publish(ctx, subject, data, opts...)
	if err != nil {
		m.metrics.PublishFailed(m.cfg.Stream)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		m.logger.Error("Publish was not acknowledged", err, logging.LogFields{"subject": subject})
		return nil, fmt.Errorf("%w: %w", errspkg.ErrPublishAck, err)
	}
	if ack.Stream != m.cfg.Stream {
		m.metrics.PublishFailed(m.cfg.Stream)
		err := fmt.Errorf("%w: acknowledged by stream %q", errspkg.ErrPublishAck, ack.Stream)
		span.SetStatus(codes.Error, "wrong stream")
		return nil, err
	}

	span.SetAttributes(attribute.Int64("messaging.nats.sequence", int64(ack.Sequence)))
	m.metrics.Published(m.cfg.Stream)
	if ack.Duplicate {
		m.logger.Debug("Broker reported duplicate publish", logging.LogFields{
			"subject":    subject,
			"message_id": msg.ID,
			"sequence":   ack.Sequence,
		})
	}
	return ack, nil
}

// CreateConsumer returns an uninitialized consumer for partition. It makes no
// network call; the durable binding is created by PartitionConsumer.Initialize.
func (m *Manager) CreateConsumer(partition int) (*PartitionConsumer, error) {
	js, err := m.jetStream()
	if err != nil {
		m.logger.Error("Cannot create consumer before the connection is initialized", err, logging.LogFields{"partition": partition})
		return nil, err
	}
	binding, err := m.topology.Binding(m.cfg.ConsumerPrefix, partition)
	if err != nil {
		return nil, err
	}
	return newPartitionConsumer(js, m, binding), nil
}

// Close drains the connection. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.nc == nil {
		return nil
	}

	err := m.nc.Drain()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		m.logger.Error("Failed to drain NATS connection", err, nil)
		m.nc.Close()
		return err
	}
	return nil
}
