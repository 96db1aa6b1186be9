package streambridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/streambridge/internal/runtime/broker"
	codecpkg "github.com/drblury/streambridge/internal/runtime/codec"
	configpkg "github.com/drblury/streambridge/internal/runtime/config"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	idspkg "github.com/drblury/streambridge/internal/runtime/ids"
	loggingpkg "github.com/drblury/streambridge/internal/runtime/logging"
	metricspkg "github.com/drblury/streambridge/internal/runtime/metrics"
	"github.com/drblury/streambridge/internal/runtime/queue"
	"github.com/drblury/streambridge/internal/runtime/requestctx"
	"github.com/drblury/streambridge/internal/runtime/routing"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	RoutingKey     = wire.RoutingKey
	RequestContext = requestctx.Values
	Topology       = routing.Topology
	Binding        = routing.Binding

	Provider[T any] = queue.Provider[T]
	Writer[T any]   = queue.Writer[T]
	Reader[T any]   = queue.Reader[T]
	Adapter[T any]  = queue.Adapter[T]
	Receiver[T any] = queue.Receiver[T]
	Batch[T any]    = queue.Batch[T]
	Sequence        = queue.Sequence
	ReceiverState   = queue.State
	Option          = queue.Option

	Codec[T any]                = codecpkg.Codec[T]
	JSONCodec[T any]            = codecpkg.JSON[T]
	ProtoCodec[T proto.Message] = codecpkg.Proto[T]
	RawCodec                    = codecpkg.Raw

	BrokerOption  = broker.Option
	Metrics       = metricspkg.Collector
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	NewRoutingKey   = wire.NewRoutingKey
	ParseRoutingKey = wire.ParseRoutingKey
	Partition       = routing.Partition

	WithMetrics       = queue.WithMetrics
	WithStreamLabel   = queue.WithStreamLabel
	WithBrokerOptions = queue.WithBrokerOptions
	WithNATSOptions   = broker.WithNATSOptions

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillLogger        = loggingpkg.NewWatermillAdapter
	NopLogger                 = loggingpkg.NopLogger

	NewMessageID = idspkg.NewMessageID

	ContextWithRequest = requestctx.NewContext
	RequestFromContext = requestctx.FromContext

	ErrProviderNameRequired = errspkg.ErrProviderNameRequired
	ErrStreamRequired       = errspkg.ErrStreamRequired
	ErrCodecRequired        = errspkg.ErrCodecRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrConnectivity         = errspkg.ErrConnectivity
	ErrJetStreamUnavailable = errspkg.ErrJetStreamUnavailable
	ErrTopologyMismatch     = errspkg.ErrTopologyMismatch
	ErrNotInitialized       = errspkg.ErrNotInitialized
	ErrPartitionOutOfRange  = errspkg.ErrPartitionOutOfRange
	ErrPublishAck           = errspkg.ErrPublishAck
	ErrEmptyPayload         = errspkg.ErrEmptyPayload
	ErrInvalidRoutingKey    = errspkg.ErrInvalidRoutingKey
	ErrInvalidSubjectToken  = errspkg.ErrInvalidSubjectToken
	ErrDecode               = errspkg.ErrDecode
	ErrShutdownTimeout      = errspkg.ErrShutdownTimeout
)

// Routing modes and deliver policies accepted by Config.
const (
	RoutingModeBroker = configpkg.RoutingModeBroker
	RoutingModeClient = configpkg.RoutingModeClient

	DeliverLastPerSubject = configpkg.DeliverLastPerSubject
	DeliverAll            = configpkg.DeliverAll
	DeliverNew            = configpkg.DeliverNew
)

// Receiver lifecycle states.
const (
	StateUninitialized = queue.StateUninitialized
	StateReady         = queue.StateReady
	StateDraining      = queue.StateDraining
	StateClosed        = queue.StateClosed
)

// NewProvider creates a provider for events of type T. Call Initialize before
// publishing or consuming.
func NewProvider[T any](name string, cfg Config, codec Codec[T], logger ServiceLogger, opts ...Option) (*Provider[T], error) {
	return queue.NewProvider(name, cfg, codec, logger, opts...)
}

func NewJSONCodec[T any]() JSONCodec[T] {
	return codecpkg.NewJSON[T]()
}

func NewProtoCodec[T proto.Message]() (*ProtoCodec[T], error) {
	return codecpkg.NewProto[T]()
}

func MustProtoCodec[T proto.Message]() *ProtoCodec[T] {
	return codecpkg.MustProto[T]()
}

// NewMetrics returns a collector for registerer. A nil registerer uses the
// Prometheus default registry. Register it before passing it to WithMetrics.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	return metricspkg.New(registerer)
}
