package errors

import sterrors "errors"

var (
	ErrProviderNameRequired = sterrors.New("streambridge: provider name is required")
	ErrStreamRequired       = sterrors.New("streambridge: stream name is required")
	ErrCodecRequired        = sterrors.New("streambridge: codec is required")
	ErrLoggerRequired       = sterrors.New("streambridge: logger is required")
	ErrPublisherRequired    = sterrors.New("streambridge: publisher is required")
	ErrMessageTypeRequired  = sterrors.New("streambridge: protobuf message type must be a pointer")
	ErrReaderRequired       = sterrors.New("streambridge: reader factory is required")

	// Connectivity: the broker could not be reached or lacks JetStream.
	ErrConnectivity         = sterrors.New("streambridge: broker connection failed")
	ErrJetStreamUnavailable = sterrors.New("streambridge: jetstream is not available")
	ErrTopologyMismatch     = sterrors.New("streambridge: existing stream topology does not match configuration")

	ErrNotInitialized      = sterrors.New("streambridge: connection is not initialized")
	ErrPartitionOutOfRange = sterrors.New("streambridge: partition out of range")

	ErrPublishAck = sterrors.New("streambridge: publish was not acknowledged")

	ErrEmptyPayload        = sterrors.New("streambridge: payload is required")
	ErrInvalidRoutingKey   = sterrors.New("streambridge: routing key requires namespace and key")
	ErrInvalidSubjectToken = sterrors.New("streambridge: routing key contains characters not allowed in a subject token")
	ErrDecode              = sterrors.New("streambridge: unable to decode wire message")

	ErrShutdownTimeout = sterrors.New("streambridge: shutdown timed out waiting for in-flight fetch")
)

// ConfigValidationError reports the aggregated problems found while
// validating a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "streambridge: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
