package queue

import (
	"github.com/drblury/streambridge/internal/runtime/broker"
	"github.com/drblury/streambridge/internal/runtime/metrics"
)

// Option customises providers and receivers.
type Option func(*options)

type options struct {
	metrics    *metrics.Collector
	stream     string
	brokerOpts []broker.Option
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithMetrics records receiver and broker metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = c
	}
}

// WithStreamLabel sets the stream label used for receiver metrics. Providers
// set it from their configuration.
func WithStreamLabel(stream string) Option {
	return func(o *options) {
		o.stream = stream
	}
}

// WithBrokerOptions forwards options to the provider's broker.Manager.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(o *options) {
		o.brokerOpts = append(o.brokerOpts, opts...)
	}
}
