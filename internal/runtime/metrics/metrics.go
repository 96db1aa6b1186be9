// Package metrics exposes Prometheus collectors for the publish and fetch
// paths. A nil *Collector is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decode failure stages.
const (
	StageEnvelope = "envelope"
	StagePayload  = "payload"
)

// Collector holds the bridge's Prometheus vectors.
type Collector struct {
	mu sync.Mutex

	published       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	fetched         *prometheus.CounterVec
	decodeFailures  *prometheus.CounterVec
	acks            *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	inflight        *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambridge",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates a collector bound to registerer, or the default registerer
// when nil. Call Register before use.
func New(registerer prometheus.Registerer) *Collector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Collector{
		registerer:      registerer,
		published:       newCounterVec("published_total", "Messages acknowledged by the broker", []string{"stream"}),
		publishFailures: newCounterVec("publish_failures_total", "Publishes that failed or were not acknowledged", []string{"stream"}),
		fetched:         newCounterVec("fetched_total", "Wire messages fetched from a partition", []string{"stream", "partition"}),
		decodeFailures:  newCounterVec("decode_failures_total", "Fetched records skipped because they could not be decoded", []string{"stream", "partition", "stage"}),
		acks:            newCounterVec("acks_total", "Broker acknowledgements sent for delivered or failed batches", []string{"stream", "partition", "kind"}),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streambridge",
				Name:      "fetch_duration_seconds",
				Help:      "Time spent in a single partition fetch",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"stream", "partition"},
		),
		inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambridge",
				Name:      "inflight_fetches",
				Help:      "Fetches currently outstanding per partition",
			},
			[]string{"stream", "partition"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (c *Collector) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.registered {
		return nil
	}

	if err := register(c.registerer, &c.published); err != nil {
		return err
	}
	if err := register(c.registerer, &c.publishFailures); err != nil {
		return err
	}
	if err := register(c.registerer, &c.fetched); err != nil {
		return err
	}
	if err := register(c.registerer, &c.decodeFailures); err != nil {
		return err
	}
	if err := register(c.registerer, &c.acks); err != nil {
		return err
	}
	if err := register(c.registerer, &c.fetchDuration); err != nil {
		return err
	}
	if err := register(c.registerer, &c.inflight); err != nil {
		return err
	}

	c.registered = true
	return nil
}

// register adds *col to registerer. When an equal collector is already
// registered, *col is replaced by it so every Collector on one registry
// records into the vectors that get scraped.
func register[C prometheus.Collector](registerer prometheus.Registerer, col *C) error {
	err := registerer.Register(*col)
	if err == nil {
		return nil
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		return err
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		return err
	}
	*col = existing
	return nil
}

func (c *Collector) Published(stream string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(stream).Inc()
}

func (c *Collector) PublishFailed(stream string) {
	if c == nil {
		return
	}
	c.publishFailures.WithLabelValues(stream).Inc()
}

func (c *Collector) Fetched(stream string, partition, count int) {
	if c == nil || count == 0 {
		return
	}
	c.fetched.WithLabelValues(stream, strconv.Itoa(partition)).Add(float64(count))
}

func (c *Collector) DecodeFailed(stream string, partition int, stage string) {
	if c == nil {
		return
	}
	c.decodeFailures.WithLabelValues(stream, strconv.Itoa(partition), stage).Inc()
}

// Acked records an ack of kind "ack" or "nak".
func (c *Collector) Acked(stream string, partition int, kind string) {
	if c == nil {
		return
	}
	c.acks.WithLabelValues(stream, strconv.Itoa(partition), kind).Inc()
}

// FetchStarted marks a fetch as outstanding and returns the function that
// records its completion.
func (c *Collector) FetchStarted(stream string, partition int) func() {
	if c == nil {
		return func() {}
	}
	label := strconv.Itoa(partition)
	gauge := c.inflight.WithLabelValues(stream, label)
	gauge.Inc()
	start := time.Now()
	return func() {
		gauge.Dec()
		c.fetchDuration.WithLabelValues(stream, label).Observe(time.Since(start).Seconds())
	}
}
