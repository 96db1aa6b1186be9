// Package cli implements the streambridge command line tool. It inspects the
// stream topology, publishes test events, and drains partitions.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/drblury/streambridge/internal/runtime/codec"
	"github.com/drblury/streambridge/internal/runtime/config"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/metrics"
	"github.com/drblury/streambridge/internal/runtime/queue"
)

type rootOptions struct {
	envFile        string
	providerName   string
	stream         string
	natsURL        string
	partitions     int
	batchSize      int
	routingMode    string
	deliverPolicy  string
	consumerPrefix string
	logLevel       string
	metricsAddr    string
	timeout        time.Duration
}

// NewRootCommand builds the streambridge command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "streambridge",
		Short: "Partitioned stream bridge over NATS JetStream",
		Long: `streambridge multiplexes many logical streams onto a fixed number of
JetStream partitions.

Settings are read from STREAMBRIDGE_* environment variables (optionally from a
.env file) and can be overridden by flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnvFile(opts.envFile, cmd.Flags().Changed("env-file"))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading STREAMBRIDGE_* variables")
	flags.StringVar(&opts.providerName, "provider", "streambridge", "provider name, the subject prefix")
	flags.StringVar(&opts.stream, "stream", "", "JetStream stream name")
	flags.StringVar(&opts.natsURL, "nats-url", "", "NATS server URL")
	flags.IntVar(&opts.partitions, "partitions", 0, "number of partitions")
	flags.IntVar(&opts.batchSize, "batch-size", 0, "maximum records per fetch")
	flags.StringVar(&opts.routingMode, "routing-mode", "", "partition assignment: broker or client")
	flags.StringVar(&opts.deliverPolicy, "deliver-policy", "", "deliver policy for new consumers: last_per_subject, all, or new")
	flags.StringVar(&opts.consumerPrefix, "consumer-prefix", "", "durable consumer name prefix")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, for example :9090")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "connect and initialize timeout")

	root.AddCommand(
		newTopologyCommand(opts),
		newPublishCommand(opts),
		newConsumeCommand(opts),
	)
	return root
}

func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error loading env file %s: %w", path, err)
	}
	return nil
}

// config merges environment variables with the flags the user set.
func (o *rootOptions) config(cmd *cobra.Command) config.Config {
	var cfg config.Config
	config.FromEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("stream") {
		cfg.Stream = o.stream
	}
	if flags.Changed("nats-url") {
		cfg.NATSURL = o.natsURL
	}
	if flags.Changed("partitions") {
		cfg.PartitionCount = o.partitions
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = o.batchSize
	}
	if flags.Changed("routing-mode") {
		cfg.RoutingMode = o.routingMode
	}
	if flags.Changed("deliver-policy") {
		cfg.DeliverPolicy = o.deliverPolicy
	}
	if flags.Changed("consumer-prefix") {
		cfg.ConsumerPrefix = o.consumerPrefix
	}
	return cfg
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logging.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (o *rootOptions) logger(w io.Writer) logging.ServiceLogger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(o.logLevel)})
	return logging.NewSlogServiceLogger(slog.New(handler))
}

// provider builds and initializes a raw byte provider from the merged
// configuration. The returned cleanup closes it and stops the metrics server.
func (o *rootOptions) provider(cmd *cobra.Command) (*queue.Provider[[]byte], func(), error) {
	logger := o.logger(cmd.ErrOrStderr())

	var popts []queue.Option
	stopMetrics := func() {}
	if o.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		collector := metrics.New(registry)
		if err := collector.Register(); err != nil {
			return nil, nil, err
		}
		stop, err := serveMetrics(o.metricsAddr, registry, logger)
		if err != nil {
			return nil, nil, err
		}
		stopMetrics = stop
		popts = append(popts, queue.WithMetrics(collector))
	}

	p, err := queue.NewProvider[[]byte](o.providerName, o.config(cmd), codec.Raw{}, logger, popts...)
	if err != nil {
		stopMetrics()
		return nil, nil, err
	}

	ctx := cmd.Context()
	initCtx, cancel := contextWithTimeout(ctx, o.timeout)
	defer cancel()
	if err := p.Initialize(initCtx); err != nil {
		_ = p.Close()
		stopMetrics()
		return nil, nil, err
	}

	cleanup := func() {
		_ = p.Close()
		stopMetrics()
	}
	return p, cleanup, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger logging.ServiceLogger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped", err, nil)
		}
	}()
	logger.Info("Serving metrics", logging.LogFields{"addr": listener.Addr().String()})
	return func() { _ = srv.Close() }, nil
}
