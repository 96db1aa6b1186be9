package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays STREAMBRIDGE_* environment variables onto cfg. Values that
// fail to parse are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("STREAMBRIDGE_STREAM"); v != "" {
		cfg.Stream = v
	}
	if v := os.Getenv("STREAMBRIDGE_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("STREAMBRIDGE_CLIENT_NAME"); v != "" {
		cfg.ClientName = v
	}
	if v := os.Getenv("STREAMBRIDGE_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PartitionCount = n
		}
	}
	if v := os.Getenv("STREAMBRIDGE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("STREAMBRIDGE_ROUTING_MODE"); v != "" {
		cfg.RoutingMode = v
	}
	if v := os.Getenv("STREAMBRIDGE_DELIVER_POLICY"); v != "" {
		cfg.DeliverPolicy = v
	}
	if v := os.Getenv("STREAMBRIDGE_CONSUMER_PREFIX"); v != "" {
		cfg.ConsumerPrefix = v
	}
	if v := os.Getenv("STREAMBRIDGE_REPLICAS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replicas = n
		}
	}
	durations := map[string]*time.Duration{
		"STREAMBRIDGE_CONNECT_TIMEOUT":  &cfg.ConnectTimeout,
		"STREAMBRIDGE_FETCH_TIMEOUT":    &cfg.FetchTimeout,
		"STREAMBRIDGE_PUBLISH_TIMEOUT":  &cfg.PublishTimeout,
		"STREAMBRIDGE_ACK_WAIT":         &cfg.AckWait,
		"STREAMBRIDGE_MAX_AGE":          &cfg.MaxAge,
		"STREAMBRIDGE_DUPLICATE_WINDOW": &cfg.DuplicateWindow,
	}
	for key, target := range durations {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*target = d
			}
		}
	}
}
