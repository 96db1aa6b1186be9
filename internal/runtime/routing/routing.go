// Package routing maps routing keys onto the fixed partitions of a stream.
//
// Publishers write to {provider}.{namespace}.{key}. In broker mode the stream
// rewrites that subject to {provider}.{partition}.{namespace}.{key} with the
// subject transform function partition(N,1,2). In client mode the publisher
// computes the same partition itself and writes the rewritten subject
// directly. Both modes use Partition, so they route identically.
package routing

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/drblury/streambridge/internal/runtime/config"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

// Partition returns the partition for (namespace, key). It is FNV-1a 32 over
// the two tokens concatenated without a separator, modulo n, which is what the
// NATS server computes for partition(n,1,2).
func Partition(namespace, key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Topology is the immutable stream layout shared by publishers and consumers.
type Topology struct {
	Stream     string
	Provider   string
	Partitions int
	ClientSide bool
}

// NewTopology derives the topology for provider from a defaulted config.
func NewTopology(provider string, cfg config.Config) (Topology, error) {
	if provider == "" {
		return Topology{}, errspkg.ErrProviderNameRequired
	}
	if strings.ContainsAny(provider, ".*> \t\r\n") {
		return Topology{}, fmt.Errorf("%w: provider %q", errspkg.ErrInvalidSubjectToken, provider)
	}
	if cfg.Stream == "" {
		return Topology{}, errspkg.ErrStreamRequired
	}
	if cfg.PartitionCount < 1 {
		return Topology{}, fmt.Errorf("%w: partition count %d", errspkg.ErrPartitionOutOfRange, cfg.PartitionCount)
	}
	return Topology{
		Stream:     cfg.Stream,
		Provider:   provider,
		Partitions: cfg.PartitionCount,
		ClientSide: cfg.RoutingMode == config.RoutingModeClient,
	}, nil
}

// StreamSubjects are the subjects the stream captures.
func (t Topology) StreamSubjects() []string {
	return []string{t.Provider + ".>"}
}

// Transform returns the subject transform applied by the stream, or nil in
// client mode.
func (t Topology) Transform() *jetstream.SubjectTransformConfig {
	if t.ClientSide {
		return nil
	}
	return &jetstream.SubjectTransformConfig{
		Source:      t.Provider + ".*.*",
		Destination: fmt.Sprintf("%s.{{partition(%d,1,2)}}.{{wildcard(1)}}.{{wildcard(2)}}", t.Provider, t.Partitions),
	}
}

// PartitionOf returns the partition key is routed to.
func (t Topology) PartitionOf(key wire.RoutingKey) int {
	return Partition(key.Namespace, key.Key, t.Partitions)
}

// PublishSubject is the subject a message for key is published on.
func (t Topology) PublishSubject(key wire.RoutingKey) string {
	if t.ClientSide {
		return t.Provider + "." + strconv.Itoa(t.PartitionOf(key)) + "." + key.Namespace + "." + key.Key
	}
	return t.Provider + "." + key.Namespace + "." + key.Key
}

// StoredSubject is the subject the stream stores a message for key under.
func (t Topology) StoredSubject(key wire.RoutingKey) string {
	return t.Provider + "." + strconv.Itoa(t.PartitionOf(key)) + "." + key.Namespace + "." + key.Key
}

// FilterSubject selects every message stored in partition.
func (t Topology) FilterSubject(partition int) string {
	return t.Provider + "." + strconv.Itoa(partition) + ".>"
}

// CheckPartition reports whether partition is within [0, Partitions).
func (t Topology) CheckPartition(partition int) error {
	if partition < 0 || partition >= t.Partitions {
		return fmt.Errorf("%w: %d not in [0,%d)", errspkg.ErrPartitionOutOfRange, partition, t.Partitions)
	}
	return nil
}

// PartitionFromSubject extracts the partition token from a stored subject.
func (t Topology) PartitionFromSubject(subject string) (int, bool) {
	rest, ok := strings.CutPrefix(subject, t.Provider+".")
	if !ok {
		return 0, false
	}
	token, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, false
	}
	p, err := strconv.Atoi(token)
	if err != nil || t.CheckPartition(p) != nil {
		return 0, false
	}
	return p, true
}

// Binding describes the durable consumer attached to one partition.
type Binding struct {
	Partition     int
	FilterSubject string
	Durable       string
}

// Binding returns the durable consumer binding for partition. The durable name
// {prefix}-{provider}-{stream}-{partition} is stable so restarts reattach to
// the same consumer.
func (t Topology) Binding(prefix string, partition int) (Binding, error) {
	if err := t.CheckPartition(partition); err != nil {
		return Binding{}, err
	}
	name := fmt.Sprintf("%s-%s-%s-%d", prefix, t.Provider, t.Stream, partition)
	return Binding{
		Partition:     partition,
		FilterSubject: t.FilterSubject(partition),
		Durable:       sanitizeConsumerName(name),
	}, nil
}

func sanitizeConsumerName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, name)
}
