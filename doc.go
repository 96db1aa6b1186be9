// Package streambridge bridges a stream runtime to NATS JetStream. Many
// logical streams, each named by a RoutingKey (namespace plus key), are
// multiplexed onto a fixed number of partitions of one JetStream stream.
// Every routing key lands on exactly one partition, so events that share a
// key keep their order while consumers scale out one per partition.
//
// A Provider owns the connection and the stream. Its Writer publishes events
// under a routing key with an optional request context that travels with
// every event, trace headers included. NewReceiver binds the durable consumer
// of one partition; GetBatches fetches records, MarkDelivered and MarkFailed
// settle them exactly once, and Shutdown drains the outstanding fetch.
//
// # Routing
//
// In broker mode (the default) the stream carries a subject transform and
// JetStream assigns the partition. In client mode the publisher computes the
// same FNV-1a partition itself, which suits brokers older than 2.10.
//
// # Codecs
//
// Events are encoded with a Codec: NewJSONCodec for plain structs,
// NewProtoCodec for protobuf messages, or RawCodec for byte slices.
//
// # Watermill
//
// The transport/watermill package exposes the bridge as a Watermill
// Publisher and Subscriber for existing routers.
package streambridge
