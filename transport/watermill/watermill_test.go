package watermill

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streambridge/internal/runtime/codec"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/queue"
	"github.com/drblury/streambridge/internal/runtime/requestctx"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []*wire.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg *wire.Message) (*jetstream.PubAck, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return &jetstream.PubAck{Stream: "events", Sequence: uint64(len(p.published))}, nil
}

type fakeMsg struct {
	jetstream.Msg
	acks atomic.Int32
	naks atomic.Int32
}

func (m *fakeMsg) DoubleAck(context.Context) error {
	m.acks.Add(1)
	return nil
}

func (m *fakeMsg) Nak() error {
	m.naks.Add(1)
	return nil
}

func (m *fakeMsg) Term() error { return nil }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{Sequence: jetstream.SequencePair{Stream: 7, Consumer: 1}, NumDelivered: 2}, nil
}

type fakeReader struct {
	partition int

	mu      sync.Mutex
	pending []*wire.Message
}

func (f *fakeReader) Initialize(context.Context) error { return nil }

func (f *fakeReader) Partition() int { return f.partition }

func (f *fakeReader) Fetch(_ context.Context, _ int) ([]*wire.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

type fakeSource struct {
	reader *fakeReader
}

func (s *fakeSource) NewReceiver(partition int) (*queue.Receiver[[]byte], error) {
	return queue.NewReceiver[[]byte](partition, func(int) (queue.PartitionReader, error) {
		return s.reader, nil
	}, codec.Raw{}, logging.NopLogger())
}

func TestPublisherMapsTopicAndMetadata(t *testing.T) {
	rec := &recordingPublisher{}
	pub, err := NewPublisher(rec, wm.NopLogger{})
	require.NoError(t, err)

	msg := message.NewMessage(wm.NewUUID(), []byte("payload"))
	msg.Metadata.Set("tenant", "acme")

	require.NoError(t, pub.Publish(TopicForKey(wire.RoutingKey{Namespace: "chat", Key: "room-1"}), msg))
	require.Len(t, rec.published, 1)

	got := rec.published[0]
	assert.Equal(t, msg.UUID, got.ID)
	assert.Equal(t, wire.RoutingKey{Namespace: "chat", Key: "room-1"}, got.RoutingKey)
	assert.Equal(t, "acme", got.Context["tenant"])
	assert.Equal(t, []byte("payload"), got.Payload)
}

func TestPublisherRejectsBadTopics(t *testing.T) {
	pub, err := NewPublisher(&recordingPublisher{}, nil)
	require.NoError(t, err)

	for _, topic := range []string{"nodot", ".key", "ns.", "ns.a.b"} {
		t.Run(topic, func(t *testing.T) {
			err := pub.Publish(topic, message.NewMessage("id", []byte("x")))
			assert.Error(t, err)
		})
	}

	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("ns.key", message.NewMessage("id", []byte("x"))), ErrClosed)
}

func TestNewPublisherRequiresPublisher(t *testing.T) {
	_, err := NewPublisher(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
}

func TestSubscriberDeliversAndAcks(t *testing.T) {
	handle := &fakeMsg{}
	wireMsg, err := wire.NewMessage(wire.RoutingKey{Namespace: "chat", Key: "room-1"}, []byte("hello"), requestctx.Values{"tenant": "acme", "n": 1.0})
	require.NoError(t, err)
	wireMsg.Handle = handle

	reader := &fakeReader{partition: 2, pending: []*wire.Message{wireMsg}}
	sub, err := NewSubscriber(&fakeSource{reader: reader}, SubscriberConfig{PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := sub.Subscribe(ctx, TopicForPartition(2))
	require.NoError(t, err)

	var msg *message.Message
	select {
	case msg = <-messages:
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	assert.Equal(t, wireMsg.ID, msg.UUID)
	assert.Equal(t, []byte("hello"), []byte(msg.Payload))
	assert.Equal(t, "chat", msg.Metadata.Get(MetadataNamespace))
	assert.Equal(t, "room-1", msg.Metadata.Get(MetadataKey))
	assert.Equal(t, "2", msg.Metadata.Get(MetadataPartition))
	assert.Equal(t, "7", msg.Metadata.Get(MetadataSequence))
	assert.Equal(t, "2", msg.Metadata.Get(MetadataDelivered))
	assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	assert.Empty(t, msg.Metadata.Get("n"), "non-string values are not copied into metadata")
	assert.Equal(t, "acme", requestctx.FromContext(msg.Context())["tenant"])

	msg.Ack()
	require.Eventually(t, func() bool { return handle.acks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	_, open := <-messages
	assert.False(t, open)
	require.NoError(t, sub.Close())

	_, err = sub.Subscribe(ctx, "0")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscriberNackRedelivers(t *testing.T) {
	handle := &fakeMsg{}
	wireMsg, err := wire.NewMessage(wire.RoutingKey{Namespace: "a", Key: "b"}, []byte("x"), nil)
	require.NoError(t, err)
	wireMsg.Handle = handle

	reader := &fakeReader{pending: []*wire.Message{wireMsg}}
	sub, err := NewSubscriber(&fakeSource{reader: reader}, SubscriberConfig{PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := sub.Subscribe(ctx, "0")
	require.NoError(t, err)

	msg := <-messages
	msg.Nack()
	require.Eventually(t, func() bool { return handle.naks.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), handle.acks.Load())

	cancel()
	for range messages {
	}
}

func TestSubscribeRejectsNonNumericTopic(t *testing.T) {
	sub, err := NewSubscriber(&fakeSource{reader: &fakeReader{}}, SubscriberConfig{}, nil)
	require.NoError(t, err)
	_, err = sub.Subscribe(context.Background(), "orders")
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)

	_, err = NewSubscriber(nil, SubscriberConfig{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrReaderRequired)
}
