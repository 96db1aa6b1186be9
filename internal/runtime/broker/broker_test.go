package broker

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/streambridge/internal/runtime/config"
	errspkg "github.com/drblury/streambridge/internal/runtime/errors"
	"github.com/drblury/streambridge/internal/runtime/logging"
	"github.com/drblury/streambridge/internal/runtime/routing"
	"github.com/drblury/streambridge/internal/runtime/wire"
)

func runServer(t *testing.T, jetStream bool) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: jetStream,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func newTestManager(t *testing.T, url string, mutate func(*config.Config)) *Manager {
	t.Helper()
	cfg := config.Config{
		Stream:         "events",
		PartitionCount: 4,
		NATSURL:        url,
		DeliverPolicy:  config.DeliverAll,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager("orders", cfg, logging.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func initialized(t *testing.T, m *Manager) *Manager {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Initialize(ctx))
	return m
}

func publish(t *testing.T, m *Manager, ns, key, payload string) *wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(wire.RoutingKey{Namespace: ns, Key: key}, []byte(payload), nil)
	require.NoError(t, err)
	_, err = m.Publish(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

func boundConsumer(t *testing.T, m *Manager, partition int) *PartitionConsumer {
	t.Helper()
	c, err := m.CreateConsumer(partition)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Initialize(ctx))
	return c
}

// fetchUntil polls c until want messages arrived or the deadline passes.
func fetchUntil(t *testing.T, c *PartitionConsumer, want int) []*wire.Message {
	t.Helper()
	var got []*wire.Message
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		msgs, err := c.Fetch(context.Background(), 0)
		require.NoError(t, err)
		got = append(got, msgs...)
		if len(msgs) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	return got
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager("orders", config.Config{}, logging.NopLogger())
	assert.ErrorIs(t, err, errspkg.ErrStreamRequired)

	_, err = NewManager("", config.Config{Stream: "events"}, logging.NopLogger())
	assert.ErrorIs(t, err, errspkg.ErrProviderNameRequired)

	_, err = NewManager("orders", config.Config{Stream: "events"}, nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestUninitializedManager(t *testing.T) {
	m := newTestManager(t, "nats://127.0.0.1:1", nil)

	msg, err := wire.NewMessage(wire.RoutingKey{Namespace: "a", Key: "b"}, []byte("x"), nil)
	require.NoError(t, err)
	_, err = m.Publish(context.Background(), msg)
	assert.ErrorIs(t, err, errspkg.ErrNotInitialized)

	c, err := m.CreateConsumer(0)
	assert.Nil(t, c)
	assert.ErrorIs(t, err, errspkg.ErrNotInitialized)
	assert.False(t, m.Initialized())
}

func TestInitializeUnreachableBroker(t *testing.T) {
	m := newTestManager(t, "nats://127.0.0.1:1", func(c *config.Config) {
		c.ConnectTimeout = 200 * time.Millisecond
	})
	err := m.Initialize(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrConnectivity)
	assert.False(t, m.Initialized())
}

func TestInitializeWithoutJetStream(t *testing.T) {
	ns := runServer(t, false)
	m := newTestManager(t, ns.ClientURL(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := m.Initialize(ctx)
	assert.ErrorIs(t, err, errspkg.ErrConnectivity)
	assert.False(t, m.Initialized())
}

func TestInitializeIsIdempotent(t *testing.T) {
	ns := runServer(t, true)
	m := initialized(t, newTestManager(t, ns.ClientURL(), nil))
	require.NoError(t, m.Initialize(context.Background()))
	assert.True(t, m.Initialized())

	// A second manager attaches to the stream the first one created.
	initialized(t, newTestManager(t, ns.ClientURL(), nil))
}

func TestInitializeRejectsDifferentPartitionCount(t *testing.T) {
	ns := runServer(t, true)
	initialized(t, newTestManager(t, ns.ClientURL(), nil))

	other := newTestManager(t, ns.ClientURL(), func(c *config.Config) { c.PartitionCount = 8 })
	err := other.Initialize(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrTopologyMismatch)
}

func TestPublishAck(t *testing.T) {
	ns := runServer(t, true)
	m := initialized(t, newTestManager(t, ns.ClientURL(), nil))

	msg, err := wire.NewMessage(wire.RoutingKey{Namespace: "chat", Key: "room-1"}, []byte("hi"), nil)
	require.NoError(t, err)

	ack, err := m.Publish(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "events", ack.Stream)
	assert.Equal(t, uint64(1), ack.Sequence)
	assert.False(t, ack.Duplicate)

	// Retrying the same message is deduplicated by ID.
	again, err := m.Publish(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, ack.Sequence, again.Sequence)
}

func TestPublishRejectsInvalidMessage(t *testing.T) {
	ns := runServer(t, true)
	m := initialized(t, newTestManager(t, ns.ClientURL(), nil))

	_, err := m.Publish(context.Background(), &wire.Message{RoutingKey: wire.RoutingKey{Namespace: "a", Key: "b"}})
	assert.ErrorIs(t, err, errspkg.ErrEmptyPayload)
}

func TestCreateConsumerRange(t *testing.T) {
	ns := runServer(t, true)
	m := initialized(t, newTestManager(t, ns.ClientURL(), nil))

	_, err := m.CreateConsumer(4)
	assert.ErrorIs(t, err, errspkg.ErrPartitionOutOfRange)

	c, err := m.CreateConsumer(3)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Partition())
	assert.Equal(t, "streambridge-orders-events-3", c.Binding().Durable)

	// Not bound yet: fetching yields nothing.
	msgs, err := c.Fetch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, c.Initialized())
}

func TestPartitionIsolation(t *testing.T) {
	for _, mode := range []string{config.RoutingModeBroker, config.RoutingModeClient} {
		t.Run(mode, func(t *testing.T) {
			ns := runServer(t, true)
			m := initialized(t, newTestManager(t, ns.ClientURL(), func(c *config.Config) { c.RoutingMode = mode }))
			topo := m.Topology()

			expected := make(map[int]int)
			for i := 0; i < 100; i++ {
				key := strconv.Itoa(i)
				publish(t, m, "testStream", key, "payload-"+key)
				expected[routing.Partition("testStream", key, 4)]++
			}

			total := 0
			for p := 0; p < 4; p++ {
				c := boundConsumer(t, m, p)
				msgs := fetchUntil(t, c, expected[p])
				require.Len(t, msgs, expected[p], "partition %d", p)

				for _, msg := range msgs {
					got, ok := topo.PartitionFromSubject(msg.Handle.Subject())
					require.True(t, ok)
					assert.Equal(t, p, got)
					assert.Equal(t, routing.Partition(msg.RoutingKey.Namespace, msg.RoutingKey.Key, 4), p)
					assert.Equal(t, "payload-"+msg.RoutingKey.Key, string(msg.Payload))
					assert.NotEmpty(t, msg.ID)
					require.NoError(t, msg.Handle.Ack())
				}
				total += len(msgs)
			}
			assert.Equal(t, 100, total)
		})
	}
}

func TestFetchRespectsBatchSize(t *testing.T) {
	ns := runServer(t, true)
	m := initialized(t, newTestManager(t, ns.ClientURL(), func(c *config.Config) {
		c.PartitionCount = 1
		c.BatchSize = 3
	}))
	for i := 0; i < 5; i++ {
		publish(t, m, "ns", "k"+strconv.Itoa(i), "x")
	}
	c := boundConsumer(t, m, 0)

	first := fetchUntil(t, c, 1)
	assert.LessOrEqual(t, len(first), 3)

	for _, msg := range first {
		require.NoError(t, msg.Handle.Ack())
	}

	limited, err := c.Fetch(context.Background(), 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(limited), 1)
}

func TestDurableReattachResumesAfterAckFloor(t *testing.T) {
	ns := runServer(t, true)
	mutate := func(c *config.Config) { c.PartitionCount = 1 }

	first := initialized(t, newTestManager(t, ns.ClientURL(), mutate))
	for i := 0; i < 3; i++ {
		publish(t, first, "ns", "a"+strconv.Itoa(i), "old")
	}
	c := boundConsumer(t, first, 0)
	msgs := fetchUntil(t, c, 3)
	require.Len(t, msgs, 3)
	for _, msg := range msgs {
		require.NoError(t, msg.Handle.DoubleAck(context.Background()))
	}
	require.NoError(t, first.Close())

	second := initialized(t, newTestManager(t, ns.ClientURL(), mutate))
	publish(t, second, "ns", "b0", "new")
	publish(t, second, "ns", "b1", "new")

	resumed := boundConsumer(t, second, 0)
	assert.Equal(t, c.Binding().Durable, resumed.Binding().Durable)

	got := fetchUntil(t, resumed, 2)
	require.Len(t, got, 2)
	for _, msg := range got {
		assert.Equal(t, "new", string(msg.Payload))
	}
}

func TestFetchSkipsUndecodableRecords(t *testing.T) {
	ns := runServer(t, true)
	m := initialized(t, newTestManager(t, ns.ClientURL(), func(c *config.Config) { c.PartitionCount = 1 }))

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	js, err := nc.JetStream()
	require.NoError(t, err)
	_, err = js.Publish("orders.junk.record", []byte("not an envelope"))
	require.NoError(t, err)

	valid := publish(t, m, "ns", "good", "ok")

	c := boundConsumer(t, m, 0)
	got := fetchUntil(t, c, 1)
	require.Len(t, got, 1)
	assert.Equal(t, valid.ID, got[0].ID)
	require.NoError(t, got[0].Handle.Ack())

	// The terminated record is not redelivered.
	again, err := c.Fetch(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCloseIsIdempotent(t *testing.T) {
	ns := runServer(t, true)
	m := initialized(t, newTestManager(t, ns.ClientURL(), nil))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.False(t, m.Initialized())

	_, err := m.Publish(context.Background(), &wire.Message{})
	assert.ErrorIs(t, err, errspkg.ErrNotInitialized)
}
