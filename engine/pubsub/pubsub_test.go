package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/engine/enginetest"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/metric"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
)

// collector records what one subscriber received
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) OnMessage(_ bus.PeerContext, msg string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type harness struct {
	t        *testing.T
	group    *worker.Group
	network  *enginetest.Network
	registry *metric.MetricsRegistry
	hub      *Hub
}

func newHarness(t *testing.T, queueSize int) *harness {
	h := &harness{
		t:        t,
		group:    worker.NewGroup(4, 256),
		network:  enginetest.NewNetwork(),
		registry: metric.NewMetricsRegistry(metric.WithoutRuntimeCollectors()),
	}
	t.Cleanup(h.group.Release)
	h.hub = NewHub(h.base(bus.TypePublisher, ""), queueSize)
	h.network.Serve(func(conn engine.Conn) (engine.Handler, error) {
		return h.hub.Attach(conn, conn.(*enginetest.Conn).Meta)
	})
	return h
}

func (h *harness) base(typ bus.SessionType, query string) *session.Base {
	b, err := session.New(typ, "pipe", endpoint.MustParse("ws://127.0.0.1:1/events"+query), 0,
		session.WithMetrics(h.registry.CoreMetrics()))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = b.Close() })
	return b
}

func (h *harness) subscribe(topic string, listener bus.MessageListener) *Subscriber {
	s := NewSubscriber(Config{
		Base:     h.base(bus.TypeSubscriber, "?timeout=2s&retryDelay=10ms"),
		Dialer:   h.network.DialerWith(topic),
		Policy:   engine.Policy{Retries: -1, Delay: 10 * time.Millisecond},
		Group:    h.group,
		Listener: listener,
		Topic:    topic,
	})
	require.NoError(h.t, s.AwaitConnection(context.Background()))
	return s
}

func TestFanOutExactlyOnceInOrder(t *testing.T) {
	h := newHarness(t, 0)

	collectors := make([]*collector, 10)
	for i := range collectors {
		collectors[i] = &collector{}
		h.subscribe("", collectors[i])
	}
	require.Equal(t, 10, h.hub.Peers())

	var want []string
	for i := 0; i < 20; i++ {
		msg := fmt.Sprintf("msg-%02d", i)
		want = append(want, msg)
		require.NoError(t, h.hub.Publish(msg, "news"))
	}

	for i, c := range collectors {
		require.Eventually(t, func() bool { return c.count() >= 20 }, 2*time.Second, 5*time.Millisecond, "subscriber %d", i)
	}
	time.Sleep(50 * time.Millisecond)
	for i, c := range collectors {
		assert.Equal(t, want, c.received(), "subscriber %d", i)
	}
}

func TestTopicMatching(t *testing.T) {
	h := newHarness(t, 0)

	all, x, y := &collector{}, &collector{}, &collector{}
	h.subscribe("", all)
	h.subscribe("x", x)
	h.subscribe("y", y)

	require.NoError(t, h.hub.Publish("to-x", "x"))
	require.NoError(t, h.hub.Publish("to-y", "y"))
	require.NoError(t, h.hub.Publish("to-none", ""))
	require.NoError(t, h.hub.Publish("to-X", "X"))

	require.Eventually(t, func() bool { return all.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"to-x", "to-y", "to-none", "to-X"}, all.received())
	assert.Equal(t, []string{"to-x"}, x.received(), "topics are case sensitive and exact")
	assert.Equal(t, []string{"to-y"}, y.received())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, 16)
	release := make(chan struct{})
	defer close(release)

	h.network.Serve(func(conn engine.Conn) (engine.Handler, error) {
		c := conn.(*enginetest.Conn)
		if c.Meta == "slow" {
			c.SendHook = func(string) error {
				<-release
				return nil
			}
		}
		return h.hub.Attach(conn, "")
	})

	fast := &collector{}
	h.subscribe("slow", &collector{})
	h.subscribe("fast", fast)

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, h.hub.Publish(fmt.Sprint(i), "t"))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "publish does not wait for subscribers")

	require.Eventually(t, func() bool {
		got := fast.received()
		return len(got) > 0 && got[len(got)-1] == "99"
	}, 2*time.Second, 5*time.Millisecond)

	prev := -1
	for _, msg := range fast.received() {
		var n int
		_, err := fmt.Sscan(msg, &n)
		require.NoError(t, err)
		assert.Greater(t, n, prev, "order is preserved")
		prev = n
	}

	drops := h.registry.CoreMetrics().QueueDrops.WithLabelValues("pipe")
	assert.Greater(t, testutil.ToFloat64(drops), float64(0))

	status := h.hub.Health()
	assert.True(t, status.IsDegraded())
	assert.Contains(t, status.Message, "dropped for slow subscribers")
}

func TestDisconnectAllKeepsDelivered(t *testing.T) {
	h := newHarness(t, 0)

	c := &collector{}
	s := h.subscribe("", c)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.hub.Publish(fmt.Sprint(i), ""))
	}
	h.network.Serve(func(conn engine.Conn) (engine.Handler, error) {
		return engine.Handler{}, fmt.Errorf("not accepting")
	})
	h.hub.DisconnectAll()

	require.Eventually(t, func() bool { return h.hub.Peers() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.count() == 5 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.IsReady() }, time.Second, 5*time.Millisecond)
	assert.True(t, h.hub.Health().IsHealthy(), "the hub keeps listening")
}

func TestSubscriberReconnects(t *testing.T) {
	h := newHarness(t, 0)

	c := &collector{}
	s := h.subscribe("", c)
	h.hub.DisconnectAll()

	require.Eventually(t, func() bool {
		return h.network.Dials() >= 2 && s.IsReady() && h.hub.Peers() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.hub.Publish("again", ""))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscriberListenerPeer(t *testing.T) {
	h := newHarness(t, 0)

	peers := make(chan bus.PeerContext, 1)
	s := h.subscribe("alerts", bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		peers <- peer
	}))
	assert.Equal(t, "alerts", s.Topic())
	assert.Nil(t, s.Security())
	assert.True(t, s.Health().IsHealthy())

	require.NoError(t, h.hub.Publish("fire", "alerts"))
	peer := <-peers
	assert.Equal(t, s.ID(), peer.ID())
	assert.Equal(t, "127.0.0.1:1", peer.RemoteAddr())
}

func TestHubClose(t *testing.T) {
	h := newHarness(t, 0)
	h.subscribe("", &collector{})

	require.NoError(t, h.hub.Close())
	require.NoError(t, h.hub.Close())

	err := h.hub.Publish("late", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	require.Eventually(t, func() bool { return h.hub.Peers() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.hub.Health().IsUnhealthy())

	_, server := enginetest.Pipe("client", "server")
	_, err = h.hub.Attach(server, "")
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
}
