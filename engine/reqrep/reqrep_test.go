package reqrep

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

type harness struct {
	t        *testing.T
	group    *worker.Group
	network  *enginetest.Network
	registry *metric.MetricsRegistry
}

func newHarness(t *testing.T) *harness {
	g := worker.NewGroup(2, 64)
	t.Cleanup(g.Release)
	return &harness{
		t:        t,
		group:    g,
		network:  enginetest.NewNetwork(),
		registry: metric.NewMetricsRegistry(metric.WithoutRuntimeCollectors()),
	}
}

func (h *harness) base(typ bus.SessionType, uri string) *session.Base {
	b, err := session.New(typ, "pipe", endpoint.MustParse(uri), 0,
		session.WithMetrics(h.registry.CoreMetrics()))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = b.Close() })
	return b
}

func (h *harness) responder(listener bus.MessageListener) *Responder {
	r := NewResponder(h.base(bus.TypeResponder, "ws://127.0.0.1:1/rpc"), h.group, listener)
	h.network.Serve(r.Attach)
	return r
}

func (h *harness) requester(uri string, listener bus.MessageListener) *Requester {
	ep := endpoint.MustParse(uri)
	policy, err := engine.PolicyFromOptions(ep.Options)
	require.NoError(h.t, err)
	return NewRequester(Config{
		Base:     h.base(bus.TypeRequester, uri),
		Dialer:   h.network,
		Policy:   policy,
		Group:    h.group,
		Listener: listener,
	})
}

func echo() bus.MessageListener {
	return bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		_ = peer.Send(msg)
	})
}

func TestEchoRoundTripOnSamePeer(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	seen := map[string]map[string]bool{} // message prefix -> peer ids
	h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		mu.Lock()
		if seen[msg[:1]] == nil {
			seen[msg[:1]] = map[string]bool{}
		}
		seen[msg[:1]][peer.ID()] = true
		mu.Unlock()
		_ = peer.Send(msg)
	}))

	a := h.requester("ws://127.0.0.1:1/rpc?timeout=2s", nil)
	b := h.requester("ws://127.0.0.1:1/rpc?timeout=2s", nil)
	require.NoError(t, a.AwaitConnection(context.Background()))
	require.NoError(t, b.AwaitConnection(context.Background()))

	for i := 0; i < 20; i++ {
		ra, err := a.SendRequest(context.Background(), fmt.Sprintf("a-%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("a-%d", i), ra)

		rb, err := b.SendRequest(context.Background(), fmt.Sprintf("b-%d", i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("b-%d", i), rb)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen["a"], 1, "all of a's requests arrive on one peer")
	assert.Len(t, seen["b"], 1)
	for id := range seen["a"] {
		assert.False(t, seen["b"][id], "a and b are different peers")
	}

	stats := a.Stats()
	assert.Equal(t, uint64(20), stats.MessagesOut)
	assert.Equal(t, uint64(20), stats.MessagesIn)
}

func TestNoListenerTimesOut(t *testing.T) {
	h := newHarness(t)
	h.responder(nil)

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=200ms", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	start := time.Now()
	_, err := r.SendRequest(context.Background(), "anyone?")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "got %v", err)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, uint64(1), r.Stats().Timeouts)

	// The unanswered request's connection is replaced by a fresh one
	require.Eventually(t, r.IsReady, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.network.Dials())
}

func TestLateReplyIsDropped(t *testing.T) {
	h := newHarness(t)
	late := make(chan error, 1)
	h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		if msg == "slow" {
			time.Sleep(150 * time.Millisecond)
			late <- peer.Send("reply:" + msg)
			return
		}
		_ = peer.Send("reply:" + msg)
	}))

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=100ms", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	_, err := r.SendRequest(context.Background(), "slow")
	require.True(t, errors.IsTimeout(err))

	r.SetTimeout(time.Second)
	reply, err := r.SendRequest(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, "reply:fast", reply, "the late reply is not mistaken for this one")

	assert.ErrorIs(t, <-late, errors.ErrPeerClosed, "the slow request's connection is gone")
	assert.Equal(t, uint64(1), r.Stats().MessagesIn)
}

func TestSendRightAfterTimeoutGetsItsOwnReply(t *testing.T) {
	h := newHarness(t)
	h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		if msg == "ignored" {
			return
		}
		_ = peer.Send(msg)
	}))

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=300ms&retryDelay=10ms", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := r.SendRequest(context.Background(), "ignored")
		require.True(t, errors.IsTimeout(err), "got %v", err)

		msg := fmt.Sprintf("hello-%d", i)
		reply, err := r.SendRequest(context.Background(), msg)
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, msg, reply)
	}
	assert.Equal(t, uint64(3), r.Stats().Timeouts)
}

func TestConcurrentSendsSerialize(t *testing.T) {
	h := newHarness(t)
	h.responder(echo())

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=5s", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("req-%d", i)
			reply, err := r.SendRequest(context.Background(), msg)
			if err == nil && reply != msg {
				err = fmt.Errorf("sent %q, got %q", msg, reply)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestSecondSendWaitsForSlot(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		if msg == "first" {
			<-release
		}
		_ = peer.Send(msg)
	}))

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=2s", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	first := r.Send("first")
	second := r.Send("second")

	select {
	case <-second.Done():
		t.Fatal("second request completed while the first held the slot")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	got1, err := first.Get(context.Background())
	require.NoError(t, err)
	got2, err := second.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", got1)
	assert.Equal(t, "second", got2)
}

func TestSlotWaitIsBoundedByTimeout(t *testing.T) {
	h := newHarness(t)
	h.responder(nil)

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=150ms", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	first := r.Send("first")
	second := r.Send("second")

	_, err := first.Get(context.Background())
	assert.True(t, errors.IsTimeout(err))
	_, err = second.Get(context.Background())
	assert.True(t, errors.IsTimeout(err))
}

func TestConnectsWhenServerAppears(t *testing.T) {
	h := newHarness(t)
	r := h.requester("ws://127.0.0.1:1/rpc?timeout=2s&retryDelay=10ms", nil)
	assert.False(t, r.IsReady())

	time.AfterFunc(100*time.Millisecond, func() { h.responder(echo()) })

	require.NoError(t, r.AwaitConnection(context.Background()))
	assert.True(t, r.IsReady())
	assert.Greater(t, h.network.Dials(), 1)
}

func TestNotReadyAfterWindowElapses(t *testing.T) {
	h := newHarness(t)
	r := h.requester("ws://127.0.0.1:1/rpc?timeout=150ms&retryDelay=10ms", nil)

	err := r.AwaitConnection(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "got %v", err)

	require.Eventually(t, func() bool { return r.State() == engine.StateDisconnected }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err = r.Send("hello").Get(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotReady)
	assert.True(t, errors.IsRecoverable(err))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "fails fast")

	// A later await starts a fresh cycle
	h.responder(echo())
	require.NoError(t, r.AwaitConnection(context.Background()))
}

func TestExplicitRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	r := h.requester("ws://127.0.0.1:1/rpc?timeout=2s&retries=2&retryDelay=5ms", nil)

	start := time.Now()
	err := r.AwaitConnection(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, h.network.Dials())

	_, err = r.SendRequest(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrMaxRetriesExceeded)
}

func TestConnectionLostWhileAwaitingReply(t *testing.T) {
	h := newHarness(t)
	var resp *Responder
	resp = h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		if msg == "hangup" {
			resp.DisconnectAll()
			return
		}
		_ = peer.Send(msg)
	}))

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=2s&retryDelay=10ms", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	_, err := r.SendRequest(context.Background(), "hangup")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.True(t, errors.IsTransient(err))

	require.NoError(t, r.AwaitConnection(context.Background()))
	reply, err := r.SendRequest(context.Background(), "back")
	require.NoError(t, err)
	assert.Equal(t, "back", reply)
}

func TestUnsolicitedMessagesReachListener(t *testing.T) {
	h := newHarness(t)
	h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		_ = peer.Send("ack")
		_ = peer.Send("push")
	}))

	pushed := make(chan string, 1)
	r := h.requester("ws://127.0.0.1:1/rpc?timeout=2s", bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		pushed <- msg
	}))
	require.NoError(t, r.AwaitConnection(context.Background()))

	reply, err := r.SendRequest(context.Background(), "subscribe")
	require.NoError(t, err)
	assert.Equal(t, "ack", reply)

	select {
	case msg := <-pushed:
		assert.Equal(t, "push", msg)
	case <-time.After(time.Second):
		t.Fatal("unsolicited message not delivered")
	}
}

func TestListenerPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	resp := h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		if msg == "boom" {
			panic("listener bug")
		}
		_ = peer.Send(msg)
	}))

	faulty := h.requester("ws://127.0.0.1:1/rpc?timeout=200ms", nil)
	healthy := h.requester("ws://127.0.0.1:1/rpc?timeout=2s", nil)
	require.NoError(t, faulty.AwaitConnection(context.Background()))
	require.NoError(t, healthy.AwaitConnection(context.Background()))

	_, err := faulty.SendRequest(context.Background(), "boom")
	assert.True(t, errors.IsTimeout(err))

	reply, err := healthy.SendRequest(context.Background(), "still fine")
	require.NoError(t, err)
	assert.Equal(t, "still fine", reply)

	require.Eventually(t, faulty.IsReady, time.Second, 5*time.Millisecond, "faulty requester reconnects")
	require.Eventually(t, func() bool { return resp.Peers() == 2 }, time.Second, 5*time.Millisecond)
	panics := h.registry.CoreMetrics().ListenerPanics.WithLabelValues("pipe", "responder")
	assert.Equal(t, float64(1), testutil.ToFloat64(panics))
}

func TestResponderPeersAndDisconnectAll(t *testing.T) {
	h := newHarness(t)
	resp := h.responder(echo())

	a := h.requester("ws://127.0.0.1:1/rpc?timeout=2s", nil)
	b := h.requester("ws://127.0.0.1:1/rpc?timeout=2s", nil)
	require.NoError(t, a.AwaitConnection(context.Background()))
	require.NoError(t, b.AwaitConnection(context.Background()))
	require.Eventually(t, func() bool { return resp.Peers() == 2 }, time.Second, 5*time.Millisecond)

	h.network.Serve(func(conn engine.Conn) (engine.Handler, error) {
		return engine.Handler{}, fmt.Errorf("not accepting")
	})
	resp.DisconnectAll()
	require.Eventually(t, func() bool { return resp.Peers() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !a.IsReady() && !b.IsReady() }, time.Second, 5*time.Millisecond)
	assert.True(t, resp.Health().IsHealthy(), "still listening")
}

func TestStalePeerSendFails(t *testing.T) {
	h := newHarness(t)
	peers := make(chan bus.PeerContext, 1)
	resp := h.responder(bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		peers <- peer
	}))

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=100ms", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))
	r.Send("hello")

	peer := <-peers
	resp.DisconnectAll()

	err := peer.Send("too late")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPeerClosed)
}

func TestRequesterClose(t *testing.T) {
	h := newHarness(t)
	h.responder(nil)

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=5s", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	inflight := r.Send("never answered")
	time.Sleep(20 * time.Millisecond)

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close(), "second close is a no-op")

	_, err := inflight.Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrSessionClosed)

	_, err = r.Send("after close").Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	assert.ErrorIs(t, r.AwaitConnection(context.Background()), errors.ErrSessionClosed)
	assert.False(t, r.IsReady())
	assert.True(t, r.Health().IsUnhealthy())
}

func TestSendRequestHonoursContext(t *testing.T) {
	h := newHarness(t)
	h.responder(nil)

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=5s", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.SendRequest(ctx, "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSetTimeoutAppliesToNextWait(t *testing.T) {
	h := newHarness(t)
	h.responder(nil)

	r := h.requester("ws://127.0.0.1:1/rpc?timeout=300ms", nil)
	require.NoError(t, r.AwaitConnection(context.Background()))

	f := r.Send("x")
	r.SetTimeout(time.Hour)

	start := time.Now()
	_, err := f.Get(context.Background())
	assert.True(t, errors.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, time.Hour, r.Timeout())

	r.SetTimeoutToDefault()
	assert.Equal(t, 300*time.Millisecond, r.Timeout())
}
