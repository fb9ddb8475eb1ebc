package engine_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/engine/enginetest"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
)

func newBase(t *testing.T, typ bus.SessionType, query string) *session.Base {
	t.Helper()
	b, err := session.New(typ, "pipe", endpoint.MustParse("ws://127.0.0.1:1/x"+query), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPolicyFromOptions(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		want     engine.Policy
		explicit bool
		wantErr  bool
	}{
		{name: "defaults", query: "", want: engine.Policy{Retries: -1}},
		{name: "explicit retries", query: "retries=3", want: engine.Policy{Retries: 3}, explicit: true},
		{name: "zero retries", query: "retries=0", want: engine.Policy{Retries: 0}, explicit: true},
		{
			name:  "delays",
			query: "retryDelay=20ms&retryMaxDelay=2s",
			want:  engine.Policy{Retries: -1, Delay: 20 * time.Millisecond, MaxDelay: 2 * time.Second},
		},
		{name: "bare milliseconds", query: "retryDelay=250", want: engine.Policy{Retries: -1, Delay: 250 * time.Millisecond}},
		{name: "negative retries", query: "retries=-2", wantErr: true},
		{name: "bad retries", query: "retries=many", wantErr: true},
		{name: "bad delay", query: "retryDelay=soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := engine.PolicyFromOptions(endpoint.ParseQuery(tt.query))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsFatal(err))
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
			assert.Equal(t, tt.explicit, p.Explicit())
		})
	}
}

func TestPolicyConfig(t *testing.T) {
	window := engine.Policy{Retries: -1}.Config(3 * time.Second)
	assert.Equal(t, 3*time.Second, window.Window)
	assert.Zero(t, window.MaxAttempts)

	explicit := engine.Policy{Retries: 2}.Config(3 * time.Second)
	assert.Equal(t, 3, explicit.MaxAttempts)
	assert.Zero(t, explicit.Window)

	slow := engine.Policy{Retries: 1, Delay: 10 * time.Second}.Config(time.Second)
	assert.Equal(t, 10*time.Second, slow.InitialDelay)
	assert.Equal(t, 10*time.Second, slow.MaxDelay, "max delay is raised to the initial delay")
}

func TestConnectorLifecycle(t *testing.T) {
	base := newBase(t, bus.TypeSubscriber, "?timeout=2s")
	network := enginetest.NewNetwork()
	network.Serve(func(conn engine.Conn) (engine.Handler, error) { return engine.Handler{}, nil })

	var lost atomic.Int32
	c := engine.NewConnector(base, network, engine.Policy{Retries: -1, Delay: 10 * time.Millisecond}, engine.Handler{
		OnClose: func(error) { lost.Add(1) },
	})
	assert.Equal(t, engine.StateDisconnected, c.State())
	assert.True(t, c.Start())
	assert.False(t, c.Start(), "a cycle is already running")

	require.NoError(t, c.Await(context.Background()))
	assert.True(t, c.IsReady())
	assert.Nil(t, c.Security(), "pipes are plaintext")

	conn, err := c.Conn(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.CheckReady())

	c.Drop(conn)
	require.Eventually(t, func() bool { return lost.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Reconnects on its own after an unexpected loss
	require.Eventually(t, c.IsReady, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, network.Dials())

	require.NoError(t, base.Close())
	assert.Equal(t, engine.StateClosed, c.State())
	_, err = c.Conn(context.Background())
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	assert.ErrorIs(t, c.Await(context.Background()), errors.ErrSessionClosed)
}

func TestConnectorDropDivertsInFlightMessages(t *testing.T) {
	base := newBase(t, bus.TypeRequester, "?timeout=2s")
	network := enginetest.NewNetwork()
	servers := make(chan engine.Conn, 2)
	network.Serve(func(conn engine.Conn) (engine.Handler, error) {
		servers <- conn
		return engine.Handler{}, nil
	})

	hold := make(chan struct{})
	live := make(chan string, 4)
	stale := make(chan string, 4)
	c := engine.NewConnector(base, network, engine.Policy{Retries: -1, Delay: 10 * time.Millisecond}, engine.Handler{
		OnMessage: func(m string) {
			live <- m
			if m == "first" {
				<-hold
			}
		},
		OnStale: func(m string) { stale <- m },
	})
	c.Start()
	require.NoError(t, c.Await(context.Background()))
	conn, err := c.Conn(context.Background())
	require.NoError(t, err)
	server := <-servers

	require.NoError(t, server.Send(context.Background(), "first"))
	assert.Equal(t, "first", <-live)
	require.NoError(t, server.Send(context.Background(), "second"))

	c.Drop(conn)
	close(hold)

	select {
	case m := <-stale:
		assert.Equal(t, "second", m)
	case <-time.After(time.Second):
		t.Fatal("message from the dropped connection was not diverted")
	}
	assert.Empty(t, live)

	next, err := c.Conn(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, conn, next)
}

func TestConnectorFatalDialStopsCycle(t *testing.T) {
	base := newBase(t, bus.TypeRequester, "?timeout=5s")
	var dials atomic.Int32
	dialer := engine.DialerFunc(func(ctx context.Context, h engine.Handler) (engine.Conn, error) {
		dials.Add(1)
		return nil, errors.WrapFatal(errors.ErrInvalidTLS, "test", "Dial", "handshake")
	})

	c := engine.NewConnector(base, dialer, engine.Policy{Retries: -1}, engine.Handler{})
	c.Start()

	start := time.Now()
	err := c.Await(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "fatal errors are not retried")
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, errors.ErrInvalidTLS)
	assert.Equal(t, int32(1), dials.Load())

	// Await does not start another cycle once exhausted
	_ = c.Await(context.Background())
	assert.Equal(t, int32(1), dials.Load())
}

func TestConnectorAwaitHonoursContext(t *testing.T) {
	base := newBase(t, bus.TypeRequester, "?timeout=10s")
	network := enginetest.NewNetwork()
	c := engine.NewConnector(base, network, engine.Policy{Retries: -1, Delay: 10 * time.Millisecond}, engine.Handler{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Await(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, engine.StateConnecting, c.State())
}

func TestDispatcherPreservesOrderAndRecoversPanics(t *testing.T) {
	group := worker.NewGroup(2, 64)
	t.Cleanup(group.Release)
	base := newBase(t, bus.TypeResponder, "")

	var mu sync.Mutex
	var got []string
	d := engine.NewDispatcher(base, group, bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		if msg == "panic" {
			panic("listener bug")
		}
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}))

	client, server := enginetest.Pipe("a", "b")
	defer client.Close()
	peer := engine.NewConnPeer(base, server)

	panicked := make(chan bool, 1)
	require.NoError(t, d.Deliver(peer, "panic", func(p bool) { panicked <- p }))
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Deliver(peer, fmt.Sprint(i), nil))
	}
	assert.True(t, <-panicked)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	for i, msg := range got {
		assert.Equal(t, fmt.Sprint(i), msg)
	}
	mu.Unlock()

	assert.Equal(t, uint64(51), base.Stats().MessagesIn)
	assert.Error(t, base.LastError())
}

func TestConnPeerSend(t *testing.T) {
	base := newBase(t, bus.TypeResponder, "")
	client, server := enginetest.Pipe("client", "server")
	inbox := make(chan string, 1)
	client.Start(engine.Handler{OnMessage: func(m string) { inbox <- m }})

	peer := engine.NewConnPeer(base, server)
	assert.NotEmpty(t, peer.ID())
	assert.Equal(t, "client", peer.RemoteAddr())
	assert.Nil(t, peer.Security())

	require.NoError(t, peer.Send("hello"))
	assert.Equal(t, "hello", <-inbox)
	assert.Equal(t, uint64(1), base.Stats().MessagesOut)

	server.SendHook = func(string) error { return fmt.Errorf("broken pipe") }
	err := peer.Send("x")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	server.SendHook = nil

	peer.Invalidate()
	assert.False(t, peer.Valid())
	err = peer.Send("gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPeerClosed)
	assert.True(t, errors.IsInvalid(err))
}
