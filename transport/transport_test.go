package transport_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/metric"
	"github.com/c360/jsonrpcbus/pkg/worker"
	tu "github.com/c360/jsonrpcbus/testutil"
	"github.com/c360/jsonrpcbus/transport"
	"github.com/c360/jsonrpcbus/transport/http"
	"github.com/c360/jsonrpcbus/transport/websocket"
)

type stubProvider struct {
	name    string
	schemes []string
}

func (p stubProvider) Name() string      { return p.name }
func (p stubProvider) Schemes() []string { return p.schemes }
func (p stubProvider) NewFactory(transport.Options) (bus.Factory, error) {
	return nil, fmt.Errorf("stub %s creates no factories", p.name)
}

func TestRegistry_Register(t *testing.T) {
	r := transport.NewRegistry()
	require.NoError(t, r.Register(stubProvider{"alpha", []string{"a", "A2"}}))
	require.NoError(t, r.Register(stubProvider{"beta", []string{"b"}}))

	tests := []struct {
		name     string
		provider transport.Provider
		sentinel error
	}{
		{"duplicate name", stubProvider{"alpha", []string{"z"}}, errors.ErrDuplicateEntry},
		{"scheme taken", stubProvider{"gamma", []string{"a2"}}, errors.ErrDuplicateEntry},
		{"no name", stubProvider{"", []string{"x"}}, errors.ErrInvalidConfig},
		{"no schemes", stubProvider{"delta", nil}, errors.ErrInvalidConfig},
		{"nil", nil, errors.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.provider)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}

	assert.Equal(t, []string{"alpha", "beta"}, r.Names())
	assert.Equal(t, []string{"a", "a2", "b"}, r.Schemes())
}

func TestRegistry_Lookup(t *testing.T) {
	r := transport.NewRegistry().MustRegister(stubProvider{"alpha", []string{"a"}})

	p, ok := r.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", p.Name())
	_, ok = r.Lookup("beta")
	assert.False(t, ok)

	p, err := r.ForScheme("A")
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name())

	_, err = r.ForScheme("gopher")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrUnknownScheme)
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	r := transport.NewRegistry()
	assert.Panics(t, func() {
		r.MustRegister(stubProvider{"alpha", []string{"a"}}, stubProvider{"alpha", []string{"b"}})
	})
}

func TestNewOptions(t *testing.T) {
	o := transport.NewOptions(transport.WithLoops(3), transport.WithDefaultTimeout(time.Second))
	assert.Equal(t, 3, o.Loops)
	assert.Equal(t, time.Second, o.DefaultTimeout)
	assert.Equal(t, transport.DefaultQueueSize, o.QueueSize)
	assert.NotNil(t, o.Logger)
	assert.Nil(t, o.CoreMetrics())

	reg := metric.NewMetricsRegistry(metric.WithoutRuntimeCollectors())
	o = transport.NewOptions(transport.WithMetrics(reg))
	assert.Same(t, reg.CoreMetrics(), o.CoreMetrics())

	assert.Equal(t, bus.DefaultTimeout, transport.NewOptions().DefaultTimeout)
}

func newComposite(t *testing.T) *transport.Composite {
	t.Helper()
	group := worker.NewGroup(2, 64)
	t.Cleanup(group.Release)
	r := transport.NewRegistry().MustRegister(websocket.Provider{}, http.Provider{})
	c, err := transport.NewComposite(r, transport.Options{Group: group, DefaultTimeout: 3 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestComposite_RoutesByScheme(t *testing.T) {
	c := newComposite(t)
	assert.Equal(t, "composite", c.Name())
	assert.Equal(t, []string{"http", "https", "ws", "wss"}, c.Schemes())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, scheme := range []string{"ws", "http"} {
		t.Run(scheme, func(t *testing.T) {
			uri := fmt.Sprintf("%s://127.0.0.1:%d/rpc", scheme, tu.FreePort(t))
			resp, err := c.Responder(uri, tu.NewEcho())
			require.NoError(t, err)
			defer resp.Close()
			req, err := c.Requester(uri, nil)
			require.NoError(t, err)
			require.NoError(t, req.AwaitConnection(ctx))

			reply, err := req.SendRequest(ctx, "via "+scheme)
			require.NoError(t, err)
			assert.Equal(t, "via "+scheme, reply)

			f, err := c.Factory(uri)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"ws": "websocket", "http": "http"}[scheme], f.Name())
		})
	}

	wsFactory, err := c.Factory("wss://example.com/x")
	require.NoError(t, err)
	again, err := c.Factory("ws://example.com/y")
	require.NoError(t, err)
	assert.Same(t, wsFactory, again, "one factory per transport")

	h := c.Health()
	assert.Equal(t, "composite", h.Component)
	assert.Len(t, h.SubStatuses, 2)
}

func TestComposite_Errors(t *testing.T) {
	c := newComposite(t)

	_, err := c.Requester("nats://127.0.0.1:4222/svc", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownScheme)

	_, err = c.Publisher("not a uri")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = transport.NewComposite(nil, transport.Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestComposite_CloseClosesSessions(t *testing.T) {
	c := newComposite(t)
	uri := fmt.Sprintf("ws://127.0.0.1:%d/rpc", tu.FreePort(t))
	_, err := c.Responder(uri, tu.NewEcho())
	require.NoError(t, err)
	req, err := c.Requester(uri, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = req.SendRequest(context.Background(), "after close")
	assert.ErrorIs(t, err, errors.ErrSessionClosed)

	_, err = c.Requester(uri, nil)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
	assert.False(t, c.Health().IsHealthy())
}

func TestBase_Endpoint(t *testing.T) {
	group := worker.NewGroup(1, 8)
	t.Cleanup(group.Release)
	b, err := transport.NewBase("demo", []string{"demo"}, transport.Options{Group: group})
	require.NoError(t, err)

	ep, err := b.Endpoint("demo://host:9/path?timeout=1s", "Requester")
	require.NoError(t, err)
	assert.Equal(t, "host:9", ep.Address())

	_, err = b.Endpoint("ws://host/path", "Requester")
	assert.ErrorIs(t, err, errors.ErrUnknownScheme)

	s, err := b.NewSession(bus.TypeRequester, ep)
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.Timeout())
	assert.Equal(t, "demo", s.Transport())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	_, err = b.Endpoint("demo://host:9/path", "Requester")
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}
