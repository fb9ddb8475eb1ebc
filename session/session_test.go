package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/metric"
)

func newBase(t *testing.T, uri string, opts ...Option) *Base {
	t.Helper()
	b, err := New(bus.TypeRequester, "test", endpoint.MustParse(uri), 0, opts...)
	require.NoError(t, err)
	return b
}

func TestNew_Timeout(t *testing.T) {
	assert.Equal(t, bus.DefaultTimeout, newBase(t, "ws://localhost:9000/rpc").Timeout())
	assert.Equal(t, 250*time.Millisecond, newBase(t, "ws://localhost:9000/rpc?timeout=250").Timeout())
	assert.Equal(t, 2*time.Second, newBase(t, "ws://localhost:9000/rpc?timeout=2s").Timeout())

	_, err := New(bus.TypeRequester, "test", endpoint.MustParse("ws://localhost:9000/rpc?timeout=soon"), 0)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestBase_SetTimeout(t *testing.T) {
	b := newBase(t, "ws://localhost:9000/rpc?timeout=300ms")

	b.SetTimeout(time.Minute)
	assert.Equal(t, time.Minute, b.Timeout())

	b.SetTimeoutToDefault()
	assert.Equal(t, 300*time.Millisecond, b.Timeout())

	b.SetTimeout(-1)
	assert.Equal(t, 300*time.Millisecond, b.Timeout())
}

func TestBase_WaitContextSnapshotsTimeout(t *testing.T) {
	b := newBase(t, "ws://localhost:9000/rpc?timeout=50ms")

	ctx, cancel, timeout := b.WaitContext(context.Background())
	defer cancel()
	b.SetTimeout(time.Hour)

	assert.Equal(t, 50*time.Millisecond, timeout)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("wait was extended by a later SetTimeout")
	}

	err := b.WaitError(context.Background(), "Await", timeout)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, uint64(1), b.Stats().Timeouts)
}

func TestBase_WaitContextEndsOnClose(t *testing.T) {
	b := newBase(t, "ws://localhost:9000/rpc?timeout=1h")

	ctx, cancel, timeout := b.WaitContext(context.Background())
	defer cancel()
	require.NoError(t, b.Close())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("wait survived Close")
	}
	assert.ErrorIs(t, b.WaitError(context.Background(), "Await", timeout), errors.ErrSessionClosed)
}

func TestBase_CloseIdempotent(t *testing.T) {
	b := newBase(t, "ws://localhost:9000/rpc")

	var order []int
	b.OnClose(func() { order = append(order, 1) })
	b.OnClose(func() { panic("hook bug") })
	b.OnClose(func() { order = append(order, 3) })

	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
	assert.True(t, b.Closed())
	assert.Equal(t, []int{3, 1}, order)

	ran := false
	b.OnClose(func() { ran = true })
	assert.True(t, ran, "hook registered after close runs immediately")

	assert.ErrorIs(t, b.CheckOpen("Send"), errors.ErrSessionClosed)
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestBase_StatsAndState(t *testing.T) {
	registry := metric.NewMetricsRegistry(metric.WithoutRuntimeCollectors())
	b := newBase(t, "wss://localhost:9443/rpc?keyPassword=secret", WithMetrics(registry.CoreMetrics()))

	b.RecordIn()
	b.RecordOut()
	b.RecordOut()
	b.RecordError(errors.WrapTransient(fmt.Errorf("dial tcp 10.0.0.1:9443: refused"), "ws", "Dial", "connect"))

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.MessagesIn)
	assert.Equal(t, uint64(2), stats.MessagesOut)
	assert.Equal(t, uint64(1), stats.Errors)
	assert.False(t, stats.LastActivity.IsZero())

	assert.NotContains(t, b.URI(), "secret")

	st := health.FromSession(b.State(false, 0))
	assert.True(t, st.IsDegraded())
	assert.NotContains(t, st.Message, "10.0.0.1")

	b.ClearError()
	assert.NoError(t, b.LastError())

	core := registry.CoreMetrics()
	assert.Equal(t, float64(2), testutil.ToFloat64(core.MessagesSent.WithLabelValues("test", "requester")))
	assert.Equal(t, float64(1), testutil.ToFloat64(core.SessionsOpen.WithLabelValues("test", "requester")))
	require.NoError(t, b.Close())
	assert.Equal(t, float64(0), testutil.ToFloat64(core.SessionsOpen.WithLabelValues("test", "requester")))
}

type fakeTracked struct {
	id     string
	closed atomic.Int32
	status health.Status
}

func (f *fakeTracked) ID() string            { return f.id }
func (f *fakeTracked) Health() health.Status { return f.status }
func (f *fakeTracked) Close() error {
	f.closed.Add(1)
	return nil
}

func TestSet(t *testing.T) {
	s := NewSet()
	a := &fakeTracked{id: "a", status: health.NewHealthy("a", "listening")}
	b := &fakeTracked{id: "b", status: health.NewDegraded("b", "connecting")}

	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))
	assert.Equal(t, 2, s.Len())

	st := s.Health("websocket")
	assert.True(t, st.IsDegraded())
	assert.Len(t, st.SubStatuses, 2)

	s.Remove("b")
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.CloseAll())
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(0), b.closed.Load())
	assert.Equal(t, 0, s.Len())

	err := s.Add(&fakeTracked{id: "c"})
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}
