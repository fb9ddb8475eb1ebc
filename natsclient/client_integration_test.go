//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/metric"
)

func TestIntegration_TestClientReady(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	require.NotNil(t, tc.Client)
	assert.True(t, tc.Client.IsHealthy())
	assert.Equal(t, StateConnected, tc.Client.State())
	assert.Equal(t, tc.URL+"/svc.echo?queue=g", tc.BusURL("/svc.echo", "queue=g"))

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_PubSub(t *testing.T) {
	tc := NewTestClient(t)

	received := make(chan string, 10)
	_, err := tc.Client.Subscribe("events.>", "", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	require.NoError(t, err)
	require.NoError(t, tc.Client.Flush(context.Background()))

	for i := 0; i < 3; i++ {
		msg := nats.NewMsg(fmt.Sprintf("events.%d", i))
		msg.Data = []byte(fmt.Sprintf("event-%d", i))
		require.NoError(t, tc.Client.Publish(msg))
	}

	for i := 0; i < 3; i++ {
		select {
		case got := <-received:
			assert.Equal(t, fmt.Sprintf("event-%d", i), got)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not received", i)
		}
	}
}

func TestIntegration_RequestReply(t *testing.T) {
	tc := NewTestClient(t)

	_, err := tc.Client.Subscribe("svc.echo", "", func(msg *nats.Msg) {
		_ = msg.Respond(msg.Data)
	})
	require.NoError(t, err)
	require.NoError(t, tc.Client.Flush(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := nats.NewMsg("svc.echo")
			msg.Data = []byte(fmt.Sprintf("ping-%d", i))
			reply, err := tc.Client.Request(ctx, msg)
			if assert.NoError(t, err) {
				assert.Equal(t, msg.Data, reply.Data)
			}
		}(i)
	}
	wg.Wait()
}

func TestIntegration_QueueGroupDeliversOnce(t *testing.T) {
	tc := NewTestClient(t)

	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := tc.Client.Subscribe("work", "workers", func(*nats.Msg) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	require.NoError(t, tc.Client.Flush(context.Background()))

	for i := 0; i < 20; i++ {
		require.NoError(t, tc.Client.Publish(nats.NewMsg("work")))
	}
	require.NoError(t, tc.Client.Flush(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"]+counts["b"] == 20
	}, 5*time.Second, 10*time.Millisecond)
}

func TestIntegration_NoRespondersIsTimeout(t *testing.T) {
	tc := NewTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := tc.Client.Request(ctx, nats.NewMsg("nobody.home"))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.True(t, errors.IsTransient(err))
}

func TestIntegration_ConnectAfterServerStarts(t *testing.T) {
	tc := NewTestClient(t)

	metrics := metric.NewMetrics()
	client, err := NewClient(tc.URL, WithReconnectWait(50*time.Millisecond), WithMetrics(metrics))
	require.NoError(t, err)
	defer client.Close(context.Background())

	require.NoError(t, client.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForConnection(ctx))
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, 0, client.Reconnects())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NATSConnected))

	_, err = client.RTT()
	require.NoError(t, err)
	assert.Greater(t, testutil.ToFloat64(metrics.NATSRTT), -1.0)
}

func TestIntegration_DisconnectWhenServerStops(t *testing.T) {
	tc := NewTestClient(t)

	disconnected := make(chan error, 1)
	client, err := NewClient(tc.URL,
		WithReconnectWait(50*time.Millisecond),
		WithMaxReconnects(2),
		WithDisconnectCallback(func(err error) { disconnected <- err }),
	)
	require.NoError(t, err)
	defer client.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.WaitForConnection(ctx))

	require.NoError(t, tc.Stop(ctx))
	select {
	case <-disconnected:
	case <-ctx.Done():
		t.Fatal("no disconnect callback")
	}
	assert.False(t, client.IsHealthy())

	require.Eventually(t, func() bool { return client.State() == StateDisconnected },
		5*time.Second, 10*time.Millisecond, "library gives up after the reconnect budget")
	assert.True(t, client.GetConnection().IsClosed())
}
