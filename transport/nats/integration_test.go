//go:build integration

package nats_test

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
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/natsclient"
	tu "github.com/c360/jsonrpcbus/testutil"
	"github.com/c360/jsonrpcbus/transport/transporttest"
)

var subjects atomic.Int64

func subject(name string) string {
	return fmt.Sprintf("bus.%s.%d", name, subjects.Add(1))
}

func TestIntegration_Conformance(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	transporttest.StandardTransportTests(t, transporttest.Target{
		NewFactory: func(t *testing.T) bus.Factory { return newFactory(t) },
		URI: func(_ *testing.T, name, query string) string {
			if query == "" {
				return tc.BusURL(subject(name))
			}
			return tc.BusURL(subject(name), query)
		},
		PersistentPeers:   false,
		CountsSubscribers: false,
	})
}

func TestIntegration_ConcurrentRequests(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	f := newFactory(t)
	uri := tc.BusURL(subject("concurrent"))

	resp, err := f.Responder(uri, tu.NewEcho())
	require.NoError(t, err)
	defer resp.Close()
	req, err := f.Requester(uri, nil)
	require.NoError(t, err)
	defer req.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, req.AwaitConnection(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("req-%d", i)
			reply, err := req.SendRequest(ctx, msg)
			assert.NoError(t, err)
			assert.Equal(t, msg, reply)
		}(i)
	}
	wg.Wait()
}

func TestIntegration_QueueGroupAnswersOnce(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	f := newFactory(t)
	uri := tc.BusURL(subject("queue"), "queueGroup=workers")

	a, b := tu.NewEcho(), tu.NewEcho()
	for _, l := range []bus.MessageListener{a, b} {
		resp, err := f.Responder(uri, l)
		require.NoError(t, err)
		defer resp.Close()
	}
	req, err := f.Requester(uri, nil)
	require.NoError(t, err)
	defer req.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, req.AwaitConnection(ctx))

	const requests = 20
	for i := 0; i < requests; i++ {
		_, err := req.SendRequest(ctx, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, requests, a.Count()+b.Count())
}

func TestIntegration_NoResponderIsTimeout(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	f := newFactory(t)
	req, err := f.Requester(tc.BusURL(subject("nobody")), nil)
	require.NoError(t, err)
	defer req.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, req.AwaitConnection(ctx))
	assert.Nil(t, req.Security())

	start := time.Now()
	_, err = req.SendRequest(ctx, "anyone?")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestIntegration_TopicsWithSubjectCharacters(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	f := newFactory(t)
	uri := tc.BusURL(subject("topics"))

	pub, err := f.Publisher(uri)
	require.NoError(t, err)
	defer pub.Close()

	recs := map[string]*tu.Recorder{}
	for _, topic := range []string{"a.*", "a.b", ">"} {
		rec := tu.NewRecorder()
		sub, err := f.Subscriber(uri, topic, rec)
		require.NoError(t, err)
		defer sub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, sub.AwaitConnection(ctx))
		cancel()
		recs[topic] = rec
	}

	require.NoError(t, pub.Publish("one", "a.b"))
	require.NoError(t, pub.Publish("two", "a.*"))
	require.NoError(t, pub.Publish("three", ">"))

	assert.Equal(t, []string{"two"}, tu.WaitForMessageCount(t, recs["a.*"], 1, 5*time.Second))
	assert.Equal(t, []string{"one"}, tu.WaitForMessageCount(t, recs["a.b"], 1, 5*time.Second))
	assert.Equal(t, []string{"three"}, tu.WaitForMessageCount(t, recs[">"], 1, 5*time.Second))
}

func TestIntegration_ServerRestart(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	f := newFactory(t)
	uri := tc.BusURL(subject("restart"))

	resp, err := f.Responder(uri, tu.NewEcho())
	require.NoError(t, err)
	defer resp.Close()
	req, err := f.Requester(uri, nil)
	require.NoError(t, err)
	defer req.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, req.AwaitConnection(ctx))

	require.NoError(t, tc.Stop(ctx))
	require.Eventually(t, func() bool { return !req.IsReady() }, 5*time.Second, 20*time.Millisecond)

	_, err = req.SendRequest(ctx, "while down")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestIntegration_DisconnectAllLeavesSubscribers(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	f := newFactory(t)
	uri := tc.BusURL(subject("disconnect"))

	pub, err := f.Publisher(uri)
	require.NoError(t, err)
	defer pub.Close()

	rec := tu.NewRecorder()
	sub, err := f.Subscriber(uri, "", rec)
	require.NoError(t, err)
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sub.AwaitConnection(ctx))

	pub.DisconnectAll()
	assert.Zero(t, pub.Peers(), "the server does not report subscribers")
	assert.True(t, sub.IsReady(), "the subscriber keeps its own server connection")

	require.NoError(t, pub.Publish("after", ""))
	assert.Equal(t, []string{"after"}, tu.WaitForMessageCount(t, rec, 1, 5*time.Second))
}
