// Package transporttest holds the behavior every bus transport must share,
// run by each transport's tests against real sockets or servers.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/testutil"
)

// Target describes the transport under test
type Target struct {
	// NewFactory creates a fresh factory; the suite closes it
	NewFactory func(t *testing.T) bus.Factory
	// URI returns an endpoint URI unique to name, with query appended when not empty.
	// Server and client sessions of one test use the same URI.
	URI func(t *testing.T, name, query string) string
	// PersistentPeers is true when one client keeps one peer across requests
	PersistentPeers bool
	// CountsSubscribers is true when a publisher's Peers reports its subscribers
	CountsSubscribers bool
}

const waitFor = 5 * time.Second

// StandardTransportTests runs the conformance tests against target
func StandardTransportTests(t *testing.T, target Target) {
	tests := []struct {
		name string
		test func(t *testing.T, target Target, f bus.Factory)
	}{
		{"EchoRoundTrip", testEchoRoundTrip},
		{"LargePayloads", testLargePayloads},
		{"NoListenerTimesOut", testNoListenerTimesOut},
		{"FanOutInOrder", testFanOutInOrder},
		{"TopicMatching", testTopicMatching},
		{"DoubleClose", testDoubleClose},
		{"ClosedSessionsReject", testClosedSessionsReject},
		{"FactoryCloseClosesSessions", testFactoryCloseClosesSessions},
		{"UnknownScheme", testUnknownScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := target.NewFactory(t)
			require.NotNil(t, f, "factory constructor returned nil")
			t.Cleanup(func() { _ = f.Close() })
			tt.test(t, target, f)
		})
	}
}

func connect(t *testing.T, s bus.ClientSession) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.AwaitConnection(ctx))
	require.True(t, s.IsReady())
}

func echoPair(t *testing.T, target Target, f bus.Factory, name string, listener bus.MessageListener) (bus.Responder, bus.Requester) {
	t.Helper()
	uri := target.URI(t, name, "")
	resp, err := f.Responder(uri, listener)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Close() })

	req, err := f.Requester(uri, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = req.Close() })
	connect(t, req)
	return resp, req
}

func testEchoRoundTrip(t *testing.T, target Target, f bus.Factory) {
	echo := testutil.NewEcho()
	resp, req := echoPair(t, target, f, "echo", echo)
	assert.Equal(t, bus.TypeResponder, resp.SessionType())
	assert.Equal(t, bus.TypeRequester, req.SessionType())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf("hello-%d", i)
		reply, err := req.SendRequest(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, msg, reply)
	}

	received := echo.Received()
	require.Len(t, received, 3)
	for _, r := range received {
		assert.NotEmpty(t, r.Peer.ID())
		assert.NotEmpty(t, r.Peer.RemoteAddr())
	}
	if target.PersistentPeers {
		assert.Equal(t, received[0].Peer.ID(), received[2].Peer.ID(), "one connection serves every request")
	}
}

func testLargePayloads(t *testing.T, target Target, f bus.Factory) {
	request := testutil.Payload("request", 3000)
	response := testutil.Payload("response", 2000)

	rec := testutil.NewRecorder()
	rec.Reply = func(string) string { return response }
	_, req := echoPair(t, target, f, "large", rec)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	reply, err := req.SendRequest(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, response, reply)
	assert.Equal(t, []string{request}, rec.Messages())
}

func testNoListenerTimesOut(t *testing.T, target Target, f bus.Factory) {
	uri := target.URI(t, "silent", "timeout=1s")
	resp, err := f.Responder(uri, nil)
	require.NoError(t, err)
	defer resp.Close()

	req, err := f.Requester(uri, nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	start := time.Now()
	_, err = req.SendRequest(context.Background(), "anyone?")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "got %v", err)
	assert.True(t, errors.IsTransient(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func subscribe(t *testing.T, f bus.Factory, uri, topic string) *testutil.Recorder {
	t.Helper()
	rec := testutil.NewRecorder()
	sub, err := f.Subscriber(uri, topic, rec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	assert.Equal(t, topic, sub.Topic())
	connect(t, sub)
	return rec
}

func awaitSubscribers(t *testing.T, target Target, pub bus.Publisher, n int) {
	t.Helper()
	if !target.CountsSubscribers {
		return
	}
	require.Eventually(t, func() bool { return pub.Peers() == n }, waitFor, 10*time.Millisecond)
}

func testFanOutInOrder(t *testing.T, target Target, f bus.Factory) {
	const subscribers, messages = 10, 20
	uri := target.URI(t, "fanout", "")

	pub, err := f.Publisher(uri)
	require.NoError(t, err)
	defer pub.Close()

	recs := make([]*testutil.Recorder, subscribers)
	for i := range recs {
		recs[i] = subscribe(t, f, uri, "")
	}
	awaitSubscribers(t, target, pub, subscribers)

	want := testutil.Sequence("msg", messages)
	for _, msg := range want {
		require.NoError(t, pub.Publish(msg, "news"))
	}

	var wg sync.WaitGroup
	for i, rec := range recs {
		wg.Add(1)
		go func(i int, rec *testutil.Recorder) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			rec.Wait(ctx, messages)
			assert.Equal(t, want, rec.Messages(), "subscriber %d", i)
		}(i, rec)
	}
	wg.Wait()
}

func testTopicMatching(t *testing.T, target Target, f bus.Factory) {
	uri := target.URI(t, "topics", "")
	pub, err := f.Publisher(uri)
	require.NoError(t, err)
	defer pub.Close()

	all := subscribe(t, f, uri, "")
	x := subscribe(t, f, uri, "x")
	y := subscribe(t, f, uri, "y")
	awaitSubscribers(t, target, pub, 3)

	require.NoError(t, pub.Publish("to-x", "x"))
	require.NoError(t, pub.Publish("to-y", "y"))
	require.NoError(t, pub.Publish("to-none", ""))
	require.NoError(t, pub.Publish("to-X", "X"))
	require.NoError(t, pub.Publish("last-x", "x"))

	assert.Equal(t, []string{"to-x", "to-y", "to-none", "to-X", "last-x"}, testutil.WaitForMessageCount(t, all, 5, waitFor))
	assert.Equal(t, []string{"to-x", "last-x"}, testutil.WaitForMessageCount(t, x, 2, waitFor))
	assert.Equal(t, []string{"to-y"}, testutil.WaitForMessageCount(t, y, 1, waitFor))
}

func testDoubleClose(t *testing.T, target Target, f bus.Factory) {
	uri := target.URI(t, "close", "")
	resp, err := f.Responder(uri, nil)
	require.NoError(t, err)
	req, err := f.Requester(uri, nil)
	require.NoError(t, err)
	pub, err := f.Publisher(target.URI(t, "close-pub", ""))
	require.NoError(t, err)

	for _, s := range []bus.Session{req, resp, pub} {
		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
	}
	assert.NoError(t, f.Close())
	assert.NoError(t, f.Close())
}

func testClosedSessionsReject(t *testing.T, target Target, f bus.Factory) {
	_, req := echoPair(t, target, f, "closed", testutil.NewEcho())
	require.NoError(t, req.Close())
	assert.False(t, req.IsReady())

	_, err := req.SendRequest(context.Background(), "late")
	assert.ErrorIs(t, err, errors.ErrSessionClosed)
	assert.ErrorIs(t, req.AwaitConnection(context.Background()), errors.ErrSessionClosed)

	pub, err := f.Publisher(target.URI(t, "closed-pub", ""))
	require.NoError(t, err)
	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("late", ""), errors.ErrSessionClosed)
}

func testFactoryCloseClosesSessions(t *testing.T, target Target, f bus.Factory) {
	_, req := echoPair(t, target, f, "shutdown", testutil.NewEcho())
	require.NoError(t, f.Close())

	_, err := req.SendRequest(context.Background(), "after shutdown")
	assert.ErrorIs(t, err, errors.ErrSessionClosed)

	_, err = f.Requester(target.URI(t, "shutdown-again", ""), nil)
	assert.Error(t, err)
}

func testUnknownScheme(t *testing.T, _ Target, f bus.Factory) {
	_, err := f.Requester("gopher://localhost:70/x", nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrUnknownScheme)
}
