package nats

import (
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/testutil"
	"github.com/c360/jsonrpcbus/transport"
)

func offlineFactory(t *testing.T) *Factory {
	t.Helper()
	group := worker.NewGroup(1, 64)
	t.Cleanup(group.Release)
	f, err := NewFactory(transport.Options{Group: group, DefaultTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestSubjectOf(t *testing.T) {
	tests := []struct {
		path    string
		subject string
	}{
		{"/rpc", "rpc"},
		{"/rpc/echo", "rpc.echo"},
		{"/svc.echo", "svc.echo"},
		{"/events/>", "events.>"},
		{"/trailing/", "trailing"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := subjectOf(&endpoint.Endpoint{Scheme: "nats", Path: tt.path})
			require.NoError(t, err)
			assert.Equal(t, tt.subject, got)
		})
	}

	for _, bad := range []string{"", "/", "/a b", "/a//b"} {
		_, err := subjectOf(&endpoint.Endpoint{Scheme: "nats", Path: bad})
		assert.ErrorIs(t, err, errors.ErrInvalidConfig, "path %q", bad)
	}
}

func TestResponderPeersAnswerOnce(t *testing.T) {
	f := offlineFactory(t)
	rec := testutil.NewRecorder()
	s, err := f.Responder("nats://127.0.0.1:1/svc/echo", rec)
	require.NoError(t, err)
	r := s.(*Responder)

	r.onRequest(&gonats.Msg{Subject: "svc.echo", Reply: "_INBOX.one", Data: []byte("first")})
	r.onRequest(&gonats.Msg{Subject: "svc.echo", Reply: "_INBOX.two", Data: []byte("second")})
	got := testutil.WaitForMessageCount(t, rec, 2, time.Second)
	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, 2, r.Peers())

	received := rec.Received()
	first, second := received[0].Peer, received[1].Peer
	assert.Equal(t, "_INBOX.one", first.RemoteAddr())
	assert.NotEqual(t, first.ID(), second.ID())

	require.NoError(t, first.Send("reply"))
	assert.ErrorIs(t, first.Send("again"), errors.ErrPeerClosed)
	assert.Equal(t, 1, r.Peers())

	r.DisconnectAll()
	assert.Zero(t, r.Peers())
	assert.ErrorIs(t, second.Send("too late"), errors.ErrPeerClosed)
}

func TestPeerWithoutInboxCannotReply(t *testing.T) {
	f := offlineFactory(t)
	rec := testutil.NewRecorder()
	s, err := f.Responder("nats://127.0.0.1:1/svc/notify", rec)
	require.NoError(t, err)
	r := s.(*Responder)

	r.onRequest(&gonats.Msg{Subject: "svc.notify", Data: []byte("fire and forget")})
	testutil.WaitForMessageCount(t, rec, 1, time.Second)
	assert.Zero(t, r.Peers())

	peer := rec.Received()[0].Peer
	assert.Equal(t, "svc.notify", peer.RemoteAddr())
	assert.ErrorIs(t, peer.Send("reply"), errors.ErrPeerClosed)
}

func TestSubscriberFiltersOnTopicHeader(t *testing.T) {
	msg := func(data, topic string) *gonats.Msg {
		m := gonats.NewMsg("news")
		m.Data = []byte(data)
		if topic != "" {
			m.Header.Set(TopicHeader, topic)
		}
		return m
	}
	inbound := []*gonats.Msg{
		msg("to-x", "x"),
		msg("to-y", "y"),
		msg("to-none", ""),
		msg("to-X", "X"),
		msg("to-wildcard", "*"),
		msg("last-x", "x"),
	}

	f := offlineFactory(t)
	all := testutil.NewRecorder()
	x := testutil.NewRecorder()
	wildcard := testutil.NewRecorder()
	subs := map[string]*testutil.Recorder{"": all, "x": x, "*": wildcard}
	for topic, rec := range subs {
		s, err := f.Subscriber("nats://127.0.0.1:1/news", topic, rec)
		require.NoError(t, err)
		for _, m := range inbound {
			s.(*Subscriber).onMessage(m)
		}
	}

	assert.Equal(t, []string{"to-x", "to-y", "to-none", "to-X", "to-wildcard", "last-x"},
		testutil.WaitForMessageCount(t, all, 6, time.Second))
	assert.Equal(t, []string{"to-x", "last-x"}, testutil.WaitForMessageCount(t, x, 2, time.Second))
	assert.Equal(t, []string{"to-wildcard"}, testutil.WaitForMessageCount(t, wildcard, 1, time.Second))
}

func TestClientBudget(t *testing.T) {
	f := offlineFactory(t)

	s, err := f.Requester("nats://127.0.0.1:1/svc?timeout=1s&retryDelay=100ms", nil)
	require.NoError(t, err)
	assert.Equal(t, 11, s.(*Requester).link.client.MaxReconnects())
	assert.Equal(t, 100*time.Millisecond, s.(*Requester).link.client.ReconnectWait())

	s, err = f.Requester("nats://127.0.0.1:1/svc?retries=3", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, s.(*Requester).link.client.MaxReconnects())
	assert.Equal(t, DefaultReconnectWait, s.(*Requester).link.client.ReconnectWait())

	p, err := f.Publisher("nats://127.0.0.1:1/svc?retries=3")
	require.NoError(t, err)
	assert.Equal(t, -1, p.(*Publisher).link.client.MaxReconnects())
}
