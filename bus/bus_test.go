package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionType(t *testing.T) {
	tests := []struct {
		typ    SessionType
		name   string
		server bool
	}{
		{TypeRequester, "requester", false},
		{TypeResponder, "responder", true},
		{TypePublisher, "publisher", true},
		{TypeSubscriber, "subscriber", false},
		{SessionType(0), "unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.typ.String())
		assert.Equal(t, tt.server, tt.typ.IsServer(), tt.name)
	}
}

func TestMatchTopic(t *testing.T) {
	assert.True(t, MatchTopic("", ""))
	assert.True(t, MatchTopic("", "x"))
	assert.True(t, MatchTopic("x", "x"))
	assert.False(t, MatchTopic("x", ""))
	assert.False(t, MatchTopic("x", "y"))
	assert.False(t, MatchTopic("x", "X"), "matching is case sensitive")
	assert.False(t, MatchTopic("orders.*", "orders.created"), "no wildcard semantics")
}

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture()
	select {
	case <-f.Done():
		t.Fatal("new future should be pending")
	default:
	}

	assert.True(t, f.Resolve("pong"))
	assert.False(t, f.Resolve("late"))
	assert.False(t, f.Fail(errors.New("late")))

	reply, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	select {
	case <-f.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestFutureGetHonoursContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, f.Resolve("still pending"), "an ended context must not complete the future")
}

func TestFutureCancel(t *testing.T) {
	f := NewFuture()
	called := 0
	f.OnCancel(func() { called++ })

	f.Cancel()
	f.Cancel()

	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, called)

	resolved := NewFuture()
	resolved.OnCancel(func() { called++ })
	resolved.Resolve("x")
	resolved.Cancel()
	assert.Equal(t, 1, called, "cancel after completion is a no-op")
}

func TestFutureConcurrentCompletion(t *testing.T) {
	f := NewFuture()
	var wg sync.WaitGroup
	wins := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				wins <- f.Resolve("r")
			} else {
				wins <- f.Fail(errors.New("e"))
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestFailedFuture(t *testing.T) {
	boom := errors.New("boom")
	f := FailedFuture(boom)
	select {
	case <-f.Done():
	default:
		t.Fatal("failed future should be complete")
	}
	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSecurityFromState(t *testing.T) {
	assert.Nil(t, SecurityFromState(nil))
	assert.Nil(t, SecurityFromState(&tls.ConnectionState{}))

	sec := SecurityFromState(&tls.ConnectionState{
		HandshakeComplete: true,
		Version:           tls.VersionTLS13,
		CipherSuite:       tls.TLS_AES_128_GCM_SHA256,
	})
	require.NotNil(t, sec)
	assert.Equal(t, "TLS 1.3", sec.Protocol)
	assert.Equal(t, "TLS_AES_128_GCM_SHA256", sec.Cipher)
}

func TestMessageListenerFunc(t *testing.T) {
	var got string
	var l MessageListener = MessageListenerFunc(func(_ PeerContext, m string) { got = m })
	l.OnMessage(nil, "hello")
	assert.Equal(t, "hello", got)

	NopListener.OnMessage(nil, "ignored")
}
