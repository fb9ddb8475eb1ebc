package http_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/metric"
	"github.com/c360/jsonrpcbus/pkg/worker"
	tu "github.com/c360/jsonrpcbus/testutil"
	"github.com/c360/jsonrpcbus/transport"
	bushttp "github.com/c360/jsonrpcbus/transport/http"
	"github.com/c360/jsonrpcbus/transport/transporttest"
)

func newFactory(t *testing.T) *bushttp.Factory {
	t.Helper()
	group := worker.NewGroup(2, 64)
	t.Cleanup(group.Release)
	f, err := bushttp.NewFactory(transport.Options{Group: group, DefaultTimeout: 3 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func uri(t *testing.T, scheme, name, query string) string {
	u := fmt.Sprintf("%s://127.0.0.1:%d/%s", scheme, tu.FreePort(t), name)
	if query != "" {
		u += "?" + query
	}
	return u
}

func connect(t *testing.T, s bus.ClientSession) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.AwaitConnection(ctx))
}

func TestConformance(t *testing.T) {
	transporttest.StandardTransportTests(t, transporttest.Target{
		NewFactory: func(t *testing.T) bus.Factory { return newFactory(t) },
		URI: func(t *testing.T, name, query string) string {
			return uri(t, "http", name, query)
		},
		PersistentPeers:   false,
		CountsSubscribers: true,
	})
}

func TestProvider(t *testing.T) {
	p := bushttp.Provider{}
	assert.Equal(t, "http", p.Name())
	assert.Equal(t, []string{"http", "https"}, p.Schemes())

	f, err := p.NewFactory(transport.Options{})
	require.NoError(t, err)
	assert.Equal(t, "http", f.Name())
	require.NoError(t, f.Close())
}

func TestResponderBindFailureIsFatal(t *testing.T) {
	f := newFactory(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, err = f.Responder(fmt.Sprintf("http://%s/taken", ln.Addr()), nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrBindFailed)
}

func TestRequesterStartsBeforeServer(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "late", "retryDelay=20ms")

	req, err := f.Requester(u, nil)
	require.NoError(t, err)
	defer req.Close()
	assert.False(t, req.IsReady())

	resp, err := f.Responder(u, tu.NewEcho())
	require.NoError(t, err)
	defer resp.Close()

	connect(t, req)
	reply, err := req.SendRequest(context.Background(), "ping")
	require.NoError(t, err)
	assert.Equal(t, "ping", reply)
	assert.Nil(t, req.Security())
}

func TestConcurrentRequests(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "parallel", "")

	resp, err := f.Responder(u, tu.NewEcho())
	require.NoError(t, err)
	defer resp.Close()
	req, err := f.Requester(u, nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := fmt.Sprintf("req-%d", i)
			reply, err := req.SendRequest(context.Background(), msg)
			assert.NoError(t, err)
			assert.Equal(t, msg, reply)
		}(i)
	}
	wg.Wait()
}

func TestListenerPanicAnswers500(t *testing.T) {
	registry := metric.NewMetricsRegistry(metric.WithoutRuntimeCollectors())
	group := worker.NewGroup(2, 64)
	defer group.Release()
	f, err := bushttp.NewFactory(transport.Options{Group: group, Metrics: registry})
	require.NoError(t, err)
	defer f.Close()

	u := uri(t, "http", "panic", "timeout=2s")
	resp, err := f.Responder(u, bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		if msg == "boom" {
			panic("listener failure")
		}
		_ = peer.Send(msg)
	}))
	require.NoError(t, err)
	defer resp.Close()

	raw, err := http.Post(u, "text/plain", strings.NewReader("boom"))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, raw.StatusCode)

	req, err := f.Requester(u, nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	start := time.Now()
	_, err = req.SendRequest(context.Background(), "boom")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, errors.IsTimeout(err), "a failed listener is reported, not waited out")
	assert.Less(t, time.Since(start), time.Second)

	reply, err := req.SendRequest(context.Background(), "still there")
	require.NoError(t, err)
	assert.Equal(t, "still there", reply)

	panics := registry.CoreMetrics().ListenerPanics.WithLabelValues("http", "responder")
	assert.Equal(t, float64(2), testutil.ToFloat64(panics))
}

func TestUnansweredRequestAnswers504(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "silent", "timeout=200ms")
	resp, err := f.Responder(u, nil)
	require.NoError(t, err)
	defer resp.Close()

	raw, err := http.Post(u, "text/plain", strings.NewReader("anyone?"))
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, raw.StatusCode)
}

func TestResponderRejectsOtherMethods(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "get", "")
	resp, err := f.Responder(u, tu.NewEcho())
	require.NoError(t, err)
	defer resp.Close()

	raw, err := http.Get(u)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, raw.StatusCode)
	assert.Equal(t, http.MethodPost, raw.Header.Get("Allow"))
}

func TestReadLimitRejectsLargeRequest(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "limit", "readLimit=64")

	echo := tu.NewEcho()
	resp, err := f.Responder(u, echo)
	require.NoError(t, err)
	defer resp.Close()

	req, err := f.Requester(u, nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	_, err = req.SendRequest(context.Background(), tu.Payload("big", 1024))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err), "oversized requests cannot succeed on retry: %v", err)
	tu.AssertNoMessages(t, echo)
}

func TestPeerAnswersOnce(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "once", "")

	second := make(chan error, 1)
	resp, err := f.Responder(u, bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		_ = peer.Send("first")
		second <- peer.Send("second")
	}))
	require.NoError(t, err)
	defer resp.Close()

	req, err := f.Requester(u, nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	reply, err := req.SendRequest(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "first", reply)
	assert.ErrorIs(t, <-second, errors.ErrPeerClosed)
}

func TestDisconnectAllAbortsWaitingRequests(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "abort", "")

	release := make(chan struct{})
	resp, err := f.Responder(u, bus.MessageListenerFunc(func(bus.PeerContext, string) {
		<-release
	}))
	require.NoError(t, err)
	defer resp.Close()
	defer close(release)

	req, err := f.Requester(u, nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	future := req.Send("wait")
	require.Eventually(t, func() bool { return resp.Peers() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp.DisconnectAll()
	_, err = future.Get(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, errors.IsTimeout(err))
	require.Eventually(t, func() bool { return resp.Peers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerGoneIsConnectionLost(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "gone", "timeout=1s&retryDelay=20ms")

	resp, err := f.Responder(u, tu.NewEcho())
	require.NoError(t, err)
	req, err := f.Requester(u, nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	_, err = req.SendRequest(context.Background(), "hello")
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	_, err = req.SendRequest(context.Background(), "anyone?")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.False(t, req.IsReady())
}

func TestEventStreamWireFormat(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "events", "")

	pub, err := f.Publisher(u)
	require.NoError(t, err)
	defer pub.Close()

	raw, err := http.Get(u + "?topic=" + url.QueryEscape("a b"))
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Equal(t, "text/event-stream", raw.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return pub.Peers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, pub.Publish("skip", "a"))
	require.NoError(t, pub.Publish("line one\nline two", "a b"))

	r := bufio.NewReader(raw.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"data: line one\n", "data: line two\n", "\n"}, lines)

	pub.DisconnectAll()
	_, err = io.ReadAll(r)
	assert.NoError(t, err, "stream ends cleanly")
}

func TestSubscriberReceivesExactBytes(t *testing.T) {
	f := newFactory(t)
	u := uri(t, "http", "exact", "")

	pub, err := f.Publisher(u)
	require.NoError(t, err)
	defer pub.Close()

	rec := tu.NewRecorder()
	sub, err := bus.SubscribeAll(f, u, rec)
	require.NoError(t, err)
	defer sub.Close()
	connect(t, sub)
	require.Eventually(t, func() bool { return pub.Peers() == 1 }, time.Second, 10*time.Millisecond)

	want := []string{"", "multi\nline", "crlf\r\nkept", "data: nested", "\n\n", `{"jsonrpc":"2.0"}`}
	for _, msg := range want {
		require.NoError(t, pub.Publish(msg, "t"))
	}
	assert.Equal(t, want, tu.WaitForMessageCount(t, rec, len(want), 3*time.Second))
}

func tlsQuery(values map[string]string) string {
	q := url.Values{}
	for k, v := range values {
		q.Set(k, v)
	}
	return q.Encode()
}

func TestSecureRoundTrip(t *testing.T) {
	certs := tu.NewCerts(t)
	f := newFactory(t)
	port := tu.FreePort(t)

	resp, err := f.Responder(fmt.Sprintf("https://127.0.0.1:%d/secure?%s", port, tlsQuery(map[string]string{
		"certFile": certs.CertFile,
		"keyFile":  certs.KeyFile,
	})), tu.NewEcho())
	require.NoError(t, err)
	defer resp.Close()

	req, err := f.Requester(fmt.Sprintf("https://127.0.0.1:%d/secure?%s", port, tlsQuery(map[string]string{
		"caFile": certs.CAFile,
	})), nil)
	require.NoError(t, err)
	defer req.Close()
	connect(t, req)

	sec := req.Security()
	require.NotNil(t, sec)
	assert.Equal(t, "TLS 1.3", sec.Protocol)
	assert.NotEmpty(t, sec.Cipher)

	reply, err := req.SendRequest(context.Background(), tu.Payload("secure", 3000))
	require.NoError(t, err)
	assert.Len(t, reply, 3000)
}

func TestSecureEventStream(t *testing.T) {
	certs := tu.NewCerts(t)
	f := newFactory(t)
	port := tu.FreePort(t)

	pub, err := f.Publisher(fmt.Sprintf("https://127.0.0.1:%d/feed?%s", port, tlsQuery(map[string]string{
		"certFile": certs.CertFile,
		"keyFile":  certs.KeyFile,
	})))
	require.NoError(t, err)
	defer pub.Close()

	rec := tu.NewRecorder()
	sub, err := f.Subscriber(fmt.Sprintf("https://127.0.0.1:%d/feed?%s", port, tlsQuery(map[string]string{
		"caFile": certs.CAFile,
	})), "secure", rec)
	require.NoError(t, err)
	defer sub.Close()
	connect(t, sub)
	require.NotNil(t, sub.Security())
	require.Eventually(t, func() bool { return pub.Peers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, pub.Publish("sealed", "secure"))
	assert.Equal(t, []string{"sealed"}, tu.WaitForMessageCount(t, rec, 1, 3*time.Second))
}

func TestSecureServerWithoutMaterialFails(t *testing.T) {
	f := newFactory(t)
	_, err := f.Publisher(uri(t, "https", "bare", ""))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestInvalidCertificateFailsConstruction(t *testing.T) {
	certs := tu.NewCerts(t)
	garbage := certs.WriteFile(t, "garbage.pem", []byte("not a certificate"))
	f := newFactory(t)

	badServer := tlsQuery(map[string]string{
		"certFile": garbage,
		"keyFile":  certs.KeyFile,
	})
	_, err := f.Responder(uri(t, "https", "bad", badServer), nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidTLS)

	_, err = f.Publisher(uri(t, "https", "bad", badServer))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidTLS)

	badClient := tlsQuery(map[string]string{"caFile": garbage})
	_, err = f.Requester(uri(t, "https", "bad", badClient), nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = f.Subscriber(uri(t, "https", "bad", badClient), "", tu.NewRecorder())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Zero(t, f.Sessions())
}

func TestUntrustedServerIsFatal(t *testing.T) {
	certs := tu.NewCerts(t)
	f := newFactory(t)
	port := tu.FreePort(t)

	resp, err := f.Responder(fmt.Sprintf("https://127.0.0.1:%d/x?%s", port, tlsQuery(map[string]string{
		"certFile": certs.CertFile,
		"keyFile":  certs.KeyFile,
	})), tu.NewEcho())
	require.NoError(t, err)
	defer resp.Close()

	req, err := f.Requester(fmt.Sprintf("https://127.0.0.1:%d/x?%s", port, tlsQuery(map[string]string{
		"caFile": certs.OtherCAFile,
	})), nil)
	require.NoError(t, err)
	defer req.Close()

	err = req.AwaitConnection(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidTLS)

	plain, err := f.Requester(fmt.Sprintf("http://127.0.0.1:%d/x?retries=0", port), nil)
	require.NoError(t, err)
	defer plain.Close()
	connect(t, plain)
	_, err = plain.SendRequest(context.Background(), "plaintext to a TLS port")
	assert.Error(t, err)
}
