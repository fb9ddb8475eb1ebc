package nats

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/natsclient"
	"github.com/c360/jsonrpcbus/pkg/tlsutil"
	"github.com/c360/jsonrpcbus/session"
)

const (
	// DefaultReconnectWait is the pause between connect attempts when retryDelay is not set
	DefaultReconnectWait = 250 * time.Millisecond

	pollInterval = 10 * time.Millisecond
	drainTimeout = 2 * time.Second
)

// link is one session's NATS connection and the subject it works on
type link struct {
	base    *session.Base
	client  *natsclient.Client
	policy  engine.Policy
	subject string

	mu      sync.Mutex
	lastErr error
}

// dial creates the session's client and starts connecting. The first
// connect continues in the background when the server is not reachable.
// Client sessions give up after their retry budget; server sessions
// reconnect for as long as they live.
func dial(base *session.Base, server bool) (*link, error) {
	ep := base.Endpoint()
	subject, err := subjectOf(ep)
	if err != nil {
		return nil, err
	}
	policy, err := engine.PolicyFromOptions(ep.Options)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsutil.ForClient(ep, base.Logger())
	if err != nil {
		return nil, err
	}

	wait := policy.Delay
	if wait <= 0 {
		wait = DefaultReconnectWait
	}
	maxReconnects := -1
	if !server {
		if policy.Explicit() {
			maxReconnects = policy.Retries
		} else {
			maxReconnects = int(base.Timeout()/wait) + 1
		}
	}

	l := &link{base: base, policy: policy, subject: subject}
	opts := []natsclient.ClientOption{
		natsclient.WithRetryOnFailedConnect(true),
		natsclient.WithMaxReconnects(maxReconnects),
		natsclient.WithReconnectWait(wait),
		natsclient.WithTimeout(base.Timeout() / 2),
		natsclient.WithDrainTimeout(drainTimeout),
		natsclient.WithLogger(base.Logger()),
		natsclient.WithMetrics(base.Metrics()),
		natsclient.WithName(ep.Options.String(endpoint.KeyName, "jsonrpcbus-"+strings.ToLower(base.SessionType().String()))),
		natsclient.WithDisconnectCallback(l.disconnected),
		natsclient.WithReconnectCallback(base.ClearError),
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}

	client, err := natsclient.NewClient(serverURL(ep), opts...)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), Name, "dial", "create client")
	}
	l.client = client
	base.OnClose(l.close)

	if err := l.connect(); err != nil && errors.IsFatal(err) {
		return nil, err
	}
	return l, nil
}

// subjectOf maps the endpoint path to a subject: "/rpc/echo" is "rpc.echo"
func subjectOf(ep *endpoint.Endpoint) (string, error) {
	subject := strings.ReplaceAll(strings.Trim(ep.Path, "/"), "/", ".")
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") || strings.Contains(subject, "..") {
		return "", errors.WrapFatal(fmt.Errorf("%w: %q does not name a subject", errors.ErrInvalidConfig, ep.Path), Name, "subjectOf", "read subject")
	}
	return subject, nil
}

// serverURL is the NATS server address; tls:// makes the client require TLS
func serverURL(ep *endpoint.Endpoint) string {
	u := url.URL{Scheme: ep.Scheme, Host: ep.Address()}
	return u.String()
}

// connect starts a connect cycle unless one is running. The dial timeout is
// half the session timeout so the first attempt ends before ctx does.
func (l *link) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.base.Timeout())
	defer cancel()
	err := l.client.Connect(ctx)
	if err != nil {
		l.record(err)
		l.base.Logger().Debug("NATS connect failed", "error", err)
	}
	return err
}

func (l *link) disconnected(err error) {
	if err != nil {
		l.record(err)
	}
}

func (l *link) record(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	l.base.RecordError(err)
}

func (l *link) last() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// exhausted reports whether the client stopped reconnecting
func (l *link) exhausted() bool {
	conn := l.client.GetConnection()
	return conn != nil && conn.IsClosed()
}

// ready reports whether the server connection is up
func (l *link) ready() bool {
	return !l.base.Closed() && l.client.IsHealthy()
}

// await blocks until the connection is up and prepare, if set, succeeded.
// A spent implicit budget starts a new cycle; a spent explicit one is fatal.
func (l *link) await(ctx context.Context, prepare func(context.Context) error) error {
	const method = "AwaitConnection"
	if err := l.base.CheckOpen(method); err != nil {
		return err
	}

	wctx, cancel, timeout := l.base.WaitContext(ctx)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		switch {
		case l.ready():
			if prepare == nil {
				return nil
			}
			err := prepare(wctx)
			if err == nil {
				return nil
			}
			if wctx.Err() == nil {
				l.base.Logger().Debug("Subscription not confirmed yet", "error", err)
			}
		case l.exhausted() || l.client.GetConnection() == nil:
			if err := l.restart(method); err != nil {
				return err
			}
		}

		select {
		case <-wctx.Done():
			return l.base.WaitError(ctx, method, timeout)
		case <-ticker.C:
		}
	}
}

// restart begins a fresh connect cycle after the last one gave up
func (l *link) restart(method string) error {
	if l.policy.Explicit() && l.exhausted() {
		return l.notReady(method)
	}
	if err := l.connect(); err != nil && errors.IsFatal(err) {
		return err
	}
	return nil
}

// checkReady fails fast for sends on a session that is neither connected
// nor inside a connect cycle
func (l *link) checkReady(method string) error {
	if err := l.base.CheckOpen(method); err != nil {
		return err
	}
	if l.ready() || l.connecting() {
		return nil
	}
	return l.notReady(method)
}

// connecting reports whether a connect cycle is still running
func (l *link) connecting() bool {
	conn := l.client.GetConnection()
	return conn != nil && !conn.IsClosed()
}

// waitReady blocks while a connect cycle runs and fails once it gave up
func (l *link) waitReady(ctx context.Context, method string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !l.ready() {
		if err := l.base.CheckOpen(method); err != nil {
			return err
		}
		if !l.connecting() {
			return l.notReady(method)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (l *link) notReady(method string) error {
	component := l.base.SessionType().String()
	last := l.last()
	if l.policy.Explicit() && l.exhausted() {
		if last == nil {
			last = stderrors.New("no connection")
		}
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, last), component, method, "connect")
	}
	if last != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNotReady, last), component, method, "check connection")
	}
	return errors.WrapTransient(errors.ErrNotReady, component, method, "check connection")
}

// security returns the negotiated TLS parameters of the live connection
func (l *link) security() *bus.TransportSecurity {
	conn := l.client.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil
	}
	state, err := conn.TLSConnectionState()
	if err != nil {
		return nil
	}
	return tlsutil.Negotiated(state)
}

// serverHealth reports a responder or publisher. Without a server
// connection it is degraded rather than listening.
func (l *link) serverHealth(peers int) health.Status {
	ready := l.ready()
	status := health.FromSession(l.base.State(ready, peers))
	switch {
	case status.Healthy && !ready:
		status.Healthy = false
		status.Status = health.StateDegraded
		status.Message = "waiting for NATS server"
	case ready:
		status.Message = l.describe(status.Message)
	}
	return status
}

// clientHealth reports a requester or subscriber
func (l *link) clientHealth(ready bool) health.Status {
	status := health.FromSession(l.base.State(ready, 0))
	if ready {
		status.Message = l.describe(status.Message)
	}
	return status
}

// describe appends the server round trip to msg
func (l *link) describe(msg string) string {
	rtt, err := l.client.RTT()
	if err != nil {
		return msg
	}
	return fmt.Sprintf("%s (rtt %v, reconnects %d)", msg, rtt.Round(time.Microsecond), l.client.Reconnects())
}

func (l *link) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := l.client.Close(ctx); err != nil {
		l.base.Logger().Debug("NATS close", "error", err)
	}
}
