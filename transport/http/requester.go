package http

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/pkg/tlsutil"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
	"github.com/c360/jsonrpcbus/transport"
)

// statusError is a non-200 answer from the responder
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// dialer probes the server and hands out clientConns sharing one http.Client
type dialer struct {
	address   string
	url       string
	tlsConfig *tls.Config
	readLimit int64
	client    *http.Client
	transport *http.Transport
}

var _ engine.Dialer = (*dialer)(nil)

// newDialer prepares the client side of base's endpoint. TLS material is
// loaded here so bad material fails session construction.
func newDialer(base *session.Base) (*dialer, error) {
	ep := base.Endpoint()
	readLimit, err := readLimitOf(ep)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsutil.ForClient(ep, base.Logger())
	if err != nil {
		return nil, err
	}

	u := url.URL{Scheme: ep.Scheme, Host: ep.Address(), Path: pathOf(ep)}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: base.Timeout()}).DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: base.Timeout(),
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &dialer{
		address:   ep.Address(),
		url:       u.String(),
		tlsConfig: tlsConfig,
		readLimit: readLimit,
		client:    &http.Client{Transport: tr},
		transport: tr,
	}, nil
}

// Dial checks that the server accepts connections, completing the TLS
// handshake for https. The probe connection is not kept; requests use the
// shared client's pool.
func (d *dialer) Dial(ctx context.Context, h engine.Handler) (engine.Conn, error) {
	remote, security, err := d.probe(ctx)
	if err != nil {
		return nil, transport.DialError(Name, "Dial", err)
	}
	c := &clientConn{
		client:    d.client,
		url:       d.url,
		remote:    remote,
		readLimit: d.readLimit,
		handler:   h,
		closed:    make(chan struct{}),
	}
	c.security.Store(security)
	return c, nil
}

func (d *dialer) probe(ctx context.Context) (string, *bus.TransportSecurity, error) {
	nd := &net.Dialer{}
	if d.tlsConfig == nil {
		conn, err := nd.DialContext(ctx, "tcp", d.address)
		if err != nil {
			return "", nil, err
		}
		defer conn.Close()
		return conn.RemoteAddr().String(), nil, nil
	}

	td := &tls.Dialer{NetDialer: nd, Config: d.tlsConfig}
	conn, err := td.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return "", nil, err
	}
	defer conn.Close()
	state := conn.(*tls.Conn).ConnectionState()
	return conn.RemoteAddr().String(), tlsutil.Negotiated(state), nil
}

func (d *dialer) close() {
	d.transport.CloseIdleConnections()
}

// clientConn stands for a reachable server. It is lost when a request fails
// at the network level.
type clientConn struct {
	client    *http.Client
	url       string
	remote    string
	readLimit int64
	handler   engine.Handler
	security  atomic.Pointer[bus.TransportSecurity]

	closeOnce sync.Once
	closed    chan struct{}
}

var _ engine.Conn = (*clientConn)(nil)

// roundTrip POSTs message and returns the response body
func (c *clientConn) roundTrip(ctx context.Context, message string) (string, error) {
	select {
	case <-c.closed:
		return "", errors.WrapInvalid(errors.ErrPeerClosed, "http.Conn", "roundTrip", "post request")
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(message))
	if err != nil {
		return "", errors.WrapInvalid(err, "http.Conn", "roundTrip", "build request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.TLS != nil {
		c.security.Store(bus.SecurityFromState(resp.TLS))
	}

	body := io.Reader(resp.Body)
	if c.readLimit > 0 {
		body = io.LimitReader(resp.Body, c.readLimit+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if c.readLimit > 0 && int64(len(data)) > c.readLimit {
		return "", errors.WrapInvalid(fmt.Errorf("reply exceeds readLimit %d", c.readLimit), "http.Conn", "roundTrip", "read reply")
	}
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{Code: resp.StatusCode, Body: string(data)}
	}
	return string(data), nil
}

// Send posts message and hands the reply to the connection's handler
func (c *clientConn) Send(ctx context.Context, message string) error {
	reply, err := c.roundTrip(ctx, message)
	if err != nil {
		var status *statusError
		if errors.IsClassified(err) || stderrors.As(err, &status) || ctx.Err() != nil {
			return err
		}
		c.fail(err)
		return err
	}
	if c.handler.OnMessage != nil {
		c.handler.OnMessage(reply)
	}
	return nil
}

// fail reports the loss of the server once
func (c *clientConn) fail(err error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.handler.OnClose != nil {
			c.handler.OnClose(err)
		}
	})
}

// Close is idempotent
func (c *clientConn) Close() error {
	c.fail(nil)
	return nil
}

// RemoteAddr returns the server address
func (c *clientConn) RemoteAddr() string { return c.remote }

// Security returns the parameters of the last TLS handshake, nil for http://
func (c *clientConn) Security() *bus.TransportSecurity { return c.security.Load() }

// Requester runs each request as one POST. HTTP pairs every response with its
// request, so requests do not wait for each other.
type Requester struct {
	*session.Base

	ctx       context.Context
	connector *engine.Connector
	dispatch  *engine.Dispatcher
	peer      *engine.RemotePeer
}

var _ bus.Requester = (*Requester)(nil)

// newRequester creates the requester and starts its first reachability check.
// The listener receives the replies to messages sent through its peer.
func newRequester(base *session.Base, d *dialer, policy engine.Policy, group *worker.Group, listener bus.MessageListener) *Requester {
	ctx, cancel := base.Context()
	r := &Requester{Base: base, ctx: ctx}
	r.connector = engine.NewConnector(base, d, policy, engine.Handler{
		OnMessage: r.onMessage,
		OnClose: func(err error) {
			if err != nil {
				r.Logger().Debug("Server unreachable", "error", err)
			}
		},
	})
	r.dispatch = engine.NewDispatcher(base, group, listener)
	r.peer = engine.NewRemotePeer(base, r.connector)
	base.OnClose(d.close)
	base.OnClose(cancel)

	r.connector.Start()
	return r
}

// AwaitConnection blocks until the server is reachable, ctx ends or the session timeout expires
func (r *Requester) AwaitConnection(ctx context.Context) error {
	return r.connector.Await(ctx)
}

// IsReady reports whether the server was reachable on the last check
func (r *Requester) IsReady() bool {
	return r.connector.IsReady()
}

// Security returns the negotiated TLS parameters, nil for plaintext
func (r *Requester) Security() *bus.TransportSecurity {
	return r.connector.Security()
}

// State returns the connection state
func (r *Requester) State() engine.State {
	return r.connector.State()
}

// Health reports the session's readiness
func (r *Requester) Health() health.Status {
	return health.FromSession(r.Base.State(r.IsReady(), 0))
}

// Send posts msg and returns a Future for the response body, bounded by the
// timeout in effect when Send is called
func (r *Requester) Send(msg string) *bus.Future {
	if err := r.CheckOpen("Send"); err != nil {
		return bus.FailedFuture(err)
	}
	if err := r.connector.CheckReady(); err != nil {
		return bus.FailedFuture(err)
	}

	f := bus.NewFuture()
	timeout := r.Timeout()
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	f.OnCancel(cancel)

	go r.exchange(ctx, cancel, f, msg, timeout)
	return f
}

// SendRequest sends msg and waits for the reply within ctx and the session timeout
func (r *Requester) SendRequest(ctx context.Context, msg string) (string, error) {
	f := r.Send(msg)
	reply, err := f.Get(ctx)
	if err != nil && ctx.Err() != nil {
		f.Cancel()
		return "", errors.WrapTransient(err, "Requester", "SendRequest", "wait for reply")
	}
	return reply, err
}

func (r *Requester) exchange(ctx context.Context, cancel context.CancelFunc, f *bus.Future, msg string, timeout time.Duration) {
	defer cancel()
	started := time.Now()

	conn, err := r.connector.Conn(ctx)
	if err != nil {
		f.Fail(r.failure(ctx, nil, err, timeout))
		return
	}
	c := conn.(*clientConn)

	reply, err := c.roundTrip(ctx, msg)
	if err != nil {
		f.Fail(r.failure(ctx, c, err, timeout))
		return
	}
	r.RecordOut()
	r.RecordIn()
	if f.Resolve(reply) {
		r.Metrics().RecordRequestDuration(r.Transport(), time.Since(started))
	}
}

// failure turns a failed exchange into the bus error for it. Network errors
// mark the server unreachable so the connector checks it again.
func (r *Requester) failure(ctx context.Context, c *clientConn, err error, timeout time.Duration) error {
	var status *statusError
	switch {
	case r.Closed():
		return errors.WrapInvalid(errors.ErrSessionClosed, "Requester", "Send", "wait for reply")
	case stderrors.As(err, &status):
		switch status.Code {
		case http.StatusGatewayTimeout:
			r.RecordTimeout()
			return errors.Timeout("Requester", "Send", timeout)
		case http.StatusRequestEntityTooLarge, http.StatusMethodNotAllowed, http.StatusNotFound:
			r.RecordError(err)
			return errors.WrapFatal(err, "Requester", "Send", "post request")
		default:
			r.RecordError(err)
			return errors.WrapTransient(err, "Requester", "Send", "post request")
		}
	case errors.IsClassified(err):
		return err
	case stderrors.Is(ctx.Err(), context.DeadlineExceeded):
		r.RecordTimeout()
		return errors.Timeout("Requester", "Send", timeout)
	case ctx.Err() != nil:
		return errors.WrapTransient(ctx.Err(), "Requester", "Send", "wait for reply")
	default:
		r.RecordError(err)
		if c != nil {
			c.fail(err)
		}
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err), "Requester", "Send", "post request")
	}
}

func (r *Requester) onMessage(msg string) {
	if err := r.dispatch.Deliver(r.peer, msg, nil); err != nil {
		r.Logger().Warn("Dropped reply", "error", err)
	}
}
