package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/retry"
	"github.com/c360/jsonrpcbus/session"
)

// State is the connection state of a client session
type State int

// Connector states
const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// link ties callbacks from one Conn back to the connector
type link struct {
	conn Conn
	dead bool
}

// Connector owns the outbound connection of a client session. It runs
// bounded connect cycles in the background and reconnects after a loss.
type Connector struct {
	base    *session.Base
	dialer  Dialer
	policy  Policy
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	current   *link
	ready     chan struct{} // closed on entering StateReady
	failed    chan struct{} // closed when a cycle gives up
	exhausted bool
	cycles    int
}

// NewConnector creates an idle connector; Start begins the first cycle.
// The connector closes with base.
func NewConnector(base *session.Base, dialer Dialer, policy Policy, h Handler) *Connector {
	ctx, cancel := base.Context()
	c := &Connector{
		base:    base,
		dialer:  dialer,
		policy:  policy,
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		failed:  make(chan struct{}),
	}
	base.OnClose(c.close)
	return c
}

// State returns the current connection state
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether a connection is open
func (c *Connector) IsReady() bool {
	return c.State() == StateReady
}

// Security returns the TLS parameters of the open connection
func (c *Connector) Security() *bus.TransportSecurity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil
	}
	return c.current.conn.Security()
}

// Start begins a connect cycle if the connector is idle. It reports whether a cycle was started.
func (c *Connector) Start() bool {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnecting
	c.exhausted = false
	c.cycles++
	c.failed = make(chan struct{})
	c.mu.Unlock()

	go c.run()
	return true
}

func (c *Connector) run() {
	transport := c.base.Transport()
	metrics := c.base.Metrics()
	logger := c.base.Logger()

	cfg := c.policy.Config(c.base.Timeout())
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		metrics.RecordConnectAttempt(transport, "failure")
		logger.Debug("Connect attempt failed", "attempt", attempt, "retry_in", next, "error", err)
	}

	var l *link
	err := retry.Do(c.ctx, cfg, func() error {
		attempt := &link{}
		h := Handler{
			OnMessage: func(msg string) { c.deliver(attempt, msg) },
			OnClose:   func(err error) { c.lost(attempt, err) },
		}

		attemptCtx, cancel := context.WithTimeout(c.ctx, c.base.Timeout())
		defer cancel()
		conn, err := c.dialer.Dial(attemptCtx, h)
		if err != nil {
			if errors.IsFatal(err) {
				return retry.NonRetryable(err)
			}
			return err
		}
		c.mu.Lock()
		attempt.conn = conn
		l = attempt
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		if l != nil {
			_ = l.conn.Close()
		}
		return
	}

	if err != nil {
		c.state = StateDisconnected
		c.exhausted = c.policy.Explicit() || retry.IsNonRetryable(err)
		close(c.failed)
		c.mu.Unlock()

		metrics.RecordConnectAttempt(transport, "failure")
		c.base.RecordError(err)
		logger.Warn("Connect cycle gave up", "error", err)
		return
	}

	if l.dead {
		// Lost before it was published; try again within a fresh cycle.
		c.state = StateDisconnected
		c.mu.Unlock()
		c.Start()
		return
	}

	c.current = l
	c.state = StateReady
	close(c.ready)
	c.mu.Unlock()

	metrics.RecordConnectAttempt(transport, "success")
	c.base.ClearError()
	logger.Info("Connected", "remote", l.conn.RemoteAddr())
}

// deliver passes msg on unless l was dropped while it was in flight
func (c *Connector) deliver(l *link, msg string) {
	c.mu.Lock()
	dead := l.dead
	c.mu.Unlock()

	switch {
	case !dead:
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(msg)
		}
	case c.handler.OnStale != nil:
		c.handler.OnStale(msg)
	}
}

// lost handles the close of a connection. Unexpected losses start a new cycle.
func (c *Connector) lost(l *link, err error) {
	c.mu.Lock()
	if l.dead {
		c.mu.Unlock()
		return
	}
	l.dead = true
	if c.current != l {
		c.mu.Unlock()
		return
	}
	c.current = nil
	closing := c.state == StateClosed
	if !closing {
		c.state = StateDisconnected
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()

	if c.handler.OnClose != nil {
		c.handler.OnClose(err)
	}
	if closing {
		return
	}

	if err != nil {
		c.base.RecordError(errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err),
			"Connector", "lost", "read from connection"))
	}
	c.base.Logger().Info("Connection lost, reconnecting", "error", err)
	c.Start()
}

// Await blocks until the connection is ready, ctx ends or the session timeout
// expires. An idle connector starts a fresh cycle first unless an explicit
// retry budget has already been used up.
func (c *Connector) Await(ctx context.Context) error {
	if err := c.base.CheckOpen("AwaitConnection"); err != nil {
		return err
	}

	c.mu.Lock()
	state, exhausted := c.state, c.exhausted
	c.mu.Unlock()
	switch {
	case state == StateReady:
		return nil
	case state == StateDisconnected && exhausted:
		return c.notReady("AwaitConnection")
	}

	c.Start()

	c.mu.Lock()
	ready, failed := c.ready, c.failed
	c.mu.Unlock()

	wctx, cancel, timeout := c.base.WaitContext(ctx)
	defer cancel()

	select {
	case <-ready:
		return nil
	case <-failed:
		c.mu.Lock()
		exhausted = c.exhausted
		c.mu.Unlock()
		if exhausted {
			return c.notReady("AwaitConnection")
		}
		c.base.RecordTimeout()
		return errors.Timeout(c.base.SessionType().String(), "AwaitConnection", timeout)
	case <-wctx.Done():
		select {
		case <-ready:
			return nil
		default:
		}
		return c.base.WaitError(ctx, "AwaitConnection", timeout)
	}
}

// Conn returns the open connection, waiting for an in-progress cycle within ctx.
// An idle connector fails fast with ErrNotReady.
func (c *Connector) Conn(ctx context.Context) (Conn, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case StateClosed:
			c.mu.Unlock()
			return nil, errors.WrapInvalid(errors.ErrSessionClosed, c.base.SessionType().String(), "Send", "check session")
		case StateReady:
			conn := c.current.conn
			c.mu.Unlock()
			return conn, nil
		case StateDisconnected:
			c.mu.Unlock()
			return nil, c.notReady("Send")
		}
		ready, failed := c.ready, c.failed
		c.mu.Unlock()

		select {
		case <-ready:
		case <-failed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CheckReady fails fast when no connection is open and no cycle is running
func (c *Connector) CheckReady() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case StateClosed:
		return errors.WrapInvalid(errors.ErrSessionClosed, c.base.SessionType().String(), "Send", "check session")
	case StateDisconnected:
		return c.notReady("Send")
	}
	return nil
}

// Drop closes conn if it is still the current connection. The loss is
// handled before Drop returns, so a Conn call made afterwards waits for the
// replacement. Messages still arriving on conn go to the handler's OnStale.
func (c *Connector) Drop(conn Conn) {
	c.mu.Lock()
	l := c.current
	c.mu.Unlock()
	if l == nil || l.conn != conn {
		return
	}
	c.lost(l, nil)
	_ = conn.Close()
}

func (c *Connector) notReady(method string) error {
	c.mu.Lock()
	exhausted := c.exhausted
	c.mu.Unlock()

	last := c.base.LastError()
	component := c.base.SessionType().String()
	if exhausted {
		if last == nil {
			last = fmt.Errorf("no connection")
		}
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, last), component, method, "connect")
	}
	if last != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNotReady, last), component, method, "check connection")
	}
	return errors.WrapTransient(errors.ErrNotReady, component, method, "check connection")
}

func (c *Connector) close() {
	c.mu.Lock()
	c.state = StateClosed
	var conn Conn
	if c.current != nil {
		conn = c.current.conn
	}
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}
