package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/metric"
)

// State is the connection state of a Client
type State int32

// Connection states
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the lower-case state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned before the first connection object exists
var ErrNotConnected = stderrors.New("not connected to NATS")

// settings are fixed at construction by ClientOptions
type settings struct {
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	retryFirst    bool
	tlsConfig     *tls.Config
	name          string
	onDisconnect  func(error)
	onReconnect   func()
}

// Client owns one NATS connection. Connect returns as soon as the connection
// object exists; with RetryOnFailedConnect the first dial continues in the
// background and WaitForConnection reports when it succeeds.
type Client struct {
	url     string
	cfg     settings
	logger  *slog.Logger
	metrics *metric.Metrics

	state      atomic.Int32
	reconnects atomic.Int32

	mu   sync.RWMutex
	conn *nats.Conn

	closeOnce sync.Once
}

// NewClient creates a client for url; nothing is dialed until Connect
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:    url,
		logger: slog.Default().With("component", "natsclient"),
		cfg: settings{
			maxReconnects: -1,
			reconnectWait: 2 * time.Second,
			pingInterval:  30 * time.Second,
			timeout:       5 * time.Second,
			drainTimeout:  30 * time.Second,
			retryFirst:    true,
		},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger.Debug("Created NATS client", "url", redact(url))
	return c, nil
}

// URL returns the server URL
func (c *Client) URL() string { return c.url }

// State returns the current connection state
func (c *Client) State() State { return State(c.state.Load()) }

// IsHealthy reports whether the connection is up
func (c *Client) IsHealthy() bool { return c.State() == StateConnected }

// Reconnects returns how many times the connection was re-established
func (c *Client) Reconnects() int { return int(c.reconnects.Load()) }

// MaxReconnects returns the reconnect budget; -1 is unbounded
func (c *Client) MaxReconnects() int { return c.cfg.maxReconnects }

// ReconnectWait returns the pause between reconnect attempts
func (c *Client) ReconnectWait() time.Duration { return c.cfg.reconnectWait }

// GetConnection returns the current connection, nil before Connect
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.RecordNATSStatus(s == StateConnected)
}

// WaitForConnection polls until the connection is up or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch c.State() {
		case StateConnected:
			return nil
		case StateClosed:
			return errors.WrapInvalid(errors.ErrSessionClosed, "Client", "WaitForConnection", "wait for NATS")
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for NATS")
		case <-ticker.C:
		}
	}
}

func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.maxReconnects),
		nats.ReconnectWait(c.cfg.reconnectWait),
		nats.PingInterval(c.cfg.pingInterval),
		nats.Timeout(c.cfg.timeout),
		nats.DrainTimeout(c.cfg.drainTimeout),
		nats.RetryOnFailedConnect(c.cfg.retryFirst),
		nats.ConnectHandler(c.handleConnect),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.cfg.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.cfg.tlsConfig))
	}
	if c.cfg.name != "" {
		opts = append(opts, nats.Name(c.cfg.name))
	}
	return opts
}

// Connect creates the connection. While one is alive it is a no-op; after
// the library gave up reconnecting it starts over with a new connection.
// TLS and authorization failures are fatal, anything else transient.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateClosed {
		return errors.WrapInvalid(errors.ErrSessionClosed, "Client", "Connect", "check client state")
	}
	if conn := c.GetConnection(); conn != nil && !conn.IsClosed() {
		return nil
	}

	c.setState(StateConnecting)
	c.logger.Debug("Connecting to NATS", "url", redact(c.url))

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.setState(StateDisconnected)
			return classifyConnectError(r.err)
		}
		c.mu.Lock()
		c.conn = r.conn
		c.mu.Unlock()
		if r.conn.IsConnected() {
			c.markConnected()
		}
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		c.setState(StateDisconnected)
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
}

// classifyConnectError separates configuration problems from network ones
func classifyConnectError(err error) error {
	switch {
	case stderrors.Is(err, nats.ErrSecureConnRequired),
		stderrors.Is(err, nats.ErrSecureConnWanted),
		stderrors.Is(err, nats.ErrClientCertOrRootCAsRequired):
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidTLS, err), "Client", "Connect", "negotiate TLS")
	case stderrors.Is(err, nats.ErrAuthorization),
		stderrors.Is(err, nats.ErrAuthExpired),
		stderrors.Is(err, nats.ErrAuthRevoked):
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Client", "Connect", "authenticate")
	default:
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}
}

func (c *Client) markConnected() {
	if c.state.Swap(int32(StateConnected)) == int32(StateConnected) {
		return
	}
	c.metrics.RecordNATSStatus(true)
	c.logger.Info("Connected to NATS", "url", redact(c.url))
}

// Close drains and closes the connection, bounded by ctx and the drain
// timeout. It is idempotent.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn == nil {
			return
		}
		if conn.IsConnected() {
			if err = c.drain(ctx, conn); err != nil {
				c.logger.Warn("Drain failed, force closing", "error", err)
			}
		}
		conn.Close()
	})
	return err
}

func (c *Client) drain(ctx context.Context, conn *nats.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.drainTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Client", "Close", "drain connection")
	}
}

// RTT measures and records the round trip to the server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.GetConnection()
	if conn == nil || !conn.IsConnected() {
		return 0, errors.WrapTransient(ErrNotConnected, "Client", "RTT", "check connection")
	}
	rtt, err := conn.RTT()
	if err != nil {
		return 0, errors.WrapTransient(err, "Client", "RTT", "ping server")
	}
	c.metrics.RecordNATSRTT(rtt)
	return rtt, nil
}

// connection returns the conn for operations the library buffers while reconnecting
func (c *Client) connection(method string) (*nats.Conn, error) {
	if c.State() == StateClosed {
		return nil, errors.WrapInvalid(errors.ErrSessionClosed, "Client", method, "check client state")
	}
	conn := c.GetConnection()
	if conn == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", method, "check connection")
	}
	return conn, nil
}

// Subscribe registers handler for subject, load balanced across queue when
// it is not empty. Subscriptions made while reconnecting are sent to the
// server once the connection is up.
func (c *Client) Subscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn, err := c.connection("Subscribe")
	if err != nil {
		return nil, err
	}
	var sub *nats.Subscription
	if queue != "" {
		sub, err = conn.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = conn.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err), "Client", "Subscribe", "subscribe to "+subject)
	}
	return sub, nil
}

// Publish sends msg; the library buffers it while reconnecting
func (c *Client) Publish(msg *nats.Msg) error {
	conn, err := c.connection("Publish")
	if err != nil {
		return err
	}
	if err := conn.PublishMsg(msg); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+msg.Subject)
	}
	return nil
}

// Request sends msg and waits for the first reply on a unique inbox.
// Missing responders and an expired ctx are reported as timeouts.
func (c *Client) Request(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	conn, err := c.connection("Request")
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNotReady, "Client", "Request", "check connection")
	}

	reply, err := conn.RequestMsgWithContext(ctx, msg)
	switch {
	case err == nil:
		return reply, nil
	case stderrors.Is(err, nats.ErrNoResponders),
		stderrors.Is(err, nats.ErrTimeout),
		stderrors.Is(err, context.DeadlineExceeded):
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTimeout, err), "Client", "Request", "wait for reply")
	case stderrors.Is(err, nats.ErrConnectionClosed), stderrors.Is(err, nats.ErrConnectionReconnecting):
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err), "Client", "Request", "wait for reply")
	default:
		return nil, errors.WrapTransient(err, "Client", "Request", "send request")
	}
}

// Flush round-trips to the server so earlier subscriptions are registered
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.connection("Flush")
	if err != nil {
		return err
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush connection")
	}
	return nil
}

// handleConnect fires for first connects that completed in the background
func (c *Client) handleConnect(_ *nats.Conn) {
	c.markConnected()
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateReconnecting)
	c.logger.Warn("Disconnected from NATS", "error", err)
	if c.cfg.onDisconnect != nil {
		go c.cfg.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.reconnects.Add(1)
	c.metrics.RecordNATSReconnect()
	c.setState(StateConnected)
	c.logger.Info("Reconnected to NATS", "url", redact(c.url))
	if c.cfg.onReconnect != nil {
		go c.cfg.onReconnect()
	}
}

// handleClosed fires when the library gives up reconnecting or on Close
func (c *Client) handleClosed(_ *nats.Conn) {
	if c.State() != StateClosed {
		c.setState(StateDisconnected)
	}
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Error("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Error("NATS error", "error", err)
}
