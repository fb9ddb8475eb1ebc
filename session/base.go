// Package session holds the state every bus session shares regardless of
// transport: identity, timeout, closed flag, traffic counters and health.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/metric"
)

// Option is a functional option for configuring Base
type Option func(*Base)

// WithLogger sets the parent logger; session attributes are added to it
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics enables core metrics; nil leaves them disabled
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Base) {
		b.metrics = m
	}
}

// Base implements the bus.Session bookkeeping shared by all transports.
// Transport sessions embed it and register their teardown with OnClose.
type Base struct {
	id        string
	typ       bus.SessionType
	transport string
	endpoint  *endpoint.Endpoint
	uri       string

	logger  *slog.Logger
	metrics *metric.Metrics

	defaultTimeout time.Duration
	timeout        atomic.Int64

	closed  atomic.Bool
	done    chan struct{}
	mu      sync.Mutex
	closers []func()
	lastErr error
	since   time.Time

	messagesIn   atomic.Uint64
	messagesOut  atomic.Uint64
	errorCount   atomic.Uint64
	timeouts     atomic.Uint64
	lastActivity atomic.Int64
}

// New creates the shared state for a session on ep. The timeout option on
// the URI overrides def; an unparsable timeout is a fatal configuration error.
func New(typ bus.SessionType, transport string, ep *endpoint.Endpoint, def time.Duration, opts ...Option) (*Base, error) {
	if def <= 0 {
		def = bus.DefaultTimeout
	}
	timeout, err := ep.Options.Duration(endpoint.KeyTimeout, def)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "session", "New", "read timeout")
	}
	if timeout == 0 {
		timeout = def
	}

	b := &Base{
		id:             uuid.NewString(),
		typ:            typ,
		transport:      transport,
		endpoint:       ep,
		uri:            ep.Redacted(),
		logger:         slog.Default(),
		defaultTimeout: timeout,
		done:           make(chan struct{}),
		since:          time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("session", b.id[:8], "type", typ.String(), "uri", b.uri)
	b.timeout.Store(int64(timeout))

	b.metrics.SessionOpened(transport, typ.String())
	return b, nil
}

// ID returns the session's unique id
func (b *Base) ID() string { return b.id }

// SessionType never changes after creation
func (b *Base) SessionType() bus.SessionType { return b.typ }

// Transport returns the transport name the session belongs to
func (b *Base) Transport() string { return b.transport }

// URI returns the endpoint URI with secrets masked
func (b *Base) URI() string { return b.uri }

// Endpoint returns the parsed endpoint
func (b *Base) Endpoint() *endpoint.Endpoint { return b.endpoint }

// Logger returns the session-scoped logger
func (b *Base) Logger() *slog.Logger { return b.logger }

// Metrics returns the core metrics, nil when disabled
func (b *Base) Metrics() *metric.Metrics { return b.metrics }

// Timeout returns the bound for the next blocking wait
func (b *Base) Timeout() time.Duration {
	return time.Duration(b.timeout.Load())
}

// SetTimeout changes the bound for waits that start after the call.
// Non-positive values restore the default.
func (b *Base) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = b.defaultTimeout
	}
	b.timeout.Store(int64(d))
}

// SetTimeoutToDefault restores the timeout the session was created with
func (b *Base) SetTimeoutToDefault() {
	b.timeout.Store(int64(b.defaultTimeout))
}

// Closed reports whether Close has been called
func (b *Base) Closed() bool { return b.closed.Load() }

// Done is closed when the session closes
func (b *Base) Done() <-chan struct{} { return b.done }

// CheckOpen returns ErrSessionClosed once the session is closed
func (b *Base) CheckOpen(method string) error {
	if b.closed.Load() {
		return errors.WrapInvalid(errors.ErrSessionClosed, b.typ.String(), method, "check session")
	}
	return nil
}

// Context returns a context cancelled when the session closes
func (b *Base) Context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// WaitContext bounds parent by a snapshot of the current timeout and by the session's life.
// The snapshot is taken here, so a later SetTimeout does not affect the wait.
func (b *Base) WaitContext(parent context.Context) (context.Context, context.CancelFunc, time.Duration) {
	timeout := b.Timeout()
	ctx, cancel := context.WithTimeout(parent, timeout)
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel, timeout
}

// WaitError converts the end of a WaitContext wait into the bus error for it:
// ErrTimeout for an expired timeout, ErrSessionClosed when the session closed,
// the caller's context error otherwise.
func (b *Base) WaitError(parent context.Context, method string, timeout time.Duration) error {
	switch {
	case b.closed.Load():
		return errors.WrapInvalid(errors.ErrSessionClosed, b.typ.String(), method, "wait")
	case parent.Err() != nil:
		return errors.WrapTransient(parent.Err(), b.typ.String(), method, "wait")
	default:
		b.RecordTimeout()
		return errors.Timeout(b.typ.String(), method, timeout)
	}
}

// OnClose registers fn to run when the session closes. Hooks run in reverse
// registration order. Registering on a closed session runs fn immediately.
func (b *Base) OnClose(fn func()) {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		b.runHook(fn)
		return
	}
	b.closers = append(b.closers, fn)
	b.mu.Unlock()
}

// Close marks the session closed and runs the close hooks once.
// It is idempotent and always returns nil.
func (b *Base) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return nil
	}
	closers := b.closers
	b.closers = nil
	close(b.done)
	b.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		b.runHook(closers[i])
	}

	b.metrics.SessionClosed(b.transport, b.typ.String())
	b.logger.Debug("Session closed")
	return nil
}

func (b *Base) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Close hook panicked", "panic", r)
		}
	}()
	fn()
}

// RecordIn counts an inbound message
func (b *Base) RecordIn() {
	b.messagesIn.Add(1)
	b.lastActivity.Store(time.Now().UnixNano())
	b.metrics.RecordMessageReceived(b.transport, b.typ.String())
}

// RecordOut counts an outbound message
func (b *Base) RecordOut() {
	b.messagesOut.Add(1)
	b.lastActivity.Store(time.Now().UnixNano())
	b.metrics.RecordMessageSent(b.transport, b.typ.String())
}

// RecordTimeout counts an expired wait
func (b *Base) RecordTimeout() {
	b.timeouts.Add(1)
	b.metrics.RecordTimeout(b.transport, b.typ.String())
}

// RecordError counts err and keeps it as the last error for health reporting
func (b *Base) RecordError(err error) {
	if err == nil {
		return
	}
	b.errorCount.Add(1)
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.metrics.RecordError(b.transport, errors.Classify(err).String())
}

// ClearError forgets the last error, typically after a successful connect
func (b *Base) ClearError() {
	b.mu.Lock()
	b.lastErr = nil
	b.mu.Unlock()
}

// LastError returns the most recent recorded error
func (b *Base) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Stats returns a snapshot of the traffic counters
func (b *Base) Stats() bus.Stats {
	s := bus.Stats{
		MessagesIn:  b.messagesIn.Load(),
		MessagesOut: b.messagesOut.Load(),
		Errors:      b.errorCount.Load(),
		Timeouts:    b.timeouts.Load(),
	}
	if ns := b.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}

// State builds the health view of the session
func (b *Base) State(ready bool, peers int) health.SessionState {
	return health.SessionState{
		Name:      b.typ.String() + " " + b.uri,
		Type:      b.typ,
		Ready:     ready,
		Closed:    b.closed.Load(),
		Peers:     peers,
		LastError: b.LastError(),
		Since:     b.since,
		Stats:     b.Stats(),
	}
}
