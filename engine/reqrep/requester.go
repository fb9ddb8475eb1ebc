package reqrep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
)

// Config wires a stream requester to its transport
type Config struct {
	Base     *session.Base
	Dialer   engine.Dialer
	Policy   engine.Policy
	Group    *worker.Group
	Listener bus.MessageListener
}

type pending struct {
	future  *bus.Future
	started time.Time
}

// Requester runs request-reply over a transport without message correlation.
// One request is outstanding at a time; the first message that arrives after
// the request is written is its reply. A request that goes unanswered takes
// its connection with it, so its reply can never be read as the next one's.
type Requester struct {
	*session.Base

	connector *engine.Connector
	dispatch  *engine.Dispatcher
	peer      *engine.RemotePeer
	slot      *semaphore.Weighted

	mu      sync.Mutex
	pending *pending
}

// NewRequester creates the requester and starts its first connect cycle
func NewRequester(cfg Config) *Requester {
	r := &Requester{
		Base: cfg.Base,
		slot: semaphore.NewWeighted(1),
	}
	r.connector = engine.NewConnector(cfg.Base, cfg.Dialer, cfg.Policy, engine.Handler{
		OnMessage: r.onMessage,
		OnClose:   r.onClose,
		OnStale:   r.onLateReply,
	})
	r.dispatch = engine.NewDispatcher(cfg.Base, cfg.Group, cfg.Listener)
	r.peer = engine.NewRemotePeer(cfg.Base, r.connector)
	cfg.Base.OnClose(r.failPending)

	r.connector.Start()
	return r
}

// AwaitConnection blocks until connected, ctx ends or the session timeout expires
func (r *Requester) AwaitConnection(ctx context.Context) error {
	return r.connector.Await(ctx)
}

// IsReady reports whether the connection is open
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

// Send writes msg once the request slot is free and returns a Future for the
// reply. The whole exchange, including waiting for the slot, is bounded by the
// timeout in effect when Send is called.
func (r *Requester) Send(msg string) *bus.Future {
	if err := r.CheckOpen("Send"); err != nil {
		return bus.FailedFuture(err)
	}
	if err := r.connector.CheckReady(); err != nil {
		return bus.FailedFuture(err)
	}

	f := bus.NewFuture()
	timeout := r.Timeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
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

	if err := r.slot.Acquire(ctx, 1); err != nil {
		r.expire(f, timeout)
		return
	}
	defer r.slot.Release(1)

	conn, err := r.connector.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			r.expire(f, timeout)
		} else {
			f.Fail(err)
		}
		return
	}

	p := &pending{future: f, started: time.Now()}
	r.mu.Lock()
	r.pending = p
	r.mu.Unlock()

	if err := conn.Send(ctx, msg); err != nil {
		r.clear(p)
		r.RecordError(err)
		f.Fail(errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionLost, err), "Requester", "Send", "write request"))
		r.connector.Drop(conn)
		return
	}
	r.RecordOut()

	select {
	case <-f.Done():
	case <-ctx.Done():
	case <-r.Done():
	}

	if r.clear(p) {
		// Still unanswered: the reply, if any, is late from here on.
		r.connector.Drop(conn)
		r.Logger().Debug("Dropped connection of unanswered request", "remote", conn.RemoteAddr())
		r.expire(f, timeout)
	}
}

// clear removes p if it is still the pending request and reports whether it was
func (r *Requester) clear(p *pending) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != p {
		return false
	}
	r.pending = nil
	return true
}

func (r *Requester) expire(f *bus.Future, timeout time.Duration) {
	if r.Closed() {
		f.Fail(errors.WrapInvalid(errors.ErrSessionClosed, "Requester", "Send", "wait for reply"))
		return
	}
	if f.Fail(errors.Timeout("Requester", "Send", timeout)) {
		r.RecordTimeout()
	}
}

func (r *Requester) onMessage(msg string) {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.mu.Unlock()

	if p == nil {
		// Unsolicited: the server pushed a message nobody asked for.
		if err := r.dispatch.Deliver(r.peer, msg, nil); err != nil {
			r.Logger().Warn("Dropped unsolicited message", "error", err)
		}
		return
	}

	r.RecordIn()
	if p.future.Resolve(msg) {
		r.Metrics().RecordRequestDuration(r.Transport(), time.Since(p.started))
	}
}

func (r *Requester) onLateReply(msg string) {
	r.Metrics().RecordLateReply(r.Transport())
	r.Logger().Debug("Dropped late reply", "bytes", len(msg))
}

func (r *Requester) onClose(err error) {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.mu.Unlock()

	if p == nil {
		return
	}
	if r.Closed() {
		p.future.Fail(errors.WrapInvalid(errors.ErrSessionClosed, "Requester", "Send", "wait for reply"))
		return
	}
	cause := errors.ErrConnectionLost
	if err != nil {
		cause = fmt.Errorf("%w: %w", errors.ErrConnectionLost, err)
	}
	p.future.Fail(errors.WrapTransient(cause, "Requester", "Send", "wait for reply"))
}

func (r *Requester) failPending() {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.mu.Unlock()
	if p != nil {
		p.future.Fail(errors.WrapInvalid(errors.ErrSessionClosed, "Requester", "Send", "wait for reply"))
	}
}
