package nats

import (
	"context"
	stderrors "errors"
	"time"

	gonats "github.com/nats-io/nats.go"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/session"
)

// Requester sends each request to the session subject on its own reply
// inbox, so any number of requests may be in flight.
type Requester struct {
	*session.Base
	link *link
	ctx  context.Context
}

var _ bus.Requester = (*Requester)(nil)

func newRequester(base *session.Base, l *link) *Requester {
	ctx, cancel := base.Context()
	base.OnClose(cancel)
	return &Requester{Base: base, link: l, ctx: ctx}
}

// AwaitConnection blocks until the server connection is up, ctx ends or the session timeout expires
func (r *Requester) AwaitConnection(ctx context.Context) error {
	return r.link.await(ctx, nil)
}

// IsReady reports whether the server connection is up
func (r *Requester) IsReady() bool { return r.link.ready() }

// Security returns the negotiated TLS parameters, nil for nats://
func (r *Requester) Security() *bus.TransportSecurity { return r.link.security() }

// Health reports the session's readiness
func (r *Requester) Health() health.Status {
	return r.link.clientHealth(r.IsReady())
}

// Send publishes msg on the session subject and returns a Future for the
// first reply, bounded by the timeout in effect when Send is called. A send
// during a connect cycle waits for it; one after the cycle gave up fails fast.
func (r *Requester) Send(msg string) *bus.Future {
	if err := r.link.checkReady("Send"); err != nil {
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

	if err := r.link.waitReady(ctx, "Send"); err != nil {
		if ctx.Err() != nil {
			err = r.failure(ctx, ctx.Err(), timeout)
		}
		f.Fail(err)
		return
	}

	r.RecordOut()
	reply, err := r.link.client.Request(ctx, &gonats.Msg{Subject: r.link.subject, Data: []byte(msg)})
	if err != nil {
		f.Fail(r.failure(ctx, err, timeout))
		return
	}
	r.RecordIn()
	if f.Resolve(string(reply.Data)) {
		r.Metrics().RecordRequestDuration(r.Transport(), time.Since(started))
	}
}

// failure turns a failed request into the bus error for it. A request
// nobody subscribed to is reported as a timeout.
func (r *Requester) failure(ctx context.Context, err error, timeout time.Duration) error {
	switch {
	case r.Closed():
		return errors.WrapInvalid(errors.ErrSessionClosed, "Requester", "Send", "wait for reply")
	case stderrors.Is(ctx.Err(), context.Canceled):
		return errors.WrapTransient(ctx.Err(), "Requester", "Send", "wait for reply")
	case errors.IsTimeout(err):
		r.RecordTimeout()
		return errors.Timeout("Requester", "Send", timeout)
	case errors.IsClassified(err):
		r.RecordError(err)
		return err
	default:
		r.RecordError(err)
		return errors.WrapTransient(err, "Requester", "Send", "request")
	}
}
