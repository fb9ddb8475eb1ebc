package nats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gonats "github.com/nats-io/nats.go"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/session"
)

// replyPeer is the PeerContext for one received message. Send publishes to
// the message's reply inbox once; messages without one cannot be answered.
type replyPeer struct {
	id    string
	inbox string
	link  *link
	used  atomic.Bool
	done  func(*replyPeer)
}

var _ bus.PeerContext = (*replyPeer)(nil)

func newReplyPeer(l *link, inbox string, done func(*replyPeer)) *replyPeer {
	return &replyPeer{id: uuid.NewString(), inbox: inbox, link: l, done: done}
}

// Send publishes message to the requester's inbox
func (p *replyPeer) Send(message string) error {
	if p.inbox == "" || !p.used.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrPeerClosed, "nats.Peer", "Send", "reply to "+p.RemoteAddr())
	}
	if p.done != nil {
		defer p.done(p)
	}
	if err := p.link.client.Publish(&gonats.Msg{Subject: p.inbox, Data: []byte(message)}); err != nil {
		p.link.base.RecordError(err)
		return err
	}
	p.link.base.RecordOut()
	return nil
}

func (p *replyPeer) invalidate() { p.used.Store(true) }

// ID returns a unique id for this message's peer
func (p *replyPeer) ID() string { return p.id }

// RemoteAddr returns the reply inbox, or the session subject when there is none
func (p *replyPeer) RemoteAddr() string {
	if p.inbox != "" {
		return p.inbox
	}
	return p.link.subject
}

// Security returns the TLS parameters of the session's server connection
func (p *replyPeer) Security() *bus.TransportSecurity { return p.link.security() }

// Responder subscribes to the session subject, in the queueGroup when one is
// set, and hands every request to its listener with a single-use peer.
type Responder struct {
	*session.Base
	link     *link
	dispatch *engine.Dispatcher

	mu      sync.Mutex
	pending map[string]*replyPeer
}

var _ bus.Responder = (*Responder)(nil)

func newResponder(base *session.Base, l *link, dispatch *engine.Dispatcher, queue string) (*Responder, error) {
	r := &Responder{Base: base, link: l, dispatch: dispatch, pending: make(map[string]*replyPeer)}
	if _, err := l.client.Subscribe(l.subject, queue, r.onRequest); err != nil {
		return nil, err
	}
	if l.ready() {
		ctx, cancel := context.WithTimeout(context.Background(), base.Timeout())
		defer cancel()
		if err := l.client.Flush(ctx); err != nil {
			base.Logger().Debug("Subscription not confirmed", "error", err)
		}
	}
	base.Logger().Debug("Responder subscribed", "subject", l.subject, "queue", queue)
	return r, nil
}

func (r *Responder) onRequest(m *gonats.Msg) {
	if r.Closed() {
		return
	}
	p := newReplyPeer(r.link, m.Reply, r.forget)
	if p.inbox != "" {
		r.mu.Lock()
		r.pending[p.id] = p
		r.mu.Unlock()
		time.AfterFunc(r.Timeout(), func() { r.forget(p) })
	}
	if err := r.dispatch.Deliver(p, string(m.Data), nil); err != nil {
		r.forget(p)
		r.Logger().Warn("Dropped request", "subject", m.Subject, "error", err)
	}
}

func (r *Responder) forget(p *replyPeer) {
	r.mu.Lock()
	delete(r.pending, p.id)
	r.mu.Unlock()
}

// DisconnectAll invalidates the peers of unanswered requests. The
// subscription stays.
func (r *Responder) DisconnectAll() {
	r.mu.Lock()
	peers := r.pending
	r.pending = make(map[string]*replyPeer)
	r.mu.Unlock()
	for _, p := range peers {
		p.invalidate()
	}
}

// Peers returns the number of requests waiting for a reply
func (r *Responder) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Health reports the session's readiness
func (r *Responder) Health() health.Status {
	return r.link.serverHealth(r.Peers())
}
