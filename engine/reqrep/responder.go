package reqrep

import (
	"sync"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
)

// Responder pairs every inbound request with the peer it arrived on. The
// transport accepts connections and hands each one to Attach.
type Responder struct {
	*session.Base

	group    *worker.Group
	listener bus.MessageListener

	mu    sync.Mutex
	peers map[string]*engine.ConnPeer
}

// NewResponder creates a responder delivering requests to listener on group's loops.
// A nil listener never replies, so requesters time out.
func NewResponder(base *session.Base, group *worker.Group, listener bus.MessageListener) *Responder {
	if listener == nil {
		listener = bus.NopListener
	}
	r := &Responder{
		Base:     base,
		group:    group,
		listener: listener,
		peers:    make(map[string]*engine.ConnPeer),
	}
	base.OnClose(r.DisconnectAll)
	return r
}

// Attach registers a newly accepted connection and returns the handler the
// transport must feed with the connection's messages and its close.
func (r *Responder) Attach(conn engine.Conn) (engine.Handler, error) {
	if err := r.CheckOpen("Attach"); err != nil {
		_ = conn.Close()
		return engine.Handler{}, err
	}

	peer := engine.NewConnPeer(r.Base, conn)
	dispatch := engine.NewDispatcher(r.Base, r.group, r.listener)

	r.mu.Lock()
	r.peers[peer.ID()] = peer
	r.mu.Unlock()
	r.Metrics().PeerAttached(r.Transport(), r.SessionType().String())
	r.Logger().Debug("Peer attached", "peer", peer.ID(), "remote", conn.RemoteAddr())

	var once sync.Once
	return engine.Handler{
		OnMessage: func(msg string) {
			if err := dispatch.Deliver(peer, msg, nil); err != nil {
				r.Logger().Warn("Dropped request", "peer", peer.ID(), "error", err)
			}
		},
		OnClose: func(err error) {
			once.Do(func() { r.detach(peer, err) })
		},
	}, nil
}

func (r *Responder) detach(peer *engine.ConnPeer, err error) {
	peer.Invalidate()
	r.mu.Lock()
	_, ok := r.peers[peer.ID()]
	delete(r.peers, peer.ID())
	r.mu.Unlock()
	if ok {
		r.Metrics().PeerDetached(r.Transport(), r.SessionType().String())
		r.Logger().Debug("Peer detached", "peer", peer.ID(), "error", err)
	}
}

// Dispatch delivers one request whose reply path is owned by peer, as HTTP
// does with its per-request peers. done reports whether the listener panicked.
func (r *Responder) Dispatch(peer bus.PeerContext, msg string, done func(panicked bool)) error {
	if err := r.CheckOpen("Dispatch"); err != nil {
		return err
	}
	d := engine.NewDispatcher(r.Base, r.group, r.listener)
	if err := d.Deliver(peer, msg, done); err != nil {
		return errors.WrapTransient(err, "Responder", "Dispatch", "deliver request")
	}
	return nil
}

// DisconnectAll closes every attached connection; the responder keeps listening
func (r *Responder) DisconnectAll() {
	r.mu.Lock()
	peers := make([]*engine.ConnPeer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.Invalidate()
		_ = p.Conn().Close()
	}
}

// Peers returns the number of attached connections
func (r *Responder) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Health reports the session's readiness
func (r *Responder) Health() health.Status {
	return health.FromSession(r.State(true, r.Peers()))
}
