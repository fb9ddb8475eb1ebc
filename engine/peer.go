package engine

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/session"
)

// ConnPeer is the PeerContext for one Conn. It becomes invalid when the
// connection closes; Send then returns ErrPeerClosed.
type ConnPeer struct {
	id     string
	base   *session.Base
	conn   Conn
	closed atomic.Bool
}

// NewConnPeer wraps conn for the session owning base
func NewConnPeer(base *session.Base, conn Conn) *ConnPeer {
	return &ConnPeer{id: uuid.NewString(), base: base, conn: conn}
}

// Send writes message to exactly this peer's connection
func (p *ConnPeer) Send(message string) error {
	if p.closed.Load() {
		return errors.WrapInvalid(errors.ErrPeerClosed, "Peer", "Send", "write to "+p.conn.RemoteAddr())
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.base.Timeout())
	defer cancel()

	if err := p.conn.Send(ctx, message); err != nil {
		p.base.RecordError(err)
		if errors.IsClassified(err) {
			return err
		}
		return errors.WrapTransient(err, "Peer", "Send", "write to "+p.conn.RemoteAddr())
	}
	p.base.RecordOut()
	return nil
}

// Invalidate marks the peer's connection as gone
func (p *ConnPeer) Invalidate() {
	p.closed.Store(true)
}

// Valid reports whether the connection is still open
func (p *ConnPeer) Valid() bool {
	return !p.closed.Load()
}

// Conn returns the underlying connection
func (p *ConnPeer) Conn() Conn { return p.conn }

// ID returns a unique id for this peer
func (p *ConnPeer) ID() string { return p.id }

// RemoteAddr returns the remote network address
func (p *ConnPeer) RemoteAddr() string { return p.conn.RemoteAddr() }

// Security returns the negotiated TLS parameters, nil for plaintext
func (p *ConnPeer) Security() *bus.TransportSecurity { return p.conn.Security() }

// RemotePeer is the PeerContext a client session hands its listener for the
// server it is connected to. Send writes to the connector's current connection.
type RemotePeer struct {
	base      *session.Base
	connector *Connector
}

// NewRemotePeer creates the server-side peer view for a client session
func NewRemotePeer(base *session.Base, connector *Connector) *RemotePeer {
	return &RemotePeer{base: base, connector: connector}
}

// Send writes message to the server, failing fast when not connected
func (p *RemotePeer) Send(message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.base.Timeout())
	defer cancel()

	conn, err := p.connector.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return errors.WrapInvalid(errors.ErrPeerClosed, "RemotePeer", "Send", "wait for connection")
		}
		return err
	}
	if err := conn.Send(ctx, message); err != nil {
		p.base.RecordError(err)
		if errors.IsClassified(err) {
			return err
		}
		return errors.WrapTransient(err, "RemotePeer", "Send", "write to "+conn.RemoteAddr())
	}
	p.base.RecordOut()
	return nil
}

// ID returns the owning session's id
func (p *RemotePeer) ID() string { return p.base.ID() }

// RemoteAddr returns the server address from the endpoint
func (p *RemotePeer) RemoteAddr() string { return p.base.Endpoint().Address() }

// Security returns the negotiated TLS parameters of the current connection
func (p *RemotePeer) Security() *bus.TransportSecurity { return p.connector.Security() }
