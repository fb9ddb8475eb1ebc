package bus

import "crypto/tls"

// PeerContext is one remote endpoint as seen by a session. Send writes to
// exactly the channel the peer arrived on; after that channel closes Send
// returns errors.ErrPeerClosed.
type PeerContext interface {
	Send(message string) error
	ID() string
	RemoteAddr() string
	Security() *TransportSecurity
}

// MessageListener receives inbound messages. Calls for one connection are
// made sequentially on the event loop the connection is pinned to.
type MessageListener interface {
	OnMessage(peer PeerContext, message string)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(peer PeerContext, message string)

// OnMessage calls f(peer, message).
func (f MessageListenerFunc) OnMessage(peer PeerContext, message string) {
	f(peer, message)
}

// NopListener discards every message.
var NopListener MessageListener = MessageListenerFunc(func(PeerContext, string) {})

// TransportSecurity holds the parameters negotiated by a TLS handshake.
type TransportSecurity struct {
	Cipher   string `json:"cipher"`
	Protocol string `json:"protocol"`
}

// SecurityFromState converts a completed handshake into TransportSecurity.
// It returns nil for a nil state or an incomplete handshake.
func SecurityFromState(state *tls.ConnectionState) *TransportSecurity {
	if state == nil || !state.HandshakeComplete {
		return nil
	}
	return &TransportSecurity{
		Cipher:   tls.CipherSuiteName(state.CipherSuite),
		Protocol: tls.VersionName(state.Version),
	}
}
