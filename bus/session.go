package bus

import (
	"context"
	"time"
)

// SessionType identifies which of the four endpoint roles a session plays.
// It is fixed at construction.
type SessionType int

// Session roles
const (
	TypeRequester SessionType = iota + 1
	TypeResponder
	TypePublisher
	TypeSubscriber
)

// String returns the lower-case role name
func (t SessionType) String() string {
	switch t {
	case TypeRequester:
		return "requester"
	case TypeResponder:
		return "responder"
	case TypePublisher:
		return "publisher"
	case TypeSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// IsServer reports whether the role binds a listener (responder, publisher).
func (t SessionType) IsServer() bool {
	return t == TypeResponder || t == TypePublisher
}

// DefaultTimeout bounds every blocking wait when the URI sets no timeout.
const DefaultTimeout = 10 * time.Second

// Session is the behavior common to every endpoint role.
type Session interface {
	// Close releases the session's channels. It is idempotent and always returns nil.
	Close() error
	SessionType() SessionType
	// Timeout is the bound for the next blocking wait.
	Timeout() time.Duration
	// SetTimeout changes the bound for waits that start after the call.
	SetTimeout(d time.Duration)
	// SetTimeoutToDefault restores the timeout the session was created with.
	SetTimeoutToDefault()
	URI() string
}

// ClientSession is a session that dials out (requester, subscriber).
type ClientSession interface {
	Session
	// AwaitConnection blocks until the channel is ready, ctx ends, or the
	// session timeout expires (errors.ErrTimeout).
	AwaitConnection(ctx context.Context) error
	IsReady() bool
	// Security returns the negotiated TLS parameters, nil for plaintext channels.
	Security() *TransportSecurity
}

// ServerSession is a session that accepts peers (responder, publisher).
type ServerSession interface {
	Session
	// DisconnectAll closes every attached peer. The session keeps listening.
	DisconnectAll()
	// Peers returns the number of attached peers.
	Peers() int
}

// Requester sends requests and waits for one reply each.
type Requester interface {
	ClientSession
	// Send writes msg and returns a Future that resolves with the reply.
	Send(msg string) *Future
	// SendRequest is Send followed by Get, bounded by ctx and the session timeout.
	SendRequest(ctx context.Context, msg string) (string, error)
}

// Responder delivers each inbound request to its listener; replies go through PeerContext.Send.
type Responder interface {
	ServerSession
}

// Publisher fans a message out to every subscriber whose topic matches.
type Publisher interface {
	ServerSession
	Publish(msg, topic string) error
}

// Subscriber receives published messages for its topic ("" receives everything).
type Subscriber interface {
	ClientSession
	Topic() string
}

// Stats is a point-in-time snapshot of a session's traffic counters.
type Stats struct {
	MessagesIn   uint64    `json:"messages_in"`
	MessagesOut  uint64    `json:"messages_out"`
	Errors       uint64    `json:"errors"`
	Timeouts     uint64    `json:"timeouts"`
	LastActivity time.Time `json:"last_activity"`
}

// StatsReporter is implemented by sessions that track traffic counters.
type StatsReporter interface {
	Stats() Stats
}

// MatchTopic reports whether a subscriber registered for sub receives a message published on pub.
// An empty subscriber topic receives everything; otherwise topics must be equal.
func MatchTopic(sub, pub string) bool {
	return sub == "" || sub == pub
}
