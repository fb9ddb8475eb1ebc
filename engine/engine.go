package engine

import (
	"context"

	"github.com/c360/jsonrpcbus/bus"
)

// Conn is one open message channel to a remote endpoint.
// Send must be safe to call from multiple goroutines.
type Conn interface {
	Send(ctx context.Context, message string) error
	Close() error
	RemoteAddr() string
	Security() *bus.TransportSecurity
}

// Handler receives what arrives on a Conn. OnClose is called at most once,
// after which OnMessage is no longer called.
type Handler struct {
	OnMessage func(message string)
	OnClose   func(err error)

	// OnStale is used only by a Connector: it receives messages that arrive
	// on a connection after Drop, in place of OnMessage.
	OnStale func(message string)
}

// Dialer opens client connections. A Dial error that is fatal (errors.IsFatal)
// stops the connect cycle instead of being retried.
type Dialer interface {
	Dial(ctx context.Context, h Handler) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, h Handler) (Conn, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, h Handler) (Conn, error) {
	return f(ctx, h)
}
