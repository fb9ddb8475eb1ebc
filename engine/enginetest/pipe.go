// Package enginetest provides an in-memory network for testing engines
// without sockets.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
)

// AcceptFunc receives the server side of a new connection and returns its handler
type AcceptFunc func(conn engine.Conn) (engine.Handler, error)

// Network connects dialers to an accept function through in-memory pipes
type Network struct {
	mu     sync.Mutex
	accept AcceptFunc
	dials  atomic.Int32
	conns  []*Conn
}

// NewNetwork creates a network with nothing listening
func NewNetwork() *Network {
	return &Network{}
}

// Serve starts accepting connections with accept
func (n *Network) Serve(accept AcceptFunc) {
	n.mu.Lock()
	n.accept = accept
	n.mu.Unlock()
}

// Stop refuses new connections and closes the open ones
func (n *Network) Stop() {
	n.mu.Lock()
	n.accept = nil
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Dials returns how many Dial calls were made
func (n *Network) Dials() int {
	return int(n.dials.Load())
}

// Dial implements engine.Dialer
func (n *Network) Dial(ctx context.Context, h engine.Handler) (engine.Conn, error) {
	return n.dial(ctx, h, "")
}

// DialerWith returns a dialer whose server ends carry meta, as a handshake
// parameter would.
func (n *Network) DialerWith(meta string) engine.Dialer {
	return engine.DialerFunc(func(ctx context.Context, h engine.Handler) (engine.Conn, error) {
		return n.dial(ctx, h, meta)
	})
}

func (n *Network) dial(ctx context.Context, h engine.Handler, meta string) (engine.Conn, error) {
	n.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	accept := n.accept
	n.mu.Unlock()
	if accept == nil {
		return nil, fmt.Errorf("dial pipe: connection refused")
	}

	client, server := Pipe("client", "server")
	server.Meta = meta
	sh, err := accept(server)
	if err != nil {
		return nil, err
	}
	server.Start(sh)
	client.Start(h)

	n.mu.Lock()
	n.conns = append(n.conns, client)
	n.mu.Unlock()
	return client, nil
}

// Conn is one end of an in-memory pipe
type Conn struct {
	addr  string
	other *Conn
	inbox chan string
	done  chan struct{}
	once  *sync.Once
	sent  atomic.Int32

	// Meta is what the dialing side passed with DialerWith
	Meta string
	// SendHook, when set, replaces delivery for Send calls on this end
	SendHook func(msg string) error
}

// Pipe creates two connected ends
func Pipe(a, b string) (*Conn, *Conn) {
	done := make(chan struct{})
	once := &sync.Once{}
	ca := &Conn{addr: b, inbox: make(chan string, 1024), done: done, once: once}
	cb := &Conn{addr: a, inbox: make(chan string, 1024), done: done, once: once}
	ca.other, cb.other = cb, ca
	return ca, cb
}

// Start begins delivering inbound messages to h
func (c *Conn) Start(h engine.Handler) {
	go func() {
		for {
			select {
			case msg := <-c.inbox:
				if h.OnMessage != nil {
					h.OnMessage(msg)
				}
			case <-c.done:
				c.drain(h)
				if h.OnClose != nil {
					h.OnClose(nil)
				}
				return
			}
		}
	}()
}

// drain delivers what was written before the close, as a socket would
func (c *Conn) drain(h engine.Handler) {
	for {
		select {
		case msg := <-c.inbox:
			if h.OnMessage != nil {
				h.OnMessage(msg)
			}
		default:
			return
		}
	}
}

// Send queues msg for the other end
func (c *Conn) Send(ctx context.Context, msg string) error {
	if c.SendHook != nil {
		return c.SendHook(msg)
	}
	select {
	case <-c.done:
		return errors.WrapInvalid(errors.ErrPeerClosed, "pipe", "Send", "write")
	default:
	}
	select {
	case c.other.inbox <- msg:
		c.sent.Add(1)
		return nil
	case <-c.done:
		return errors.WrapInvalid(errors.ErrPeerClosed, "pipe", "Send", "write")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns how many messages this end has written
func (c *Conn) Sent() int {
	return int(c.sent.Load())
}

// Close closes both ends
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// RemoteAddr returns the name of the other end
func (c *Conn) RemoteAddr() string { return c.addr }

// Security is always nil for pipes
func (c *Conn) Security() *bus.TransportSecurity { return nil }
