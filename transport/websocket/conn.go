package websocket

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/tlsutil"
)

// closeGrace bounds the close handshake and control frame writes
const closeGrace = time.Second

// attachedPing is the payload of the ping a server sends once the connection
// is registered with its session. Other clients answer it like any ping.
const attachedPing = "bus:attached"

// Conn is one WebSocket connection carrying text frames.
// gorilla/websocket allows one concurrent writer, so writes are serialized.
type Conn struct {
	ws       *websocket.Conn
	remote   string
	security *bus.TransportSecurity

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ engine.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, remote string, security *bus.TransportSecurity) *Conn {
	if remote == "" {
		remote = ws.RemoteAddr().String()
	}
	return &Conn{ws: ws, remote: remote, security: security, closed: make(chan struct{})}
}

// securityOf reads the negotiated TLS parameters of a client connection
func securityOf(ws *websocket.Conn) *bus.TransportSecurity {
	if tc, ok := ws.UnderlyingConn().(*tls.Conn); ok {
		return tlsutil.Negotiated(tc.ConnectionState())
	}
	return nil
}

// Send writes message as one text frame, bounded by ctx's deadline
func (c *Conn) Send(ctx context.Context, message string) error {
	select {
	case <-c.closed:
		return errors.WrapInvalid(errors.ErrPeerClosed, "websocket.Conn", "Send", "write frame")
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(message)); err != nil {
		return errors.WrapTransient(err, "websocket.Conn", "Send", "write frame")
	}
	return nil
}

// markAttached tells the dialing side that the server session has registered it
func (c *Conn) markAttached() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte(attachedPing), time.Now().Add(closeGrace))
}

// expectAttached returns a channel closed when the server's attach ping
// arrives. Pings are still answered with pongs. Call before serve.
func (c *Conn) expectAttached() <-chan struct{} {
	attached := make(chan struct{})
	var once sync.Once
	c.ws.SetPingHandler(func(data string) error {
		if data == attachedPing {
			once.Do(func() { close(attached) })
		}
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(closeGrace))
		if err != nil && !stderrors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})
	return attached
}

// Close sends a normal close frame and closes the socket. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

// RemoteAddr returns the peer's network address
func (c *Conn) RemoteAddr() string { return c.remote }

// Security returns the negotiated TLS parameters, nil for ws://
func (c *Conn) Security() *bus.TransportSecurity { return c.security }

// serve reads frames until the connection ends and feeds them to h.
// An orderly close is reported as a nil error.
func (c *Conn) serve(h engine.Handler, readLimit int64) {
	if readLimit > 0 {
		c.ws.SetReadLimit(readLimit)
	}
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if h.OnClose != nil {
				h.OnClose(readError(err))
			}
			_ = c.Close()
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(string(data))
		}
	}
}

func readError(err error) error {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return nil
	case stderrors.Is(err, net.ErrClosed):
		return nil
	case stderrors.Is(err, websocket.ErrReadLimit):
		return errors.WrapInvalid(err, "websocket.Conn", "serve", "read frame")
	default:
		return err
	}
}
