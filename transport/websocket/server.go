package websocket

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/tlsutil"
	"github.com/c360/jsonrpcbus/session"
)

// acceptFunc attaches an upgraded connection to a session engine
type acceptFunc func(conn *Conn, r *http.Request) (engine.Handler, error)

// server is the listening side shared by responders and publishers
type server struct {
	base      *session.Base
	accept    acceptFunc
	readLimit int64
	upgrader  websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server
	tlsCleanup func()
	wg         sync.WaitGroup
}

// listen binds ep's address and serves upgrades on ep's path until base closes.
// TLS material is loaded before binding; bind and TLS failures are fatal.
func listen(base *session.Base, accept acceptFunc) (*server, error) {
	ep := base.Endpoint()
	readLimit, err := readLimitOf(ep)
	if err != nil {
		return nil, err
	}

	ctx, cancel := base.Context()
	tlsConfig, tlsCleanup, err := tlsutil.ForServer(ctx, ep, base.Logger())
	if err != nil {
		cancel()
		return nil, err
	}

	ln, err := net.Listen("tcp", ep.Address())
	if err != nil {
		tlsCleanup()
		cancel()
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrBindFailed, err), "websocket", "listen", "bind "+ep.Address())
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s := &server{
		base:      base,
		accept:    accept,
		readLimit: readLimit,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: base.Timeout(),
			// Bus peers are programs, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
		listener:   ln,
		tlsCleanup: func() { tlsCleanup(); cancel() },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(pathOf(ep), s.handle)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: base.Timeout(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			base.RecordError(err)
			base.Logger().Error("WebSocket server stopped", "error", err)
		}
	}()

	base.OnClose(s.stop)
	base.Logger().Info("WebSocket server listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)
	return s, nil
}

// Addr returns the bound address
func (s *server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered with an HTTP error
		s.base.Logger().Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, r.RemoteAddr, bus.SecurityFromState(r.TLS))
	h, err := s.accept(conn, r)
	if err != nil {
		s.base.Logger().Debug("Connection rejected", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	go conn.serve(h, s.readLimit)

	if err := conn.markAttached(); err != nil {
		s.base.Logger().Debug("Attach signal failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
	}
}

func (s *server) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.base.Logger().Warn("WebSocket server shutdown", "error", err)
	}
	s.wg.Wait()
	s.tlsCleanup()
}

func pathOf(ep *endpoint.Endpoint) string {
	if ep.Path == "" {
		return "/"
	}
	return ep.Path
}

// readLimitOf reads the maximum inbound frame size
func readLimitOf(ep *endpoint.Endpoint) (int64, error) {
	n, err := ep.Options.Int(endpoint.KeyReadLimit, DefaultReadLimit)
	if err != nil || n < 0 {
		if err == nil {
			err = fmt.Errorf("readLimit must not be negative")
		}
		return 0, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "websocket", "readLimitOf", "read option")
	}
	return int64(n), nil
}
