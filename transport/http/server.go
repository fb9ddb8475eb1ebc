package http

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/tlsutil"
	"github.com/c360/jsonrpcbus/session"
)

const shutdownGrace = 5 * time.Second

// server is the listening side shared by responders and publishers. It
// tracks every in-flight exchange so DisconnectAll can abort them.
type server struct {
	base       *session.Base
	readLimit  int64
	listener   net.Listener
	httpServer *http.Server
	tlsCleanup func()
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// listen binds ep's address and serves the handler built by mount on ep's
// path until base closes. Request contexts end when the session closes.
func listen(base *session.Base, mount func(*server) http.HandlerFunc) (*server, error) {
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
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrBindFailed, err), Name, "listen", "bind "+ep.Address())
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	s := &server{
		base:       base,
		readLimit:  readLimit,
		listener:   ln,
		tlsCleanup: func() { tlsCleanup(); cancel() },
		active:     make(map[string]context.CancelFunc),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(pathOf(ep), mount(s))
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: base.Timeout(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			base.RecordError(err)
			base.Logger().Error("HTTP server stopped", "error", err)
		}
	}()

	base.OnClose(s.stop)
	base.Logger().Info("HTTP server listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)
	return s, nil
}

// Addr returns the bound address
func (s *server) Addr() net.Addr {
	return s.listener.Addr()
}

// begin registers an exchange; the returned context ends when the client
// goes away, the session closes or DisconnectAll runs.
func (s *server) begin(r *http.Request) (context.Context, func()) {
	ctx, cancel := context.WithCancel(r.Context())
	id := uuid.NewString()
	s.mu.Lock()
	s.active[id] = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		cancel()
	}
}

// abortAll ends every in-flight exchange
func (s *server) abortAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.active))
	for _, cancel := range s.active {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// inFlight returns the number of exchanges being served
func (s *server) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *server) stop() {
	s.abortAll()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.base.Logger().Warn("HTTP server shutdown", "error", err)
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

// readLimitOf reads the maximum accepted message size
func readLimitOf(ep *endpoint.Endpoint) (int64, error) {
	n, err := ep.Options.Int(endpoint.KeyReadLimit, DefaultReadLimit)
	if err != nil || n < 0 {
		if err == nil {
			err = fmt.Errorf("readLimit must not be negative")
		}
		return 0, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), Name, "readLimitOf", "read option")
	}
	return int64(n), nil
}
