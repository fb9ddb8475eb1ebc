package metric

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
)

// HealthFunc reports the current process health for the /health endpoint
type HealthFunc func() health.Status

// Server exposes /metrics (Prometheus) and /health (JSON) over HTTP
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	health   HealthFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a metrics server bound to addr once Start is called
func NewServer(addr, path string, registry *MetricsRegistry, healthFn HealthFunc) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		health:   healthFn,
	}
}

// Handler builds the mux served by Start
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		st := health.NewHealthy("jsonrpcbus", "ok")
		if s.health != nil {
			st = s.health()
		}
		w.Header().Set("Content-Type", "application/json")
		if st.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	})

	return mux
}

// Start binds the listener and serves in the background.
// Bind errors are returned; serve errors after a successful bind are not.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: nil metrics registry", errors.ErrMissingConfig),
			"Server", "Start", "start metrics server")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailed, err), "Server", "Start", "bind "+s.addr)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	go func() {
		_ = srv.Serve(ln)
	}()

	return nil
}

// Stop closes the server; it can be started again afterwards
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "close metrics server")
	}
	return nil
}

// Address returns the metrics URL, using the bound port once started
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := s.addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return fmt.Sprintf("http://%s%s", addr, s.path)
}
