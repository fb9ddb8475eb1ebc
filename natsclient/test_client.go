package natsclient

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServer is a nats-server container with a connected Client
type TestServer struct {
	container testcontainers.Container
	Client    *Client
	URL       string
}

type testConfig struct {
	image        string
	timeout      time.Duration
	startTimeout time.Duration
	args         []string
}

// TestOption configures NewTestClient
type TestOption func(*testConfig)

// WithImage selects the nats-server image tag
func WithImage(tag string) TestOption {
	return func(cfg *testConfig) { cfg.image = "nats:" + tag }
}

// WithServerArgs passes extra command line arguments to nats-server
func WithServerArgs(args ...string) TestOption {
	return func(cfg *testConfig) { cfg.args = append(cfg.args, args...) }
}

// WithFastStartup shortens the container and connect timeouts
func WithFastStartup() TestOption {
	return func(cfg *testConfig) {
		cfg.timeout = 2 * time.Second
		cfg.startTimeout = 10 * time.Second
	}
}

// StartTestServer starts a container; callers own Terminate
func StartTestServer(ctx context.Context, opts ...TestOption) (*TestServer, error) {
	cfg := &testConfig{
		image:        "nats:2.10-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          append([]string{"--port", "4222", "--http_port", "8222"}, cfg.args...),
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}
	ts := &TestServer{container: container}

	host, err := container.Host(ctx)
	if err != nil {
		_ = ts.Terminate()
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = ts.Terminate()
		return nil, fmt.Errorf("container port: %w", err)
	}
	ts.URL = fmt.Sprintf("nats://%s:%s", host, port.Port())

	ts.Client, err = NewClient(ts.URL, WithTimeout(cfg.timeout), WithRetryOnFailedConnect(false))
	if err != nil {
		_ = ts.Terminate()
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := ts.Client.Connect(connectCtx); err != nil {
		_ = ts.Terminate()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	if err := ts.Client.WaitForConnection(connectCtx); err != nil {
		_ = ts.Terminate()
		return nil, fmt.Errorf("NATS connection not ready: %w", err)
	}
	return ts, nil
}

// NewTestClient starts a container that is removed when the test ends
func NewTestClient(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()
	ts, err := StartTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NATS test server: %v", err)
	}
	t.Cleanup(func() { _ = ts.Terminate() })
	return ts
}

// BusURL returns a bus endpoint URI for subject on the test server
func (ts *TestServer) BusURL(subject string, query ...string) string {
	uri := ts.URL + "/" + strings.TrimPrefix(subject, "/")
	if len(query) > 0 {
		uri += "?" + strings.Join(query, "&")
	}
	return uri
}

// Stop stops the container so clients see the server disappear
func (ts *TestServer) Stop(ctx context.Context) error {
	timeout := 5 * time.Second
	return ts.container.Stop(ctx, &timeout)
}

// Terminate closes the client and removes the container
func (ts *TestServer) Terminate() error {
	if ts.Client != nil {
		_ = ts.Client.Close(context.Background())
	}
	return ts.container.Terminate(context.Background())
}
