package jsonrpcbus

import (
	"github.com/c360/jsonrpcbus/transport"
	"github.com/c360/jsonrpcbus/transport/http"
	"github.com/c360/jsonrpcbus/transport/nats"
	"github.com/c360/jsonrpcbus/transport/websocket"
)

// DefaultRegistry returns a registry holding every built-in transport:
// nats (nats, tls), websocket (ws, wss) and http (http, https).
// Each call builds a new registry.
func DefaultRegistry() *transport.Registry {
	return transport.NewRegistry().MustRegister(
		nats.Provider{},
		websocket.Provider{},
		http.Provider{},
	)
}

// NewFactory creates a factory that accepts every built-in scheme
func NewFactory(opts transport.Options) (*transport.Composite, error) {
	return transport.NewComposite(DefaultRegistry(), opts)
}
