// Package transport connects the bus session model to concrete transports.
//
// A Provider creates bus.Factory values for the URI schemes it owns. A
// Registry maps transport names and schemes to providers; it is an explicit
// value built once at startup (see jsonrpcbus.DefaultRegistry) and read-only
// afterwards. Composite is a bus.Factory that routes each URI to the factory
// of its scheme, creating factories on first use.
//
// Base holds what every transport factory shares: the reference on the
// event-loop group, endpoint parsing with the scheme check, and the set of
// live sessions closed by Factory.Close.
//
//	registry := transport.NewRegistry()
//	registry.MustRegister(websocket.Provider{}, http.Provider{}, nats.Provider{})
//
//	factory, err := transport.NewComposite(registry, transport.NewOptions(
//	    transport.WithLogger(logger),
//	    transport.WithMetrics(metricsRegistry),
//	))
//	if err != nil {
//	    return err
//	}
//	defer factory.Close()
//
//	req, err := factory.Requester("ws://localhost:8080/rpc", nil)
package transport
