// Package natsclient owns the NATS connection behind a bus session.
//
// A Client wraps one *nats.Conn with a bounded reconnect budget, connection
// state tracking and Prometheus reporting. Connect returns as soon as the
// connection object exists; with RetryOnFailedConnect (the default) the
// first dial continues in the background and WaitForConnection reports when
// the server answers:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMaxReconnects(20),
//	    natsclient.WithReconnectWait(250*time.Millisecond),
//	    natsclient.WithMetrics(registry.CoreMetrics()),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// # States
//
//	Disconnected → Connecting → Connected ⇄ Reconnecting
//	                                ↓ budget spent
//	                           Disconnected (Connect starts over)
//
// Close moves to Closed from any state.
//
// # Errors
//
// Authentication and TLS failures on Connect are fatal; missing responders
// and expired request contexts are transient errors.ErrTimeout; requests on
// a connection that is still dialing fail with errors.ErrNotReady.
//
// # Testing
//
// NewTestClient starts a nats-server container with testcontainers and
// returns a connected Client; tests using it carry the integration build tag.
package natsclient
