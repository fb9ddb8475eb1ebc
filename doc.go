// Package jsonrpcbus is a transport-agnostic messaging bus. Callers open
// sessions in one of four roles against a URI and the bus hides whether the
// wire is a native messaging system or a plain stream.
//
// # Roles
//
//   - Requester sends a request and waits for one reply
//   - Responder hands every request to a listener with the peer to answer
//   - Publisher fans messages out to subscribers by topic
//   - Subscriber receives the messages of one topic, or all with ""
//
// # Transports
//
//	┌──────────────────────────────────────────┐
//	│  bus.Factory (transport.Composite)        │  scheme → transport
//	└──────────────────┬───────────────────────┘
//	                   │
//	     ┌─────────────┼──────────────┐
//	     ↓             ↓              ↓
//	┌──────────┐ ┌───────────┐ ┌────────────┐
//	│ nats,tls │ │ ws, wss   │ │ http,https │
//	│ inboxes, │ │ one conn  │ │ POST per   │
//	│ subjects │ │ per peer  │ │ request,   │
//	│          │ │           │ │ SSE stream │
//	└──────────┘ └─────┬─────┘ └─────┬──────┘
//	                   └──────┬──────┘
//	                          ↓
//	           engine/reqrep, engine/pubsub
//	      (correlation and fan-out on streams)
//
// NATS correlates replies and fans messages out itself. On WebSocket and
// HTTP the engines synthesize both: one outstanding request per
// connection, and a bounded queue per subscriber so a slow peer never
// blocks the publisher.
//
// # Endpoint URIs
//
// Every session is configured by its URI:
//
//	ws://127.0.0.1:8080/rpc?timeout=2s&retries=3
//	https://bus.example.com/events?caFile=/etc/bus/ca.pem
//	tls://nats.internal:4222/svc/echo?queueGroup=workers
//
// See package endpoint for the option keys and pkg/tlsutil for TLS material.
//
// # Usage
//
//	f, err := jsonrpcbus.NewFactory(transport.Options{})
//	if err != nil {
//		return err
//	}
//	defer f.Close()
//
//	resp, _ := f.Responder("ws://127.0.0.1:8080/rpc", bus.MessageListenerFunc(
//		func(peer bus.PeerContext, msg string) { _ = peer.Send(msg) }))
//	req, _ := f.Requester("ws://127.0.0.1:8080/rpc", nil)
//	if err := req.AwaitConnection(ctx); err != nil {
//		return err
//	}
//	reply, err := req.SendRequest(ctx, `{"jsonrpc":"2.0","method":"ping","id":1}`)
//
// # Errors
//
// Failures are classified by package errors: IsTransient errors may succeed
// on retry, IsFatal errors (bad TLS material, unknown scheme, bind failure,
// spent retry budget) will not, and IsTimeout marks expired waits.
package jsonrpcbus
