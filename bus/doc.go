// Package bus defines the transport-agnostic session model.
//
// A caller opens one of four roles against an endpoint URI through a Factory:
//
//   - Requester: sends a request and waits for exactly one reply.
//   - Responder: receives requests; replies go back through the PeerContext.
//   - Publisher: fans messages out to subscribers by topic.
//   - Subscriber: receives published messages for one topic, or all of them.
//
// The same code runs over NATS, where correlation and fan-out are native, and
// over HTTP or WebSocket, where the engine packages synthesize them.
//
//	f := websocket.NewFactory(transport.Options{})
//	defer f.Close()
//
//	responder, err := f.Responder("ws://127.0.0.1:9000/rpc", bus.MessageListenerFunc(
//	    func(peer bus.PeerContext, msg string) { _ = peer.Send(msg) },
//	))
//
//	requester, err := f.Requester("ws://127.0.0.1:9000/rpc", nil)
//	reply, err := requester.SendRequest(ctx, `{"jsonrpc":"2.0","method":"ping","id":1}`)
//
// Every blocking call is bounded by both its context and the session timeout.
// Failures are classified with the errors package: IsTimeout and IsTransient
// mark conditions worth retrying, IsFatal marks sessions that cannot work
// without a configuration change.
package bus
