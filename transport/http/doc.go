// Package http carries bus sessions over HTTP/1.1 and HTTPS.
//
// Request-reply: a Requester POSTs each message to the endpoint path and
// the response body is the reply. HTTP pairs responses with requests, so a
// Requester may have many requests in flight. On the Responder each POST
// becomes a single-use PeerContext; the first Send is the 200 response. A
// request nobody answers within the responder's timeout gets 504, which the
// Requester reports as a timeout, and a panicking listener gets 500.
//
// Requesters have no persistent connection. Readiness means the server
// accepted a TCP connection (and TLS handshake for https) on the last check;
// a request failing at the network level starts a new check.
//
// Publish-subscribe: a Subscriber holds a server-sent event stream open with
// GET <path>?topic=<topic>. Each published message is one event whose data
// lines are the message's lines.
//
//	f, _ := http.NewFactory(transport.Options{})
//	defer f.Close()
//	resp, _ := f.Responder("http://127.0.0.1:8080/rpc", bus.MessageListenerFunc(
//		func(peer bus.PeerContext, msg string) { _ = peer.Send(msg) }))
//	req, _ := f.Requester("http://127.0.0.1:8080/rpc?timeout=2s", nil)
//	reply, err := req.SendRequest(ctx, `{"jsonrpc":"2.0","method":"ping","id":1}`)
package http
