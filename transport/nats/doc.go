// Package nats maps bus sessions onto a NATS server.
//
// The endpoint path names the subject, with slashes turned into dots:
// nats://127.0.0.1:4222/rpc/echo works on subject "rpc.echo". The tls
// scheme connects with TLS using the client options of pkg/tlsutil.
//
// Request-reply uses NATS inboxes, so a Requester may have many requests in
// flight. Every request reaching a Responder becomes a single-use
// PeerContext whose Send publishes to the request's inbox. A queueGroup
// option spreads requests over the responders sharing it. A request with
// no responder subscribed fails as a timeout right away.
//
// Publish-subscribe uses one subject per endpoint; the topic travels in the
// Bus-Topic header and subscribers filter on it, so topics are compared
// exactly whatever characters they contain. The server does the fan-out, so
// Publisher.Peers is always 0 and DisconnectAll has nothing to close.
//
// Each session owns one natsclient.Client. Client sessions retry their
// first connection within the session timeout (or retries times when set);
// server sessions reconnect for as long as they are open.
//
// The listener given to a Requester is not used: NATS only delivers
// replies to the request that is waiting for them.
package nats
