// Package reqrep implements request-reply over message channels that carry
// no correlation ids, such as a WebSocket connection.
//
// Requester state machine:
//
//	disconnected -> connecting -> ready <-> awaiting reply -> closed
//
// A request holds the single slot of its session until the reply arrives or
// the session timeout expires. Concurrent Send calls wait for the slot, so
// replies never interleave. The first message received after a request is
// written resolves it. Answered requests reuse the connection. On timeout the
// request is discarded along with its connection, and the next request waits
// for a new one; anything still read from the old connection is dropped and
// counted in jsonrpcbus_late_replies_total. Messages that arrive with nothing
// pending go to the requester's listener.
//
// The Responder side pairs each message with the PeerContext of the
// connection it arrived on. Listener panics are recovered on the event loop
// and only affect the message that caused them.
package reqrep
