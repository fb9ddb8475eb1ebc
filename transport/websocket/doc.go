// Package websocket carries bus sessions over WebSocket (ws, wss) using
// gorilla/websocket.
//
// Every bus message is one text frame. Responders and publishers bind the
// endpoint's host:port and upgrade requests on its path; each upgraded
// connection becomes one peer pinned to an event loop. Requesters and
// subscribers dial in the background and reconnect after a loss.
// Subscribers name their topic in the upgrade request:
//
//	ws://host:port/path?topic=<topic>
//
// Once the server has registered a connection it sends a ping with payload
// "bus:attached"; clients count as connected only after it arrives.
//
// Endpoint options: timeout, retries, retryDelay, retryMaxDelay, readLimit
// (largest inbound frame, default 1 MiB), sendQueue (per-subscriber queue of
// a publisher) and the TLS options of package tlsutil for wss.
package websocket
