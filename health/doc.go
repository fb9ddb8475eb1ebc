// Package health reports readiness of bus sessions and factories.
//
// Three states are used:
//   - healthy: server sessions that are listening, client sessions that are connected
//   - degraded: client sessions still connecting or retrying
//   - unhealthy: closed sessions
//
// Each factory aggregates its live sessions with Aggregate; busctl serves the
// result on /health. Error messages attached to degraded statuses are
// sanitized so URLs, addresses and credentials are not exposed.
//
//	st := health.FromSession(health.SessionState{
//	    Name:  "requester ws://127.0.0.1:9000/rpc",
//	    Type:  bus.TypeRequester,
//	    Ready: requester.IsReady(),
//	})
package health
