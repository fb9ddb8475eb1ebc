// Package worker provides the event loop group that runs bus callbacks.
//
// A Group owns a fixed number of loops, each a single goroutine draining a
// bounded task queue. Every connection or session is pinned to one loop
// (round robin through Next) and submits its listener callbacks there, which
// gives per-connection ordering without a goroutine per message:
//
//	g := worker.AcquireShared(0, 0, worker.WithLogger(logger))
//	defer g.Release()
//
//	loop := g.Next()
//	_ = loop.Submit(func() {
//	    listener.OnMessage(peer, msg)
//	})
//
// Groups are reference counted. Factories call Acquire when they are created
// with an explicit group and Release when they close; the last Release stops
// the loops after running any tasks already queued. A panic in a task is
// recovered and logged, and the loop keeps running.
//
// With WithMetricsRegistry the group registers per-loop queue depth, task
// count and task duration collectors under the jsonrpcbus_worker_ prefix.
package worker
