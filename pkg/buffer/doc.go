// Package buffer provides the bounded FIFO queue that sits between a
// publisher and each attached peer.
//
// A publish never blocks on a slow peer: with the default DropOldest policy
// the oldest pending message is discarded to make room, the drop callback
// fires (the pubsub hub counts it in jsonrpcbus_queue_dropped_total) and the
// peer's writer keeps draining in FIFO order.
//
//	q := buffer.New[string](256, buffer.WithDropCallback(func(string) {
//	    metrics.RecordQueueDrop("websocket", 1)
//	}))
//
//	// writer goroutine
//	for {
//	    select {
//	    case <-q.Ready():
//	        for _, msg := range q.ReadBatch(64) {
//	            _ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
//	        }
//	    case <-q.Done():
//	        return
//	    }
//	}
//
// DropNewest discards the incoming item instead; Block makes WriteContext
// wait for space until its context ends.
package buffer
