// Package pubsub implements topic fan-out for transports that only offer
// point-to-point connections.
//
// A Hub holds one bounded queue and one writer goroutine per attached
// subscriber. Publish only enqueues, so a slow subscriber never delays the
// publisher or its siblings; when its queue is full the oldest message is
// dropped and counted in jsonrpcbus_queue_drops_total. Each subscriber sees
// messages in publish order.
//
// Topics are matched with bus.MatchTopic: a subscriber with topic "" receives
// everything, any other subscriber receives exact matches only.
package pubsub
