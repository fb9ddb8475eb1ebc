// Package metric provides the Prometheus metrics registry used by bus
// factories, plus a small HTTP server exposing /metrics and /health.
//
// A factory created with a nil *MetricsRegistry records nothing: every
// recording method on *Metrics accepts a nil receiver.
//
//	registry := metric.NewMetricsRegistry()
//	f := websocket.NewFactory(transport.Options{Metrics: registry})
//
//	srv := metric.NewServer(":9090", "/metrics", registry, f.Health)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
// Core metrics (namespace jsonrpcbus) are labelled by transport name and
// session role: sessions_open, peers_connected, messages_sent_total,
// messages_received_total, request_duration_seconds, timeouts_total,
// late_replies_total, listener_panics_total, queue_dropped_total,
// connect_attempts_total, errors_total and the nats_* connection gauges.
//
// Components with their own collectors (the worker loop group) register
// through the MetricsRegistrar methods, keyed by owner and metric name so
// duplicates are rejected as invalid.
package metric
