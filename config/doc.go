// Package config loads the process configuration of a bus: logging, the
// event-loop group, the metrics endpoint and named endpoints.
//
// Sessions are configured by their URIs (see package endpoint); a config
// file only names them and supplies what factories share.
//
// # Loading
//
// Layers merge over Default in order, objects key by key:
//
//	cfg, err := config.NewLoader().
//		AddLayer("bus.json").
//		AddLayer("bus.production.json").
//		Load()
//
// Environment variables override the merged result:
//
//	JSONRPCBUS_LOG_LEVEL     debug|info|warn|error
//	JSONRPCBUS_LOG_FORMAT    json|text
//	JSONRPCBUS_LOOPS         event loops (0 = one per CPU)
//	JSONRPCBUS_QUEUE_SIZE    per-loop task queue
//	JSONRPCBUS_TIMEOUT       default session timeout ("10s", "1d")
//	JSONRPCBUS_METRICS_ADDR  enables metrics on this address
//
// Files must be regular .json files under 1MB; paths containing ".." are
// rejected.
//
// # Runtime updates
//
// SafeConfig guards a configuration that may be swapped while running. Get
// returns a deep copy and Update validates before replacing.
package config
