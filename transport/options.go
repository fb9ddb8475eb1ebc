package transport

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/metric"
	"github.com/c360/jsonrpcbus/pkg/worker"
)

// DefaultQueueSize is the task queue length of each event loop
const DefaultQueueSize = 1024

// Options configures a factory. The zero value is usable: sessions log to
// slog.Default(), metrics are disabled and the process-wide event-loop group
// is shared.
type Options struct {
	Logger *slog.Logger
	// Metrics enables Prometheus reporting; nil disables it
	Metrics *metric.MetricsRegistry
	// Group is the event-loop group to share; the factory acquires a reference
	Group *worker.Group
	// Loops sizes the group created when Group is nil
	Loops int
	// QueueSize is the per-loop task queue length of a created group
	QueueSize int
	// DefaultTimeout applies to sessions whose URI sets no timeout
	DefaultTimeout time.Duration
}

// Option is a functional option for building Options
type Option func(*Options)

// WithLogger sets the parent logger of every session
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithMetrics enables Prometheus metrics on registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Options) {
		o.Metrics = registry
	}
}

// WithGroup shares an existing event-loop group
func WithGroup(group *worker.Group) Option {
	return func(o *Options) {
		o.Group = group
	}
}

// WithLoops sets the number of event loops of a created group
func WithLoops(n int) Option {
	return func(o *Options) {
		o.Loops = n
	}
}

// WithQueueSize sets the per-loop task queue of a created group
func WithQueueSize(n int) Option {
	return func(o *Options) {
		o.QueueSize = n
	}
}

// WithDefaultTimeout sets the timeout for URIs without a timeout option
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.DefaultTimeout = d
	}
}

// NewOptions applies opts over the defaults
func NewOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Loops <= 0 {
		o.Loops = runtime.NumCPU()
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = bus.DefaultTimeout
	}
	return o
}

// CoreMetrics returns the bus metrics of the configured registry, nil when disabled
func (o Options) CoreMetrics() *metric.Metrics {
	if o.Metrics == nil {
		return nil
	}
	return o.Metrics.CoreMetrics()
}

// acquireGroup takes a reference on the configured group, or on the shared one
func (o Options) acquireGroup() (*worker.Group, error) {
	if o.Group != nil {
		if err := o.Group.Acquire(); err != nil {
			return nil, err
		}
		return o.Group, nil
	}
	wopts := []worker.Option{worker.WithLogger(o.Logger)}
	if o.Metrics != nil {
		wopts = append(wopts, worker.WithMetricsRegistry(o.Metrics))
	}
	return worker.AcquireShared(o.Loops, o.QueueSize, wopts...), nil
}
