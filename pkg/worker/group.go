// Package worker provides the event loop group shared by bus sessions
package worker

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/jsonrpcbus/metric"
)

const defaultQueueSize = 1024

// Group is a fixed set of single-goroutine event loops. Connections are
// pinned to one loop with Next, so callbacks for a connection run in order
// and never on the caller's goroutine.
//
// A Group is reference counted: NewGroup returns it holding one reference,
// Acquire adds one, Release drops one and the last Release stops the loops.
type Group struct {
	loops  []*Loop
	next   atomic.Uint64
	logger *slog.Logger

	mu      sync.Mutex
	refs    int
	stopped bool
	stop    chan struct{}
	exited  chan struct{}
	wg      sync.WaitGroup

	metrics         *groupMetrics
	metricsRegistry *metric.MetricsRegistry

	submitted atomic.Int64
	executed  atomic.Int64
	panics    atomic.Int64
}

// Loop is one event loop goroutine
type Loop struct {
	id    int
	group *Group
	tasks chan func()
}

type groupMetrics struct {
	queueDepth *prometheus.GaugeVec
	executed   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// Option configures a Group
type Option func(*Group)

// WithLogger sets the logger used for recovered task panics
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetricsRegistry registers loop metrics with the registry
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(g *Group) {
		g.metricsRegistry = registry
	}
}

// NewGroup starts size loops (runtime.NumCPU when size <= 0) with queueSize
// pending tasks each (1024 when <= 0).
func NewGroup(size, queueSize int, opts ...Option) *Group {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	g := &Group{
		logger: slog.Default().With("component", "worker-group"),
		refs:   1,
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.metricsRegistry != nil {
		g.initializeMetrics()
	}

	g.loops = make([]*Loop, size)
	for i := range g.loops {
		l := &Loop{id: i, group: g, tasks: make(chan func(), queueSize)}
		g.loops[i] = l
		g.wg.Add(1)
		go l.run()
	}

	return g
}

func (g *Group) initializeMetrics() {
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jsonrpcbus",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Pending tasks per event loop",
	}, []string{"loop"})
	executed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jsonrpcbus",
		Subsystem: "worker",
		Name:      "tasks_total",
		Help:      "Tasks executed per event loop",
	}, []string{"loop"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jsonrpcbus",
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Time spent running a task on an event loop",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"loop"})

	// Registration conflicts only disable loop metrics
	r := g.metricsRegistry
	if err := r.RegisterGaugeVec("worker_group", "queue_depth", queueDepth); err != nil {
		g.logger.Debug("loop metrics disabled", "error", err)
		return
	}
	if err := r.RegisterCounterVec("worker_group", "tasks_total", executed); err != nil {
		r.Unregister("worker_group", "queue_depth")
		g.logger.Debug("loop metrics disabled", "error", err)
		return
	}
	if err := r.RegisterHistogramVec("worker_group", "task_duration_seconds", duration); err != nil {
		r.Unregister("worker_group", "queue_depth")
		r.Unregister("worker_group", "tasks_total")
		g.logger.Debug("loop metrics disabled", "error", err)
		return
	}

	g.metrics = &groupMetrics{queueDepth: queueDepth, executed: executed, duration: duration}
}

// Size returns the number of loops
func (g *Group) Size() int {
	return len(g.loops)
}

// Next returns the next loop in round-robin order
func (g *Group) Next() *Loop {
	n := g.next.Add(1) - 1
	return g.loops[n%uint64(len(g.loops))]
}

// Acquire adds a reference. It fails once the group has stopped.
func (g *Group) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return ErrGroupStopped
	}
	g.refs++
	return nil
}

// Release drops a reference; the last one stops every loop. Loops finish the
// tasks already queued and exit in the background (see Wait). Extra calls
// after the stop are ignored. Release may be called from a loop task.
func (g *Group) Release() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.refs--
	if g.refs > 0 {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	close(g.stop)
	g.mu.Unlock()

	go func() {
		g.wg.Wait()
		if g.metrics != nil {
			g.metricsRegistry.Unregister("worker_group", "queue_depth")
			g.metricsRegistry.Unregister("worker_group", "tasks_total")
			g.metricsRegistry.Unregister("worker_group", "task_duration_seconds")
		}
		close(g.exited)
	}()
}

// Wait blocks until every loop has exited after the final Release
func (g *Group) Wait() {
	<-g.exited
}

// Stopped reports whether the last reference was released
func (g *Group) Stopped() bool {
	select {
	case <-g.stop:
		return true
	default:
		return false
	}
}

// Stats returns current group statistics
func (g *Group) Stats() Stats {
	g.mu.Lock()
	refs := g.refs
	g.mu.Unlock()

	depth := 0
	for _, l := range g.loops {
		depth += len(l.tasks)
	}
	return Stats{
		Loops:      len(g.loops),
		References: refs,
		QueueDepth: depth,
		Submitted:  g.submitted.Load(),
		Executed:   g.executed.Load(),
		Panics:     g.panics.Load(),
	}
}

// Stats represents loop group statistics
type Stats struct {
	Loops      int   `json:"loops"`
	References int   `json:"references"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Executed   int64 `json:"executed"`
	Panics     int64 `json:"panics"`
}

// ID returns the loop's index in its group
func (l *Loop) ID() int {
	return l.id
}

// Submit queues fn to run on the loop. Tasks submitted to one loop run in
// submission order. Submit blocks while the loop's queue is full and fails
// with ErrGroupStopped once the group has stopped.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrNilTask
	}
	g := l.group
	select {
	case <-g.stop:
		return ErrGroupStopped
	default:
	}

	select {
	case l.tasks <- fn:
		g.submitted.Add(1)
		if g.metrics != nil {
			g.metrics.queueDepth.WithLabelValues(strconv.Itoa(l.id)).Set(float64(len(l.tasks)))
		}
		return nil
	case <-g.stop:
		return ErrGroupStopped
	}
}

func (l *Loop) run() {
	defer l.group.wg.Done()
	for {
		select {
		case fn := <-l.tasks:
			l.execute(fn)
		case <-l.group.stop:
			// Run what was already queued so accepted messages are not lost
			for {
				select {
				case fn := <-l.tasks:
					l.execute(fn)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) execute(fn func()) {
	g := l.group
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.panics.Add(1)
			g.logger.Error("event loop task panicked",
				"loop", l.id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
		g.executed.Add(1)
		if g.metrics != nil {
			label := strconv.Itoa(l.id)
			g.metrics.executed.WithLabelValues(label).Inc()
			g.metrics.duration.WithLabelValues(label).Observe(time.Since(start).Seconds())
			g.metrics.queueDepth.WithLabelValues(label).Set(float64(len(l.tasks)))
		}
	}()
	fn()
}

var (
	sharedMu sync.Mutex
	shared   *Group
)

// AcquireShared returns the process-wide group, creating it on first use or
// after the previous one stopped. The caller owns one reference and must
// Release it.
func AcquireShared(size, queueSize int, opts ...Option) *Group {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		if err := shared.Acquire(); err == nil {
			return shared
		}
	}
	shared = NewGroup(size, queueSize, opts...)
	return shared
}
