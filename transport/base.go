package transport

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/metric"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
)

// Tracked is a session a factory can own
type Tracked interface {
	session.Tracked
	OnClose(fn func())
}

// Base carries what every transport factory shares: its schemes, the
// event-loop group reference and the set of live sessions. Transport
// factories embed it.
type Base struct {
	name    string
	schemes []string
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics

	group    *worker.Group
	sessions *session.Set

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewBase acquires the event-loop group for a factory of transport name
func NewBase(name string, schemes []string, opts Options) (*Base, error) {
	opts = opts.withDefaults()
	group, err := opts.acquireGroup()
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrShuttingDown, err), name, "NewFactory", "acquire event loops")
	}
	return &Base{
		name:     name,
		schemes:  slices.Clone(schemes),
		opts:     opts,
		logger:   opts.Logger.With("component", name),
		metrics:  opts.CoreMetrics(),
		group:    group,
		sessions: session.NewSet(),
	}, nil
}

// Name returns the transport name
func (b *Base) Name() string { return b.name }

// Schemes returns the URI schemes the factory accepts
func (b *Base) Schemes() []string { return slices.Clone(b.schemes) }

// Options returns the factory options with defaults applied
func (b *Base) Options() Options { return b.opts }

// Logger returns the factory logger
func (b *Base) Logger() *slog.Logger { return b.logger }

// Metrics returns the bus metrics, nil when disabled
func (b *Base) Metrics() *metric.Metrics { return b.metrics }

// Group returns the shared event-loop group
func (b *Base) Group() *worker.Group { return b.group }

// Endpoint parses uri and checks its scheme belongs to this factory
func (b *Base) Endpoint(uri string, method string) (*endpoint.Endpoint, error) {
	if b.isClosed() {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, b.name, method, "check factory")
	}
	ep, err := endpoint.Parse(uri)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(b.schemes, ep.Scheme) {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %q not handled by %s", errors.ErrUnknownScheme, ep.Scheme, b.name),
			b.name, method, "check scheme")
	}
	return ep, nil
}

// NewSession creates the shared session state for a new session on ep
func (b *Base) NewSession(typ bus.SessionType, ep *endpoint.Endpoint) (*session.Base, error) {
	return session.New(typ, b.name, ep, b.opts.DefaultTimeout,
		session.WithLogger(b.logger),
		session.WithMetrics(b.metrics))
}

// Track adds s to the live sessions; it is forgotten again when it closes.
// A factory that is shutting down closes s and returns ErrShuttingDown.
func (b *Base) Track(s Tracked) error {
	if err := b.sessions.Add(s); err != nil {
		_ = s.Close()
		return err
	}
	id := s.ID()
	s.OnClose(func() { b.sessions.Remove(id) })
	return nil
}

// Sessions returns the number of live sessions
func (b *Base) Sessions() int {
	return b.sessions.Len()
}

// Health aggregates the health of every live session
func (b *Base) Health() health.Status {
	if b.isClosed() {
		return health.NewUnhealthy(b.name, "factory closed")
	}
	return b.sessions.Health(b.name)
}

func (b *Base) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close closes every live session and releases the event-loop group.
// Live sessions are expected at shutdown and are not an error. Idempotent.
func (b *Base) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		live := b.sessions.Len()
		if err := b.sessions.CloseAll(); err != nil {
			b.logger.Warn("Session close failed", "error", err)
		}
		b.group.Release()
		b.logger.Debug("Factory closed", "sessions", live)
	})
	return nil
}
