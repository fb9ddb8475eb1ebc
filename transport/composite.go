package transport

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/pkg/worker"
)

// HealthReporter is implemented by factories that report session health
type HealthReporter interface {
	Health() health.Status
}

// Composite is a bus.Factory that dispatches each URI to the factory of the
// transport registered for its scheme. Factories are created on first use and
// share the composite's event-loop group.
type Composite struct {
	registry *Registry
	opts     Options
	group    *worker.Group
	logger   *slog.Logger

	mu        sync.Mutex
	factories map[string]bus.Factory
	closed    bool
}

var _ bus.Factory = (*Composite)(nil)

// NewComposite creates a factory over every transport in registry
func NewComposite(registry *Registry, opts Options) (*Composite, error) {
	if registry == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: nil registry", errors.ErrInvalidConfig), "Composite", "NewComposite", "registry validation")
	}
	opts = opts.withDefaults()
	group, err := opts.acquireGroup()
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrShuttingDown, err), "Composite", "NewComposite", "acquire event loops")
	}
	opts.Group = group

	return &Composite{
		registry:  registry,
		opts:      opts,
		group:     group,
		logger:    opts.Logger.With("component", "composite"),
		factories: make(map[string]bus.Factory),
	}, nil
}

// Name returns "composite"
func (c *Composite) Name() string { return "composite" }

// Schemes returns every scheme of the registry
func (c *Composite) Schemes() []string { return c.registry.Schemes() }

// Factory returns the factory for uri's scheme, creating it on first use
func (c *Composite) Factory(uri string) (bus.Factory, error) {
	ep, err := endpoint.Parse(uri)
	if err != nil {
		return nil, err
	}
	p, err := c.registry.ForScheme(ep.Scheme)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Composite", "Factory", "check factory")
	}
	if f, ok := c.factories[p.Name()]; ok {
		return f, nil
	}
	f, err := p.NewFactory(c.opts)
	if err != nil {
		return nil, errors.Wrap(err, "Composite", "Factory", "create "+p.Name()+" factory")
	}
	c.factories[p.Name()] = f
	c.logger.Debug("Created transport factory", "transport", p.Name())
	return f, nil
}

// Publisher opens a publisher on uri
func (c *Composite) Publisher(uri string) (bus.Publisher, error) {
	f, err := c.Factory(uri)
	if err != nil {
		return nil, err
	}
	return f.Publisher(uri)
}

// Subscriber opens a subscriber for topic on uri
func (c *Composite) Subscriber(uri, topic string, listener bus.MessageListener) (bus.Subscriber, error) {
	f, err := c.Factory(uri)
	if err != nil {
		return nil, err
	}
	return f.Subscriber(uri, topic, listener)
}

// Requester opens a requester on uri
func (c *Composite) Requester(uri string, listener bus.MessageListener) (bus.Requester, error) {
	f, err := c.Factory(uri)
	if err != nil {
		return nil, err
	}
	return f.Requester(uri, listener)
}

// Responder opens a responder on uri
func (c *Composite) Responder(uri string, listener bus.MessageListener) (bus.Responder, error) {
	f, err := c.Factory(uri)
	if err != nil {
		return nil, err
	}
	return f.Responder(uri, listener)
}

// Health aggregates the health of every created factory
func (c *Composite) Health() health.Status {
	c.mu.Lock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	subs := make([]health.Status, 0, len(names))
	for _, name := range names {
		if hr, ok := c.factories[name].(HealthReporter); ok {
			subs = append(subs, hr.Health())
		}
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return health.NewUnhealthy(c.Name(), "factory closed")
	}
	return health.Aggregate(c.Name(), subs)
}

// Close closes every created factory and releases the event-loop group. Idempotent.
func (c *Composite) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	factories := c.factories
	c.factories = make(map[string]bus.Factory)
	c.mu.Unlock()

	var g errgroup.Group
	for _, f := range factories {
		g.Go(f.Close)
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("Factory close failed", "error", err)
	}
	c.group.Release()
	return nil
}
