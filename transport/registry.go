package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
)

// Provider creates factories for one transport
type Provider interface {
	Name() string
	Schemes() []string
	NewFactory(opts Options) (bus.Factory, error)
}

// Registry maps transport names and URI schemes to providers. It is built
// once at startup and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	schemes   map[string]string // scheme -> provider name
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		schemes:   make(map[string]string),
	}
}

// Register adds p. Duplicate names or schemes claimed by another provider are rejected.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "provider validation")
	}
	if len(p.Schemes()) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: provider %q has no schemes", errors.ErrInvalidConfig, p.Name()),
			"Registry", "Register", "scheme validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: transport %q", errors.ErrDuplicateEntry, p.Name()),
			"Registry", "Register", "duplicate provider check")
	}
	for _, scheme := range p.Schemes() {
		if owner, taken := r.schemes[strings.ToLower(scheme)]; taken {
			return errors.WrapInvalid(fmt.Errorf("%w: scheme %q already handled by %s", errors.ErrDuplicateEntry, scheme, owner),
				"Registry", "Register", "duplicate scheme check")
		}
	}

	r.providers[p.Name()] = p
	for _, scheme := range p.Schemes() {
		r.schemes[strings.ToLower(scheme)] = p.Name()
	}
	return nil
}

// MustRegister is Register for static wiring; it panics on error
func (r *Registry) MustRegister(providers ...Provider) *Registry {
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the provider registered under name
func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered transport names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemes returns every registered scheme in sorted order
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.schemes))
	for scheme := range r.schemes {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// ForScheme returns the provider handling scheme.
// An unknown scheme is a fatal configuration error.
func (r *Registry) ForScheme(scheme string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.schemes[strings.ToLower(scheme)]
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %q", errors.ErrUnknownScheme, scheme),
			"Registry", "ForScheme", "resolve transport")
	}
	return r.providers[name], nil
}
