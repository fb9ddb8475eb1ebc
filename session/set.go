package session

import (
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
)

// Tracked is what a factory needs from the sessions it created
type Tracked interface {
	ID() string
	Close() error
	Health() health.Status
}

// Set is the collection of live sessions owned by one factory
type Set struct {
	mu       sync.Mutex
	sessions map[string]Tracked
	closed   bool
}

// NewSet creates an empty set
func NewSet() *Set {
	return &Set{sessions: make(map[string]Tracked)}
}

// Add tracks s; it fails with ErrShuttingDown once CloseAll has run
func (s *Set) Add(t Tracked) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "session.Set", "Add", "track session")
	}
	s.sessions[t.ID()] = t
	return nil
}

// Remove stops tracking the session with id
func (s *Set) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of live sessions
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Set) snapshot() []Tracked {
	out := make([]Tracked, 0, len(s.sessions))
	for _, t := range s.sessions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// CloseAll closes every tracked session concurrently and rejects further Adds.
// Live sessions at shutdown are expected, so only Close failures are reported.
func (s *Set) CloseAll() error {
	s.mu.Lock()
	s.closed = true
	live := s.snapshot()
	s.sessions = make(map[string]Tracked)
	s.mu.Unlock()

	var g errgroup.Group
	for _, t := range live {
		g.Go(t.Close)
	}
	return g.Wait()
}

// Health aggregates the status of every live session under component
func (s *Set) Health(component string) health.Status {
	s.mu.Lock()
	live := s.snapshot()
	s.mu.Unlock()

	subs := make([]health.Status, 0, len(live))
	for _, t := range live {
		subs = append(subs, t.Health())
	}
	return health.Aggregate(component, subs)
}
