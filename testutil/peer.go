package testutil

import (
	"sync"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
)

// MockPeer is an in-memory bus.PeerContext that records what is sent to it
type MockPeer struct {
	mu     sync.Mutex
	sent   []string
	closed bool

	PeerID   string
	Addr     string
	Secure   *bus.TransportSecurity
	SendFunc func(message string) error
}

var _ bus.PeerContext = (*MockPeer)(nil)

// NewMockPeer creates an open peer
func NewMockPeer(id string) *MockPeer {
	return &MockPeer{PeerID: id, Addr: "mock:" + id}
}

// Send records message, or fails with ErrPeerClosed after Close
func (p *MockPeer) Send(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.WrapInvalid(errors.ErrPeerClosed, "MockPeer", "Send", "write")
	}
	if p.SendFunc != nil {
		if err := p.SendFunc(message); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, message)
	return nil
}

// Close invalidates the peer
func (p *MockPeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// Sent returns the messages sent so far
func (p *MockPeer) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.sent))
	copy(out, p.sent)
	return out
}

// ID returns PeerID
func (p *MockPeer) ID() string { return p.PeerID }

// RemoteAddr returns Addr
func (p *MockPeer) RemoteAddr() string { return p.Addr }

// Security returns Secure
func (p *MockPeer) Security() *bus.TransportSecurity { return p.Secure }
