package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/jsonrpcbus/bus"
)

// Received is one message seen by a Recorder
type Received struct {
	Peer    bus.PeerContext
	Message string
}

// Recorder is a bus.MessageListener that keeps every message it receives.
// Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	received []Received
	notify   chan struct{}

	// Reply, when set, is sent back to the peer for every message
	Reply func(message string) string
}

var _ bus.MessageListener = (*Recorder)(nil)

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// NewEcho creates a recorder that answers every message with itself
func NewEcho() *Recorder {
	r := NewRecorder()
	r.Reply = func(message string) string { return message }
	return r
}

// OnMessage implements bus.MessageListener
func (r *Recorder) OnMessage(peer bus.PeerContext, message string) {
	r.mu.Lock()
	r.received = append(r.received, Received{Peer: peer, Message: message})
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}

	if r.Reply != nil {
		_ = peer.Send(r.Reply(message))
	}
}

// Messages returns the received messages in arrival order
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.received))
	for i, rcv := range r.received {
		out[i] = rcv.Message
	}
	return out
}

// Received returns the received messages with their peers
func (r *Recorder) Received() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Received, len(r.received))
	copy(out, r.received)
	return out
}

// Count returns the number of received messages
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

// Reset forgets every received message
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.received = nil
	r.mu.Unlock()
}

// Wait blocks until at least count messages arrived or ctx ends
func (r *Recorder) Wait(ctx context.Context, count int) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Count() >= count {
			return true
		}
		select {
		case <-ctx.Done():
			return r.Count() >= count
		case <-r.notify:
		case <-ticker.C:
		}
	}
}

// WaitForMessageCount fails t unless count messages arrive within timeout
func WaitForMessageCount(t testing.TB, r *Recorder, count int, timeout time.Duration) []string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if !r.Wait(ctx, count) {
		t.Fatalf("timeout waiting for %d messages (got %d)", count, r.Count())
	}
	return r.Messages()
}

// AssertNoMessages fails t if r received anything
func AssertNoMessages(t testing.TB, r *Recorder) {
	t.Helper()
	if n := r.Count(); n > 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}
