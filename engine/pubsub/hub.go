package pubsub

import (
	"fmt"
	"sync"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/pkg/buffer"
	"github.com/c360/jsonrpcbus/session"
)

// DefaultQueueSize is the per-subscriber outbound queue length when the
// endpoint does not set sendQueue.
const DefaultQueueSize = 1024

const writeBatch = 64

type subscription struct {
	peer    *engine.ConnPeer
	topic   string
	queue   *buffer.Queue[string]
	stopped chan struct{}
}

// Hub is the publisher side of a stream transport. It keeps the attached
// subscriber connections with their topics and fans published messages out
// to the matching ones.
type Hub struct {
	*session.Base

	queueSize int

	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewHub creates a hub whose subscribers each buffer up to queueSize messages
func NewHub(base *session.Base, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h := &Hub{
		Base:      base,
		queueSize: queueSize,
		subs:      make(map[string]*subscription),
	}
	base.OnClose(h.DisconnectAll)
	return h
}

// Attach registers an accepted subscriber connection interested in topic
func (h *Hub) Attach(conn engine.Conn, topic string) (engine.Handler, error) {
	if err := h.CheckOpen("Attach"); err != nil {
		_ = conn.Close()
		return engine.Handler{}, err
	}

	peer := engine.NewConnPeer(h.Base, conn)
	s := &subscription{
		peer:    peer,
		topic:   topic,
		stopped: make(chan struct{}),
	}
	s.queue = buffer.New(h.queueSize,
		buffer.WithOverflowPolicy[string](buffer.DropOldest),
		buffer.WithDropCallback(func(string) {
			h.Metrics().RecordQueueDrop(h.Transport(), 1)
			h.Logger().Debug("Dropped message for slow subscriber", "peer", peer.ID(), "topic", topic)
		}),
	)

	h.mu.Lock()
	h.subs[peer.ID()] = s
	h.mu.Unlock()
	go h.write(s)

	h.Metrics().PeerAttached(h.Transport(), h.SessionType().String())
	h.Logger().Debug("Subscriber attached", "peer", peer.ID(), "topic", topic, "remote", conn.RemoteAddr())

	var once sync.Once
	return engine.Handler{
		OnMessage: func(msg string) {
			h.Logger().Debug("Ignored message from subscriber", "peer", peer.ID(), "bytes", len(msg))
		},
		OnClose: func(err error) {
			once.Do(func() { h.detach(s, err) })
		},
	}, nil
}

func (h *Hub) detach(s *subscription, err error) {
	s.peer.Invalidate()
	s.queue.Close()

	h.mu.Lock()
	_, ok := h.subs[s.peer.ID()]
	delete(h.subs, s.peer.ID())
	h.mu.Unlock()
	if ok {
		h.Metrics().PeerDetached(h.Transport(), h.SessionType().String())
		h.Logger().Debug("Subscriber detached", "peer", s.peer.ID(), "error", err)
	}
}

// write drains one subscriber's queue in order until the queue closes
func (h *Hub) write(s *subscription) {
	defer close(s.stopped)
	for {
		select {
		case <-s.queue.Ready():
			if !h.flush(s) {
				return
			}
		case <-s.queue.Done():
			h.flush(s)
			_ = s.peer.Conn().Close()
			return
		}
	}
}

func (h *Hub) flush(s *subscription) bool {
	for {
		batch := s.queue.ReadBatch(writeBatch)
		if len(batch) == 0 {
			return true
		}
		for _, msg := range batch {
			if !s.peer.Valid() {
				return false
			}
			if err := s.peer.Send(msg); err != nil {
				h.Logger().Warn("Subscriber write failed, disconnecting", "peer", s.peer.ID(), "error", err)
				s.queue.Close()
				_ = s.peer.Conn().Close()
				return false
			}
		}
	}
}

// Publish queues msg for every subscriber whose topic matches. It never
// blocks on a slow subscriber; a full queue drops its oldest message.
func (h *Hub) Publish(msg, topic string) error {
	if err := h.CheckOpen("Publish"); err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		if bus.MatchTopic(s.topic, topic) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		// A closed queue means the subscriber is leaving; skip it.
		_ = s.queue.Write(msg)
	}
	return nil
}

// DisconnectAll closes every subscriber after its queued messages are written.
// The hub keeps accepting new subscribers.
func (h *Hub) DisconnectAll() {
	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.queue.Close()
	}
	for _, s := range subs {
		<-s.stopped
	}
}

// Peers returns the number of attached subscribers
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Health reports the session's readiness. A hub whose attached subscribers
// lost messages to queue overflow is degraded.
func (h *Hub) Health() health.Status {
	h.mu.RLock()
	peers := len(h.subs)
	var dropped int64
	for _, s := range h.subs {
		dropped += s.queue.Stats().Drops()
	}
	h.mu.RUnlock()

	status := health.FromSession(h.State(true, peers))
	if dropped == 0 || !status.IsHealthy() {
		return status
	}
	msg := fmt.Sprintf("%d messages dropped for slow subscribers", dropped)
	return health.NewDegraded(status.Component, msg).WithMetrics(status.Metrics)
}
