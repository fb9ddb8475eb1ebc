package nats

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	gonats "github.com/nats-io/nats.go"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/session"
)

// TopicHeader carries the bus topic of a published message. Messages
// published on "" carry no header.
const TopicHeader = "Bus-Topic"

// Publisher publishes to the session subject. The server does the fan-out,
// so the publisher neither sees nor counts its subscribers.
type Publisher struct {
	*session.Base
	link *link
}

var _ bus.Publisher = (*Publisher)(nil)

// Publish sends msg to every subscriber of the subject whose topic matches.
// The client buffers messages while it reconnects; before the first
// connection only messages without a topic can be buffered.
func (p *Publisher) Publish(msg, topic string) error {
	if err := p.CheckOpen("Publish"); err != nil {
		return err
	}
	m := gonats.NewMsg(p.link.subject)
	m.Data = []byte(msg)
	if topic != "" {
		m.Header.Set(TopicHeader, topic)
	}
	if err := p.link.client.Publish(m); err != nil {
		if stderrors.Is(err, gonats.ErrHeadersNotSupported) && !p.link.ready() {
			// header support is only known once the server has been seen
			err = p.link.notReady("Publish")
		}
		p.RecordError(err)
		return err
	}
	p.RecordOut()
	return nil
}

// DisconnectAll does nothing, unlike the bus.Publisher contract where it
// drops every attached subscriber. NATS subscribers hold their own server
// connections and the publisher has no handle on them; they stay subscribed
// and keep receiving later messages.
func (p *Publisher) DisconnectAll() {
	p.Logger().Debug("DisconnectAll has no effect on a NATS publisher")
}

// Peers always returns 0, unlike the bus.Publisher contract where it counts
// attached subscribers. The server does not report subscriber counts to
// publishers.
func (p *Publisher) Peers() int { return 0 }

// Health reports the session's readiness
func (p *Publisher) Health() health.Status {
	return p.link.serverHealth(0)
}

// Subscriber receives the session subject and keeps the messages whose
// topic matches its own.
type Subscriber struct {
	*session.Base
	link     *link
	topic    string
	dispatch *engine.Dispatcher

	mu        sync.Mutex
	sub       *gonats.Subscription
	confirmed atomic.Bool
}

var _ bus.Subscriber = (*Subscriber)(nil)

func newSubscriber(base *session.Base, l *link, dispatch *engine.Dispatcher, topic string) *Subscriber {
	s := &Subscriber{Base: base, link: l, topic: topic, dispatch: dispatch}
	if err := s.subscribe(); err != nil {
		base.Logger().Debug("Subscribe deferred", "error", err)
	}
	return s
}

// subscribe registers the subscription unless a valid one exists. A new
// connect cycle after a spent budget needs a new subscription.
func (s *Subscriber) subscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil && s.sub.IsValid() {
		return nil
	}
	s.confirmed.Store(false)
	sub, err := s.link.client.Subscribe(s.link.subject, "", s.onMessage)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// confirm makes sure the server knows the subscription before the session reports ready
func (s *Subscriber) confirm(ctx context.Context) error {
	if err := s.subscribe(); err != nil {
		return err
	}
	if s.confirmed.Load() {
		return nil
	}
	if err := s.link.client.Flush(ctx); err != nil {
		return err
	}
	s.confirmed.Store(true)
	return nil
}

func (s *Subscriber) onMessage(m *gonats.Msg) {
	if s.Closed() || !bus.MatchTopic(s.topic, m.Header.Get(TopicHeader)) {
		return
	}
	peer := newReplyPeer(s.link, m.Reply, nil)
	if err := s.dispatch.Deliver(peer, string(m.Data), nil); err != nil {
		s.Logger().Warn("Dropped message", "subject", m.Subject, "error", err)
	}
}

// Topic returns the topic the subscriber receives, "" for all
func (s *Subscriber) Topic() string { return s.topic }

// AwaitConnection blocks until the subscription is confirmed by the server,
// ctx ends or the session timeout expires
func (s *Subscriber) AwaitConnection(ctx context.Context) error {
	return s.link.await(ctx, s.confirm)
}

// IsReady reports whether the connection is up and the subscription confirmed
func (s *Subscriber) IsReady() bool {
	if !s.link.ready() || !s.confirmed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil && s.sub.IsValid()
}

// Security returns the negotiated TLS parameters, nil for nats://
func (s *Subscriber) Security() *bus.TransportSecurity { return s.link.security() }

// Health reports the session's readiness
func (s *Subscriber) Health() health.Status {
	return s.link.clientHealth(s.IsReady())
}
