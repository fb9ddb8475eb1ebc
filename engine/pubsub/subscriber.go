package pubsub

import (
	"context"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/health"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
)

// Config wires a stream subscriber to its transport. The dialer is
// responsible for presenting Topic to the publisher during the handshake.
type Config struct {
	Base     *session.Base
	Dialer   engine.Dialer
	Policy   engine.Policy
	Group    *worker.Group
	Listener bus.MessageListener
	Topic    string
}

// Subscriber receives a publisher's messages over a client connection and
// hands them to its listener in arrival order.
type Subscriber struct {
	*session.Base

	topic     string
	connector *engine.Connector
	dispatch  *engine.Dispatcher
	peer      *engine.RemotePeer
}

// NewSubscriber creates the subscriber and starts its first connect cycle
func NewSubscriber(cfg Config) *Subscriber {
	s := &Subscriber{
		Base:  cfg.Base,
		topic: cfg.Topic,
	}
	s.connector = engine.NewConnector(cfg.Base, cfg.Dialer, cfg.Policy, engine.Handler{
		OnMessage: s.onMessage,
		OnClose: func(err error) {
			if err != nil {
				s.Logger().Debug("Publisher connection closed", "topic", s.topic, "error", err)
			}
		},
	})
	s.dispatch = engine.NewDispatcher(cfg.Base, cfg.Group, cfg.Listener)
	s.peer = engine.NewRemotePeer(cfg.Base, s.connector)

	s.connector.Start()
	return s
}

// Topic returns the subscribed topic; "" receives everything
func (s *Subscriber) Topic() string { return s.topic }

// AwaitConnection blocks until connected, ctx ends or the session timeout expires
func (s *Subscriber) AwaitConnection(ctx context.Context) error {
	return s.connector.Await(ctx)
}

// IsReady reports whether the connection is open
func (s *Subscriber) IsReady() bool {
	return s.connector.IsReady()
}

// Security returns the negotiated TLS parameters, nil for plaintext
func (s *Subscriber) Security() *bus.TransportSecurity {
	return s.connector.Security()
}

// State returns the connection state
func (s *Subscriber) State() engine.State {
	return s.connector.State()
}

// Health reports the session's readiness
func (s *Subscriber) Health() health.Status {
	return health.FromSession(s.Base.State(s.IsReady(), 0))
}

func (s *Subscriber) onMessage(msg string) {
	if err := s.dispatch.Deliver(s.peer, msg, nil); err != nil {
		s.Logger().Warn("Dropped published message", "topic", s.topic, "error", err)
	}
}
