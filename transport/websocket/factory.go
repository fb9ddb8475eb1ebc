package websocket

import (
	"net"
	"net/http"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/engine/pubsub"
	"github.com/c360/jsonrpcbus/engine/reqrep"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/session"
	"github.com/c360/jsonrpcbus/transport"
)

// Name is the transport name
const Name = "websocket"

// DefaultReadLimit is the largest inbound frame accepted when readLimit is not set
const DefaultReadLimit = 1 << 20

// Schemes handled by this transport
var Schemes = []string{"ws", "wss"}

// Provider registers the WebSocket transport
type Provider struct{}

var _ transport.Provider = Provider{}

// Name returns "websocket"
func (Provider) Name() string { return Name }

// Schemes returns ws and wss
func (Provider) Schemes() []string { return Schemes }

// NewFactory creates a WebSocket factory
func (Provider) NewFactory(opts transport.Options) (bus.Factory, error) {
	return NewFactory(opts)
}

// Factory creates sessions over WebSocket
type Factory struct {
	*transport.Base
}

var _ bus.Factory = (*Factory)(nil)

// NewFactory creates a factory; it only acquires the event-loop group
func NewFactory(opts transport.Options) (*Factory, error) {
	base, err := transport.NewBase(Name, Schemes, opts)
	if err != nil {
		return nil, err
	}
	return &Factory{Base: base}, nil
}

// Responder is a bound WebSocket request-reply server
type Responder struct {
	*reqrep.Responder
	srv *server
}

// Addr returns the bound listener address
func (r *Responder) Addr() net.Addr { return r.srv.Addr() }

// Publisher is a bound WebSocket fan-out server
type Publisher struct {
	*pubsub.Hub
	srv *server
}

// Addr returns the bound listener address
func (p *Publisher) Addr() net.Addr { return p.srv.Addr() }

// Responder binds uri and delivers each inbound frame to listener with the
// peer it arrived on
func (f *Factory) Responder(uri string, listener bus.MessageListener) (bus.Responder, error) {
	base, err := f.session(uri, bus.TypeResponder, "Responder")
	if err != nil {
		return nil, err
	}
	r := reqrep.NewResponder(base, f.Group(), listener)
	srv, err := listen(base, func(conn *Conn, _ *http.Request) (engine.Handler, error) {
		return r.Attach(conn)
	})
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	resp := &Responder{Responder: r, srv: srv}
	if err := f.Track(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Publisher binds uri; subscribers name their topic in the upgrade request
func (f *Factory) Publisher(uri string) (bus.Publisher, error) {
	base, err := f.session(uri, bus.TypePublisher, "Publisher")
	if err != nil {
		return nil, err
	}
	queueSize, err := base.Endpoint().Options.Int(endpoint.KeySendQueue, pubsub.DefaultQueueSize)
	if err != nil {
		_ = base.Close()
		return nil, errors.WrapFatal(err, Name, "Publisher", "read sendQueue")
	}
	hub := pubsub.NewHub(base, queueSize)
	srv, err := listen(base, func(conn *Conn, r *http.Request) (engine.Handler, error) {
		return hub.Attach(conn, r.URL.Query().Get(endpoint.KeyTopic))
	})
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	pub := &Publisher{Hub: hub, srv: srv}
	if err := f.Track(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// Requester connects to uri in the background
func (f *Factory) Requester(uri string, listener bus.MessageListener) (bus.Requester, error) {
	base, err := f.session(uri, bus.TypeRequester, "Requester")
	if err != nil {
		return nil, err
	}
	d, policy, err := f.client(base, "", false)
	if err != nil {
		return nil, err
	}
	r := reqrep.NewRequester(reqrep.Config{
		Base:     base,
		Dialer:   d,
		Policy:   policy,
		Group:    f.Group(),
		Listener: listener,
	})
	if err := f.Track(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Subscriber connects to the publisher at uri and receives topic
func (f *Factory) Subscriber(uri, topic string, listener bus.MessageListener) (bus.Subscriber, error) {
	base, err := f.session(uri, bus.TypeSubscriber, "Subscriber")
	if err != nil {
		return nil, err
	}
	d, policy, err := f.client(base, topic, true)
	if err != nil {
		return nil, err
	}
	s := pubsub.NewSubscriber(pubsub.Config{
		Base:     base,
		Dialer:   d,
		Policy:   policy,
		Group:    f.Group(),
		Listener: listener,
		Topic:    topic,
	})
	if err := f.Track(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *Factory) session(uri string, typ bus.SessionType, method string) (*session.Base, error) {
	ep, err := f.Endpoint(uri, method)
	if err != nil {
		return nil, err
	}
	return f.NewSession(typ, ep)
}

func (f *Factory) client(base *session.Base, topic string, subscribe bool) (*dialer, engine.Policy, error) {
	policy, err := engine.PolicyFromOptions(base.Endpoint().Options)
	if err != nil {
		_ = base.Close()
		return nil, policy, err
	}
	d, err := newDialer(base, topic, subscribe)
	if err != nil {
		_ = base.Close()
		return nil, policy, err
	}
	return d, policy, nil
}
