package nats

import (
	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/session"
	"github.com/c360/jsonrpcbus/transport"
)

// Name is the transport name
const Name = "nats"

// Schemes handled by this transport; tls is NATS over TLS
var Schemes = []string{"nats", "tls"}

// Provider registers the NATS transport
type Provider struct{}

var _ transport.Provider = Provider{}

// Name returns "nats"
func (Provider) Name() string { return Name }

// Schemes returns nats and tls
func (Provider) Schemes() []string { return Schemes }

// NewFactory creates a NATS factory
func (Provider) NewFactory(opts transport.Options) (bus.Factory, error) {
	return NewFactory(opts)
}

// Factory creates sessions backed by one NATS connection each
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

// Responder subscribes to the subject named by uri's path
func (f *Factory) Responder(uri string, listener bus.MessageListener) (bus.Responder, error) {
	base, l, err := f.session(uri, bus.TypeResponder, "Responder")
	if err != nil {
		return nil, err
	}
	queue := base.Endpoint().Options.String(endpoint.KeyQueueGroup, "")
	r, err := newResponder(base, l, engine.NewDispatcher(base, f.Group(), listener), queue)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	if err := f.Track(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Publisher publishes to the subject named by uri's path
func (f *Factory) Publisher(uri string) (bus.Publisher, error) {
	base, l, err := f.session(uri, bus.TypePublisher, "Publisher")
	if err != nil {
		return nil, err
	}
	p := &Publisher{Base: base, link: l}
	if err := f.Track(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Requester sends requests to the subject named by uri's path
func (f *Factory) Requester(uri string, _ bus.MessageListener) (bus.Requester, error) {
	base, l, err := f.session(uri, bus.TypeRequester, "Requester")
	if err != nil {
		return nil, err
	}
	r := newRequester(base, l)
	if err := f.Track(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Subscriber receives messages for topic on the subject named by uri's path
func (f *Factory) Subscriber(uri, topic string, listener bus.MessageListener) (bus.Subscriber, error) {
	base, l, err := f.session(uri, bus.TypeSubscriber, "Subscriber")
	if err != nil {
		return nil, err
	}
	s := newSubscriber(base, l, engine.NewDispatcher(base, f.Group(), listener), topic)
	if err := f.Track(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *Factory) session(uri string, typ bus.SessionType, method string) (*session.Base, *link, error) {
	ep, err := f.Endpoint(uri, method)
	if err != nil {
		return nil, nil, err
	}
	base, err := f.NewSession(typ, ep)
	if err != nil {
		return nil, nil, err
	}
	server := typ == bus.TypeResponder || typ == bus.TypePublisher
	l, err := dial(base, server)
	if err != nil {
		_ = base.Close()
		return nil, nil, err
	}
	return base, l, nil
}
