package http

import (
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
const Name = "http"

// DefaultReadLimit is the largest request, reply or event accepted when
// readLimit is not set
const DefaultReadLimit = 1 << 20

// Schemes handled by this transport
var Schemes = []string{"http", "https"}

// Provider registers the HTTP transport
type Provider struct{}

var _ transport.Provider = Provider{}

// Name returns "http"
func (Provider) Name() string { return Name }

// Schemes returns http and https
func (Provider) Schemes() []string { return Schemes }

// NewFactory creates an HTTP factory
func (Provider) NewFactory(opts transport.Options) (bus.Factory, error) {
	return NewFactory(opts)
}

// Factory creates sessions over HTTP
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

// Responder binds uri and answers each POST with the reply its peer sends
func (f *Factory) Responder(uri string, listener bus.MessageListener) (bus.Responder, error) {
	base, err := f.session(uri, bus.TypeResponder, "Responder")
	if err != nil {
		return nil, err
	}
	r := reqrep.NewResponder(base, f.Group(), listener)
	srv, err := listen(base, func(s *server) http.HandlerFunc { return serveRequest(r, s) })
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

// Publisher binds uri; subscribers name their topic in the stream request
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
	srv, err := listen(base, func(s *server) http.HandlerFunc { return serveStream(hub, s) })
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

// Requester checks uri is reachable in the background and POSTs each request to it
func (f *Factory) Requester(uri string, listener bus.MessageListener) (bus.Requester, error) {
	base, err := f.session(uri, bus.TypeRequester, "Requester")
	if err != nil {
		return nil, err
	}
	policy, err := engine.PolicyFromOptions(base.Endpoint().Options)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	d, err := newDialer(base)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	r := newRequester(base, d, policy, f.Group(), listener)
	if err := f.Track(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Subscriber opens an event stream to the publisher at uri for topic
func (f *Factory) Subscriber(uri, topic string, listener bus.MessageListener) (bus.Subscriber, error) {
	base, err := f.session(uri, bus.TypeSubscriber, "Subscriber")
	if err != nil {
		return nil, err
	}
	policy, err := engine.PolicyFromOptions(base.Endpoint().Options)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	d, err := newStreamDialer(base, topic)
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	base.OnClose(d.close)
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
