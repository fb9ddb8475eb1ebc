package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/tlsutil"
	"github.com/c360/jsonrpcbus/session"
	"github.com/c360/jsonrpcbus/transport"
)

// dialer opens client connections to a WebSocket server
type dialer struct {
	url       string
	ws        *websocket.Dialer
	readLimit int64
}

var _ engine.Dialer = (*dialer)(nil)

// newDialer prepares the handshake for base's endpoint. A non-empty topic is
// presented to publishers as the topic query parameter. TLS material is
// loaded here so bad material fails session construction.
func newDialer(base *session.Base, topic string, subscribe bool) (*dialer, error) {
	ep := base.Endpoint()
	readLimit, err := readLimitOf(ep)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsutil.ForClient(ep, base.Logger())
	if err != nil {
		return nil, err
	}

	u := url.URL{Scheme: ep.Scheme, Host: ep.Address(), Path: ep.Path}
	if subscribe {
		q := url.Values{}
		q.Set(endpoint.KeyTopic, topic)
		u.RawQuery = q.Encode()
	}

	return &dialer{
		url: u.String(),
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: base.Timeout(),
			TLSClientConfig:  tlsConfig,
		},
		readLimit: readLimit,
	}, nil
}

// Dial performs the upgrade handshake and starts reading frames into h. It
// returns once the server has registered the connection with its session, so
// a ready subscriber is already in the publisher's fan-out.
func (d *dialer) Dial(ctx context.Context, h engine.Handler) (engine.Conn, error) {
	ws, resp, err := d.ws.DialContext(ctx, d.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, dialError(err, resp)
	}

	conn := newConn(ws, "", securityOf(ws))
	attached := conn.expectAttached()
	go conn.serve(h, d.readLimit)

	select {
	case <-attached:
		return conn, nil
	case <-conn.closed:
		return nil, dialError(fmt.Errorf("%w before attach", errors.ErrConnectionLost), nil)
	case <-ctx.Done():
		_ = conn.Close()
		return nil, dialError(fmt.Errorf("wait for attach: %w", ctx.Err()), nil)
	}
}

// dialError adds the HTTP status of a refused upgrade to transient failures
func dialError(err error, resp *http.Response) error {
	if resp != nil {
		err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
	}
	return transport.DialError("websocket", "Dial", err)
}
