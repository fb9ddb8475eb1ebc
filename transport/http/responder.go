package http

import (
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/engine/reqrep"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/health"
)

const contentType = "text/plain; charset=utf-8"

// Responder is a bound HTTP request-reply server. Every POST is one request;
// its peer can answer exactly once, and the answer is the response body.
type Responder struct {
	*reqrep.Responder
	srv *server
}

var _ bus.Responder = (*Responder)(nil)

// Addr returns the bound listener address
func (r *Responder) Addr() net.Addr { return r.srv.Addr() }

// DisconnectAll aborts every request still waiting for its reply
func (r *Responder) DisconnectAll() {
	r.srv.abortAll()
}

// Peers returns the number of requests waiting for a reply
func (r *Responder) Peers() int {
	return r.srv.inFlight()
}

// Health reports the session's readiness
func (r *Responder) Health() health.Status {
	return health.FromSession(r.State(true, r.Peers()))
}

// requestPeer is the reply path of one HTTP request
type requestPeer struct {
	id       string
	remote   string
	security *bus.TransportSecurity

	mu      sync.Mutex
	done    bool
	replies chan string
}

func newRequestPeer(r *http.Request) *requestPeer {
	return &requestPeer{
		id:       uuid.NewString(),
		remote:   r.RemoteAddr,
		security: bus.SecurityFromState(r.TLS),
		replies:  make(chan string, 1),
	}
}

// Send answers the request. Only the first reply is written.
func (p *requestPeer) Send(message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return errors.WrapInvalid(errors.ErrPeerClosed, "http.Peer", "Send", "reply to "+p.remote)
	}
	p.done = true
	p.replies <- message
	return nil
}

// finish invalidates the peer once the response is written
func (p *requestPeer) finish() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

func (p *requestPeer) ID() string                       { return p.id }
func (p *requestPeer) RemoteAddr() string               { return p.remote }
func (p *requestPeer) Security() *bus.TransportSecurity { return p.security }

// serveRequest hands the body to the responder's listener and writes the
// reply. No reply within the session timeout answers 504; a panicking
// listener answers 500.
func serveRequest(resp *reqrep.Responder, srv *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "requests must be POSTed", http.StatusMethodNotAllowed)
			return
		}

		body := io.Reader(r.Body)
		if srv.readLimit > 0 {
			body = http.MaxBytesReader(w, r.Body, srv.readLimit)
		}
		data, err := io.ReadAll(body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				http.Error(w, "request exceeds readLimit", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read request", http.StatusBadRequest)
			return
		}

		ctx, end := srv.begin(r)
		defer end()

		peer := newRequestPeer(r)
		defer peer.finish()

		panicked := make(chan struct{})
		err = resp.Dispatch(peer, string(data), func(p bool) {
			if p {
				close(panicked)
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		timeout := time.NewTimer(resp.Timeout())
		defer timeout.Stop()

		select {
		case reply := <-peer.replies:
			w.Header().Set("Content-Type", contentType)
			w.WriteHeader(http.StatusOK)
			if _, err := io.WriteString(w, reply); err != nil {
				resp.RecordError(err)
				return
			}
			resp.RecordOut()
		case <-panicked:
			http.Error(w, "listener failed", http.StatusInternalServerError)
		case <-timeout.C:
			resp.RecordTimeout()
			http.Error(w, "no reply", http.StatusGatewayTimeout)
		case <-ctx.Done():
			http.Error(w, "disconnected", http.StatusServiceUnavailable)
		}
	}
}
