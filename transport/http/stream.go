package http

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/engine"
	"github.com/c360/jsonrpcbus/engine/pubsub"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/tlsutil"
	"github.com/c360/jsonrpcbus/session"
	"github.com/c360/jsonrpcbus/transport"
)

const eventStream = "text/event-stream"

// Publisher is a bound HTTP fan-out server. Subscribers hold an event
// stream open with a GET naming their topic.
type Publisher struct {
	*pubsub.Hub
	srv *server
}

var _ bus.Publisher = (*Publisher)(nil)

// Addr returns the bound listener address
func (p *Publisher) Addr() net.Addr { return p.srv.Addr() }

// writeEvent encodes message as one event: a data line per message line
func writeEvent(w io.Writer, message string) error {
	var b strings.Builder
	for _, line := range strings.Split(message, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// streamConn is the server end of one event stream
type streamConn struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	remote   string
	security *bus.TransportSecurity

	mu        sync.Mutex
	finished  bool
	closeOnce sync.Once
	closed    chan struct{}
}

var _ engine.Conn = (*streamConn)(nil)

func newStreamConn(w http.ResponseWriter, r *http.Request) *streamConn {
	return &streamConn{
		w:        w,
		rc:       http.NewResponseController(w),
		remote:   r.RemoteAddr,
		security: bus.SecurityFromState(r.TLS),
		closed:   make(chan struct{}),
	}
}

// open writes the response header so the subscriber sees the stream
func (c *streamConn) open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.WriteHeader(http.StatusOK)
	return c.rc.Flush()
}

// Send writes message as one event, bounded by ctx's deadline
func (c *streamConn) Send(ctx context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return errors.WrapInvalid(errors.ErrPeerClosed, "http.Stream", "Send", "write event")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	_ = c.rc.SetWriteDeadline(deadline)
	if err := writeEvent(c.w, message); err != nil {
		return errors.WrapTransient(err, "http.Stream", "Send", "write event")
	}
	if err := c.rc.Flush(); err != nil {
		return errors.WrapTransient(err, "http.Stream", "Send", "flush event")
	}
	return nil
}

// finish stops writes; the handler is about to return
func (c *streamConn) finish() {
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}

// Close ends the stream. Idempotent.
func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *streamConn) RemoteAddr() string               { return c.remote }
func (c *streamConn) Security() *bus.TransportSecurity { return c.security }

// serveStream attaches each event-stream GET to hub until either side leaves
func serveStream(hub *pubsub.Hub, srv *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "subscribers must GET the event stream", http.StatusMethodNotAllowed)
			return
		}

		ctx, end := srv.begin(r)
		defer end()

		w.Header().Set("Content-Type", eventStream)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		conn := newStreamConn(w, r)
		h, err := hub.Attach(conn, r.URL.Query().Get(endpoint.KeyTopic))
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := conn.open(); err != nil {
			conn.finish()
			h.OnClose(err)
			return
		}

		select {
		case <-conn.closed:
		case <-ctx.Done():
		}
		conn.finish()
		h.OnClose(nil)
	}
}

// streamDialer opens event streams to a publisher
type streamDialer struct {
	url       string
	readLimit int64
	client    *http.Client
	transport *http.Transport
}

var _ engine.Dialer = (*streamDialer)(nil)

// newStreamDialer prepares subscriptions to base's endpoint for topic.
// TLS material is loaded here so bad material fails session construction.
func newStreamDialer(base *session.Base, topic string) (*streamDialer, error) {
	ep := base.Endpoint()
	readLimit, err := readLimitOf(ep)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsutil.ForClient(ep, base.Logger())
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set(endpoint.KeyTopic, topic)
	u := url.URL{Scheme: ep.Scheme, Host: ep.Address(), Path: pathOf(ep), RawQuery: q.Encode()}

	tr := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: base.Timeout()}).DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   base.Timeout(),
		ResponseHeaderTimeout: base.Timeout(),
		DisableCompression:    true,
	}
	return &streamDialer{
		url:       u.String(),
		readLimit: readLimit,
		client:    &http.Client{Transport: tr},
		transport: tr,
	}, nil
}

// Dial opens the stream and starts reading its events into h. ctx bounds
// only the handshake; the stream lives until Close or the publisher ends it.
func (d *streamDialer) Dial(ctx context.Context, h engine.Handler) (engine.Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, d.url, nil)
	if err != nil {
		stop()
		cancel()
		return nil, errors.WrapInvalid(err, Name, "Dial", "build request")
	}
	req.Header.Set("Accept", eventStream)

	resp, err := d.client.Do(req)
	if !stop() {
		// ctx ended during the handshake
		if err == nil {
			_ = resp.Body.Close()
			err = ctx.Err()
		}
	}
	if err != nil {
		cancel()
		return nil, transport.DialError(Name, "Dial", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), eventStream) {
		_ = resp.Body.Close()
		cancel()
		return nil, errors.WrapTransient(fmt.Errorf("%s: not an event stream (HTTP %d)", d.url, resp.StatusCode), Name, "Dial", "open stream")
	}

	c := &clientStream{
		body:     resp.Body,
		cancel:   cancel,
		remote:   resp.Request.URL.Host,
		security: bus.SecurityFromState(resp.TLS),
	}
	go c.read(h, d.readLimit)
	return c, nil
}

func (d *streamDialer) close() {
	d.transport.CloseIdleConnections()
}

// clientStream is the subscriber end of an event stream. It only receives.
type clientStream struct {
	body     io.ReadCloser
	cancel   context.CancelFunc
	remote   string
	security *bus.TransportSecurity
}

var _ engine.Conn = (*clientStream)(nil)

// Send fails: an event stream carries messages one way
func (c *clientStream) Send(context.Context, string) error {
	return errors.WrapInvalid(fmt.Errorf("event streams are receive-only"), "http.Stream", "Send", "write to publisher")
}

// Close ends the stream. Idempotent.
func (c *clientStream) Close() error {
	c.cancel()
	return nil
}

func (c *clientStream) RemoteAddr() string               { return c.remote }
func (c *clientStream) Security() *bus.TransportSecurity { return c.security }

// read parses events until the stream ends. A publisher closing the stream
// is reported as a nil error.
func (c *clientStream) read(h engine.Handler, readLimit int64) {
	defer c.body.Close()
	err := readEvents(c.body, readLimit, func(msg string) {
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	})
	c.cancel()
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, net.ErrClosed) {
		err = nil
	}
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// eventSlack covers the field name and line ending around a message line
const eventSlack = 64

// readEvents decodes the data lines of each event; other fields and comments
// are skipped. Only '\n' ends a line, so carriage returns in messages survive.
// No line is buffered beyond limit plus eventSlack. The stream ending is
// reported as io.EOF.
func readEvents(r io.Reader, limit int64, emit func(string)) error {
	maxLine := math.MaxInt32
	if limit > 0 {
		maxLine = int(min(limit, math.MaxInt32-eventSlack)) + eventSlack
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, maxLine)), maxLine)
	sc.Split(scanLF)

	var (
		data    strings.Builder
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if hasData {
				emit(data.String())
			}
			data.Reset()
			hasData = false
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			if limit > 0 && int64(data.Len()) > limit {
				return eventTooLarge(limit)
			}
		}
	}

	err := sc.Err()
	switch {
	case err == nil:
		return io.EOF
	case stderrors.Is(err, bufio.ErrTooLong):
		return eventTooLarge(limit)
	}
	return err
}

func eventTooLarge(limit int64) error {
	return errors.WrapInvalid(fmt.Errorf("event exceeds readLimit %d", limit), "http.Stream", "read", "read event")
}

// scanLF splits on '\n' alone. A trailing line without one is dropped.
func scanLF(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
