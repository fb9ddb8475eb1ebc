package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/c360/jsonrpcbus/errors"
)

// Endpoint is a parsed, immutable endpoint URI.
type Endpoint struct {
	Scheme  string
	Host    string
	Port    int
	Path    string
	Options Options
}

var defaultPorts = map[string]int{
	"http":  80,
	"ws":    80,
	"https": 443,
	"wss":   443,
	"nats":  4222,
	"tls":   4222,
}

// Parse splits uri into scheme, host, port, path and options.
// The scheme is lower-cased; a missing port falls back to the scheme default.
func Parse(uri string) (*Endpoint, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: empty uri", errors.ErrInvalidConfig), "endpoint", "Parse", "validate uri")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "endpoint", "Parse", "parse uri")
	}
	if u.Scheme == "" || u.Opaque != "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %q is not scheme://host:port/path", errors.ErrInvalidConfig, uri), "endpoint", "Parse", "validate uri")
	}

	ep := &Endpoint{
		Scheme:  strings.ToLower(u.Scheme),
		Host:    u.Hostname(),
		Path:    u.Path,
		Options: ParseQuery(u.RawQuery),
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return nil, errors.WrapFatal(fmt.Errorf("%w: invalid port %q", errors.ErrInvalidConfig, p), "endpoint", "Parse", "validate port")
		}
		ep.Port = port
	} else {
		ep.Port = defaultPorts[ep.Scheme]
	}

	return ep, nil
}

// MustParse is Parse for literals in tests and examples; it panics on error.
func MustParse(uri string) *Endpoint {
	ep, err := Parse(uri)
	if err != nil {
		panic(err)
	}
	return ep
}

// Address returns host:port suitable for net.Listen and net.Dial.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Secure reports whether the scheme requires TLS.
func (e *Endpoint) Secure() bool {
	switch e.Scheme {
	case "https", "wss", "tls":
		return true
	}
	return false
}

// WithOptions returns a copy with extra options merged over the existing ones.
func (e *Endpoint) WithOptions(extra Options) *Endpoint {
	c := *e
	c.Options = e.Options.Clone()
	for k, v := range extra {
		c.Options[k] = v
	}
	return &c
}

// String renders the endpoint back into URI form with deterministic option order.
func (e *Endpoint) String() string {
	u := url.URL{
		Scheme: e.Scheme,
		Host:   e.Address(),
		Path:   e.Path,
	}
	if e.Host == "" && e.Port == 0 {
		u.Host = ""
	}
	u.RawQuery = e.Options.Encode()
	return u.String()
}

// Redacted renders the URI with secret option values masked, for logs.
func (e *Endpoint) Redacted() string {
	masked := e.Options.Clone()
	for _, k := range []string{KeyKeyPassword, KeyKeystorePassword} {
		if masked.Has(k) {
			masked[k] = "xxxxx"
		}
	}
	c := *e
	c.Options = masked
	return c.String()
}
