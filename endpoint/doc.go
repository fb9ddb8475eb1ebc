// Package endpoint parses endpoint URIs of the form
// scheme://host:port/path?opt=v&... into an immutable Endpoint.
//
// Options are decoded once at session creation with last-write-wins semantics:
//
//	ep, err := endpoint.Parse("wss://0.0.0.0:8443/rpc?timeout=2s&trust=ignore")
//	timeout, err := ep.Options.Duration(endpoint.KeyTimeout, 10*time.Second)
//
// A bare key decodes to an empty value, so "?auth" yields {"auth": ""}.
// The package performs no I/O.
package endpoint
