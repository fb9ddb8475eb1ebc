package endpoint

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Option keys understood by the bus transports.
const (
	KeyTimeout           = "timeout"
	KeyRetries           = "retries"
	KeyRetryDelay        = "retryDelay"
	KeyRetryMaxDelay     = "retryMaxDelay"
	KeySendQueue         = "sendQueue"
	KeyReadLimit         = "readLimit"
	KeyCertFile          = "certFile"
	KeyKeyFile           = "keyFile"
	KeyKeyPassword       = "keyPassword"
	KeyKeystore          = "keystore"
	KeyKeystorePassword  = "keystorePassword"
	KeyKeystoreType      = "keystoreType"
	KeyCAFile            = "caFile"
	KeyTrust             = "trust"
	KeyTLSMinVersion     = "tlsMinVersion"
	KeyClientCAFile      = "clientCaFile"
	KeyRequireClientCert = "requireClientCert"
	KeyClientCertFile    = "clientCertFile"
	KeyClientKeyFile     = "clientKeyFile"
	KeyACMEDirectory     = "acmeDirectory"
	KeyACMEEmail         = "acmeEmail"
	KeyACMEDomains       = "acmeDomains"
	KeyACMEStorage       = "acmeStorage"
	KeyACMEChallenge     = "acmeChallenge"
	KeyQueueGroup        = "queueGroup"
	KeyName              = "name"
	KeyTopic             = "topic"
)

// Options is the decoded query component of an endpoint URI.
// Keys are case sensitive. A key given without a value maps to "".
type Options map[string]string

// ParseQuery decodes a raw query string (with or without the leading '?').
// Keys and values are form-unescaped; when a key repeats the last value wins.
// Pairs that fail to unescape are kept verbatim.
func ParseQuery(raw string) Options {
	raw = strings.TrimPrefix(raw, "?")
	opts := make(Options)
	if raw == "" {
		return opts
	}

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key = unescape(key)
		if key == "" {
			continue
		}
		opts[key] = unescape(value)
	}
	return opts
}

func unescape(s string) string {
	u, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return u
}

// Encode renders the options as a query string without the leading '?'.
// Keys are sorted so the output is deterministic; empty values encode as a bare key.
func (o Options) Encode() string {
	if len(o) == 0 {
		return ""
	}
	keys := o.Keys()

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		if v := o[k]; v != "" {
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// Keys returns the option keys in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present, even with an empty value.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Clone returns an independent copy.
func (o Options) Clone() Options {
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// String returns the value for key or def when the key is absent or empty.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Duration parses key as a Go duration ("250ms", "2s") or as bare milliseconds ("250").
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms < 0 {
			return def, &OptionError{Key: key, Value: v, Reason: "must not be negative"}
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, &OptionError{Key: key, Value: v, Reason: "not a duration"}
	}
	if d < 0 {
		return def, &OptionError{Key: key, Value: v, Reason: "must not be negative"}
	}
	return d, nil
}

// Int parses key as a base-10 integer.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, &OptionError{Key: key, Value: v, Reason: "not an integer"}
	}
	return n, nil
}

// Bool parses key as a boolean. A bare key (empty value) counts as true.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, &OptionError{Key: key, Value: v, Reason: "not a boolean"}
	}
	return b, nil
}

// List splits a comma separated value, trimming blanks and dropping empty items.
func (o Options) List(key string) []string {
	v := o[key]
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// OptionError reports an option whose value could not be interpreted.
type OptionError struct {
	Key    string
	Value  string
	Reason string
}

func (e *OptionError) Error() string {
	return "option " + strconv.Quote(e.Key) + "=" + strconv.Quote(e.Value) + ": " + e.Reason
}
