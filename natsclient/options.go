package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/c360/jsonrpcbus/metric"
)

// ClientOption configures a Client
type ClientOption func(*Client) error

// WithMaxReconnects bounds reconnect attempts, including the background
// retries of the first connect; -1 retries forever
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		if n < -1 {
			return fmt.Errorf("max reconnects %d: must be -1 or more", n)
		}
		c.cfg.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("reconnect wait %v: must be positive", d)
		}
		c.cfg.reconnectWait = d
		return nil
	}
}

// WithRetryOnFailedConnect keeps a failed first connect retrying in the
// background (the default); false makes Connect fail instead
func WithRetryOnFailedConnect(enabled bool) ClientOption {
	return func(c *Client) error {
		c.cfg.retryFirst = enabled
		return nil
	}
}

// WithPingInterval sets how often the library pings the server
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.cfg.pingInterval = d
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger.With("component", "natsclient")
		}
		return nil
	}
}

// WithMetrics reports connection state, RTT and reconnects; nil disables it
func WithMetrics(metrics *metric.Metrics) ClientOption {
	return func(c *Client) error {
		c.metrics = metrics
		return nil
	}
}

// WithDisconnectCallback is called, on its own goroutine, when the connection drops
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.cfg.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback is called, on its own goroutine, after a reconnect
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.cfg.onReconnect = fn
		return nil
	}
}

// WithTLSConfig secures the connection with cfg
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) error {
		c.cfg.tlsConfig = cfg
		return nil
	}
}

// WithName sets the connection name the server shows in monitoring
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.cfg.name = name
		return nil
	}
}

// WithTimeout sets the dial timeout of a single connection attempt
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.cfg.timeout = d
		return nil
	}
}

// WithDrainTimeout bounds draining on Close
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.cfg.drainTimeout = d
		return nil
	}
}

// redact removes credentials from a server URL for logging
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
