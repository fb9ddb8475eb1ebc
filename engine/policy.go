package engine

import (
	"fmt"
	"time"

	"github.com/c360/jsonrpcbus/endpoint"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/retry"
)

// Policy decides how a client session retries its connect attempts
type Policy struct {
	// Retries is the number of retries after the first attempt; -1 means
	// "keep trying until the session timeout window has elapsed".
	Retries  int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Explicit reports whether the URI set a retry count
func (p Policy) Explicit() bool {
	return p.Retries >= 0
}

// Config builds the retry.Config for one connect cycle bounded by window
func (p Policy) Config(window time.Duration) retry.Config {
	var cfg retry.Config
	if p.Explicit() {
		cfg = retry.Attempts(p.Retries+1, 100*time.Millisecond, 5*time.Second)
	} else {
		cfg = retry.ForWindow(window)
	}
	if p.Delay > 0 {
		cfg.InitialDelay = p.Delay
	}
	if p.MaxDelay > 0 {
		cfg.MaxDelay = p.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}

// PolicyFromOptions reads retries, retryDelay and retryMaxDelay
func PolicyFromOptions(opts endpoint.Options) (Policy, error) {
	p := Policy{Retries: -1}

	var err error
	if opts.Has(endpoint.KeyRetries) {
		if p.Retries, err = opts.Int(endpoint.KeyRetries, -1); err != nil {
			return p, policyError(err)
		}
		if p.Retries < 0 {
			return p, policyError(fmt.Errorf("retries must not be negative"))
		}
	}
	if p.Delay, err = opts.Duration(endpoint.KeyRetryDelay, 0); err != nil {
		return p, policyError(err)
	}
	if p.MaxDelay, err = opts.Duration(endpoint.KeyRetryMaxDelay, 0); err != nil {
		return p, policyError(err)
	}
	return p, nil
}

func policyError(err error) error {
	return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "engine", "PolicyFromOptions", "read retry options")
}
