package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrBudgetExhausted is returned when the attempt count or the time window runs out
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// NonRetryableError stops Do after the attempt that returned it
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable marks err so Do returns it without further attempts
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config bounds one retry loop by attempts, by wall time, or both
type Config struct {
	MaxAttempts  int           // 0 is unlimited when Window is set, otherwise 1
	InitialDelay time.Duration // pause after the first failure
	MaxDelay     time.Duration // cap on the pause
	Multiplier   float64       // growth of the pause per attempt
	AddJitter    bool          // add up to 25% to each pause
	Window       time.Duration // total time for all attempts; 0 is none

	// OnRetry runs after each failed attempt that will be retried
	OnRetry func(attempt int, err error, next time.Duration)
}

// ForWindow keeps retrying until window has elapsed
func ForWindow(window time.Duration) Config {
	return Config{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
		Window:       window,
	}
}

// Attempts makes exactly n attempts with pauses from initial up to maxDelay
func Attempts(n int, initial, maxDelay time.Duration) Config {
	return Config{
		MaxAttempts:  n,
		InitialDelay: initial,
		MaxDelay:     maxDelay,
		Multiplier:   2,
		AddJitter:    true,
	}
}

func (cfg Config) check() (Config, error) {
	switch {
	case cfg.InitialDelay < 0, cfg.MaxDelay < 0, cfg.Window < 0:
		return cfg, fmt.Errorf("retry: negative duration in %+v", cfg)
	case cfg.Multiplier < 0:
		return cfg, fmt.Errorf("retry: negative multiplier %v", cfg.Multiplier)
	}
	if cfg.MaxAttempts <= 0 && cfg.Window == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, fmt.Errorf("retry: max delay %v below initial delay %v", cfg.MaxDelay, cfg.InitialDelay)
	}
	cfg.Multiplier = min(max(cfg.Multiplier, 0), 1000)
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2
	}
	return cfg, nil
}

// backoff yields the pause before each retry
type backoff struct {
	cfg  Config
	next time.Duration
}

func (b *backoff) pause() time.Duration {
	d := b.next
	if grown := float64(b.next) * b.cfg.Multiplier; grown >= float64(b.cfg.MaxDelay) {
		b.next = b.cfg.MaxDelay
	} else {
		b.next = time.Duration(grown)
	}
	if b.cfg.AddJitter && d >= 4 {
		d += rand.N(d / 4)
	}
	return d
}

// Do calls fn until it succeeds, returns a NonRetryable error, ctx ends or
// the budget runs out. The budget error wraps ErrBudgetExhausted and the
// last failure.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.check()
	if err != nil {
		return err
	}

	var deadline time.Time
	if cfg.Window > 0 {
		deadline = time.Now().Add(cfg.Window)
	}
	b := backoff{cfg: cfg, next: cfg.InitialDelay}

	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case IsNonRetryable(err):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		case attempt == cfg.MaxAttempts:
			return fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt, err)
		}

		wait := b.pause()
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return fmt.Errorf("%w after %d attempts within %v: %w", ErrBudgetExhausted, attempt, cfg.Window, err)
			}
			wait = min(wait, left)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled waiting for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}
}
