package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass tells a caller what to do about a failure
type ErrorClass int

const (
	// ErrorTransient failures may succeed when retried later
	ErrorTransient ErrorClass = iota
	// ErrorInvalid failures come from calling a session in the wrong state
	ErrorInvalid
	// ErrorFatal failures need a configuration change or a new session
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	}
	return "unknown"
}

// Session and peer lifecycle
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrPeerClosed     = errors.New("peer channel closed")
	ErrShuttingDown   = errors.New("factory is shutting down")
	ErrDuplicateEntry = errors.New("duplicate registration")
)

// Waiting and connectivity
var (
	ErrTimeout            = errors.New("timeout")
	ErrNotReady           = errors.New("channel not ready")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrQueueFull          = errors.New("queue full")
)

// Setup
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
	ErrUnknownScheme      = errors.New("unknown transport scheme")
	ErrInvalidTLS         = errors.New("invalid TLS material")
	ErrBindFailed         = errors.New("bind failed")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// causes maps unclassified sentinels to their class; the first match wins
var causes = []struct {
	class    ErrorClass
	sentinel []error
}{
	{ErrorTransient, []error{
		ErrTimeout, ErrConnectionTimeout, context.DeadlineExceeded,
		ErrNotReady, ErrConnectionLost, ErrQueueFull, context.Canceled,
	}},
	{ErrorFatal, []error{
		ErrInvalidConfig, ErrMissingConfig, ErrInvalidTLS,
		ErrUnknownScheme, ErrBindFailed, ErrMaxRetriesExceeded,
	}},
	{ErrorInvalid, []error{
		ErrSessionClosed, ErrPeerClosed, ErrShuttingDown, ErrDuplicateEntry,
	}},
}

// hints classify foreign errors, mostly from net and the NATS library, by text
var hints = map[ErrorClass][]string{
	ErrorTransient: {"timeout", "connection", "network", "temporary", "unavailable", "busy", "retry"},
	ErrorFatal:     {"fatal", "panic", "invalid config", "missing config"},
}

// ClassifiedError is an error tagged with its class and where it happened
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message == "" {
		return ce.Err.Error()
	}
	return ce.Message
}

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

// IsTimeout reports whether a blocking wait ran out of time
func IsTimeout(err error) bool {
	return err != nil && (errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, context.DeadlineExceeded))
}

// IsTransient reports whether retrying later may succeed
func IsTransient(err error) bool { return is(err, ErrorTransient) }

// IsFatal reports whether the failure needs a configuration change
func IsFatal(err error) bool { return is(err, ErrorFatal) }

// IsInvalid reports whether the call was wrong for the session's state
func IsInvalid(err error) bool { return is(err, ErrorInvalid) }

// IsRecoverable is IsTransient under the name session callers use
func IsRecoverable(err error) bool { return IsTransient(err) }

// IsClassified reports whether err already carries a ClassifiedError
func IsClassified(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce)
}

// Classify returns the class of err. Errors nothing recognizes count as
// transient so callers may retry them.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if class, ok := lookup(err); ok {
		return class
	}
	return ErrorTransient
}

// is checks a tagged class first, then sentinels, then message hints
func is(err error, class ErrorClass) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == class
	}
	for _, c := range causes {
		if c.class != class {
			continue
		}
		for _, s := range c.sentinel {
			if errors.Is(err, s) {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	for _, h := range hints[class] {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

func lookup(err error) (ErrorClass, bool) {
	for _, class := range []ErrorClass{ErrorTransient, ErrorFatal, ErrorInvalid} {
		if is(err, class) {
			return class, true
		}
	}
	return 0, false
}

// Wrap adds context as "component.method: action failed: cause"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient is Wrap tagged ErrorTransient
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal is Wrap tagged ErrorFatal
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid is Wrap tagged ErrorInvalid
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}

// Timeout reports a blocking wait that gave up after d
func Timeout(component, method string, d time.Duration) error {
	return WrapTransient(fmt.Errorf("%w after %v", ErrTimeout, d), component, method, "wait")
}
