package worker

import "errors"

// Sentinel errors for loop group operations
var (
	// ErrGroupStopped indicates the group's reference count reached zero
	ErrGroupStopped = errors.New("event loop group stopped")

	// ErrNilTask indicates a nil task was submitted
	ErrNilTask = errors.New("task cannot be nil")
)
