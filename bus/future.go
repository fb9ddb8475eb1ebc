package bus

import (
	"context"
	"sync"
)

// Future is the pending result of a request. It completes exactly once,
// with either a reply or an error.
type Future struct {
	done     chan struct{}
	once     sync.Once
	result   string
	err      error
	mu       sync.Mutex
	onCancel func()
}

// NewFuture returns an incomplete Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// FailedFuture returns a Future already completed with err.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.Fail(err)
	return f
}

// OnCancel registers fn to run when Cancel completes the future.
func (f *Future) OnCancel(fn func()) {
	f.mu.Lock()
	f.onCancel = fn
	f.mu.Unlock()
}

func (f *Future) complete(result string, err error) bool {
	won := false
	f.once.Do(func() {
		f.result = result
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Resolve completes the future with a reply. It reports false if the future was already complete.
func (f *Future) Resolve(reply string) bool {
	return f.complete(reply, nil)
}

// Fail completes the future with err. It reports false if the future was already complete.
func (f *Future) Fail(err error) bool {
	return f.complete("", err)
}

// Cancel fails the future with context.Canceled and runs the cancel hook.
// It has no effect on a completed future.
func (f *Future) Cancel() {
	if !f.complete("", context.Canceled) {
		return
	}
	f.mu.Lock()
	fn := f.onCancel
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for completion or for ctx to end. An ended ctx does not complete the future.
func (f *Future) Get(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
