package engine

import (
	"fmt"
	"runtime/debug"

	"github.com/c360/jsonrpcbus/bus"
	"github.com/c360/jsonrpcbus/errors"
	"github.com/c360/jsonrpcbus/pkg/worker"
	"github.com/c360/jsonrpcbus/session"
)

// Dispatcher runs listener callbacks for one connection on the event loop
// the connection is pinned to, so callbacks for a connection never overlap
// and never run on the network goroutine.
type Dispatcher struct {
	base     *session.Base
	loop     *worker.Loop
	listener bus.MessageListener
}

// NewDispatcher pins a new dispatcher to the next loop of group
func NewDispatcher(base *session.Base, group *worker.Group, listener bus.MessageListener) *Dispatcher {
	if listener == nil {
		listener = bus.NopListener
	}
	return &Dispatcher{base: base, loop: group.Next(), listener: listener}
}

// Deliver queues message for the listener. done, if set, runs on the loop
// after the listener returns and reports whether it panicked.
func (d *Dispatcher) Deliver(peer bus.PeerContext, message string, done func(panicked bool)) error {
	d.base.RecordIn()
	err := d.loop.Submit(func() {
		panicked := d.invoke(peer, message)
		if done != nil {
			done(panicked)
		}
	})
	if err != nil {
		return errors.WrapInvalid(err, "Dispatcher", "Deliver", "queue listener call")
	}
	return nil
}

// invoke isolates listener failures: a panic is logged and counted and the
// loop carries on with the next message.
func (d *Dispatcher) invoke(peer bus.PeerContext, message string) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			d.base.Metrics().RecordListenerPanic(d.base.Transport(), d.base.SessionType().String())
			d.base.RecordError(fmt.Errorf("listener panic: %v", r))
			d.base.Logger().Error("Listener panicked",
				"peer", peer.ID(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	d.listener.OnMessage(peer, message)
	return false
}
