//go:build !windows

// Package task provides the bookkeeping shared by every activity supervised
// from the event loop: registration state, the final return code and the exit
// listeners that are told about it.
package task

import "github.com/Paintersrp/phaserun/internal/eventloop"

// ExceptionalEvents are readiness bits that indicate the watched descriptor
// is unusable rather than ready.
const ExceptionalEvents = eventloop.IOErr | eventloop.IONval

// ExitListener is told the final return code of a task.
type ExitListener func(returncode int)

type listener struct {
	id int
	fn ExitListener
}

// Base is embedded by supervised tasks. The zero value is ready to use. Base
// is not safe for concurrent use; it is owned by the loop goroutine.
type Base struct {
	registered bool
	cancelled  bool

	returncode    int
	hasReturncode bool

	listeners    []listener
	nextListener int
	notified     bool
	done         chan struct{}
}

// Returncode reports the final return code and whether it has been set.
func (b *Base) Returncode() (int, bool) {
	return b.returncode, b.hasReturncode
}

// SetReturncode records rc. A return code is only ever set once; later calls
// leave it unchanged and report false.
func (b *Base) SetReturncode(rc int) bool {
	if b.hasReturncode {
		return false
	}
	b.returncode = rc
	b.hasReturncode = true
	return true
}

func (b *Base) Registered() bool {
	return b.registered
}

func (b *Base) SetRegistered(registered bool) {
	b.registered = registered
}

// Cancelled reports whether cancellation was requested while the task was
// still running.
func (b *Base) Cancelled() bool {
	return b.cancelled
}

func (b *Base) MarkCancelled() {
	b.cancelled = true
}

// AddExitListener registers fn to be called once the task exits. If exit
// listeners were already notified fn is never called. The returned function
// removes the listener.
func (b *Base) AddExitListener(fn ExitListener) (remove func()) {
	if fn == nil || b.notified {
		return func() {}
	}
	b.nextListener++
	id := b.nextListener
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	return func() {
		for i, l := range b.listeners {
			if l.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// NotifyExit informs exit listeners in registration order. It does nothing
// until a return code is set and nothing after the first successful call.
func (b *Base) NotifyExit() {
	if !b.hasReturncode || b.notified {
		return
	}
	b.notified = true
	if b.done != nil {
		close(b.done)
	}
	pending := b.listeners
	b.listeners = nil
	for _, l := range pending {
		l.fn(b.returncode)
	}
}

// Notified reports whether exit listeners have been informed.
func (b *Base) Notified() bool {
	return b.notified
}

// Done returns a channel that is closed when exit listeners are notified.
func (b *Base) Done() <-chan struct{} {
	if b.done == nil {
		b.done = make(chan struct{})
		if b.notified {
			close(b.done)
		}
	}
	return b.done
}
