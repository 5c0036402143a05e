//go:build !windows

package eventloop

import (
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// SourceID identifies a registered source. The zero value never refers to a
// live source.
type SourceID uint64

// IOEvent is a poll(2) event mask.
type IOEvent int16

const (
	IOIn   IOEvent = unix.POLLIN
	IOPri  IOEvent = unix.POLLPRI
	IOOut  IOEvent = unix.POLLOUT
	IOErr  IOEvent = unix.POLLERR
	IOHup  IOEvent = unix.POLLHUP
	IONval IOEvent = unix.POLLNVAL
)

var eventNames = []struct {
	bit  IOEvent
	name string
}{
	{IOIn, "in"},
	{IOPri, "pri"},
	{IOOut, "out"},
	{IOErr, "err"},
	{IOHup, "hup"},
	{IONval, "nval"},
}

func (e IOEvent) String() string {
	if e == 0 {
		return "none"
	}
	parts := make([]string, 0, len(eventNames))
	for _, n := range eventNames {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// IOHandler is invoked when a watched descriptor reports readiness. A non-nil
// error aborts the current iteration and is returned to the caller driving the
// loop.
type IOHandler func(fd int, events IOEvent) error

// ChildWatchHandler receives the pid and raw wait status of an exited child.
type ChildWatchHandler func(pid, status int)

// Scheduler is the subset of the loop that supervised tasks depend on.
type Scheduler interface {
	// IOWatchAdd registers fd for the events in mask.
	IOWatchAdd(fd int, mask IOEvent, handler IOHandler) SourceID

	// ChildWatchAdd registers a one-shot watch for pid. The source is removed
	// before handler runs.
	ChildWatchAdd(pid int, handler ChildWatchHandler) SourceID

	// TimeoutAdd runs handler after d, and again every d while it returns
	// true.
	TimeoutAdd(d time.Duration, handler func() bool) SourceID

	// CallSoon queues fn for the next iteration.
	CallSoon(fn func())

	// SourceRemove removes any kind of source. Removing an unknown or already
	// removed id is a no-op that reports false.
	SourceRemove(id SourceID) bool
}

// ExitedStatus builds the raw wait status of a child that exited normally with
// code.
func ExitedStatus(code int) int {
	return (code & 0xff) << 8
}

// SignaledStatus builds the raw wait status of a child terminated by sig.
func SignaledStatus(sig int) int {
	return sig & 0x7f
}
