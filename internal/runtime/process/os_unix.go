//go:build !windows

package process

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// WaitOutcome classifies a non-blocking exit status check.
type WaitOutcome int

const (
	// WaitPending means the child has not changed state yet.
	WaitPending WaitOutcome = iota
	// WaitExited means Status holds the raw wait status of the child.
	WaitExited
	// WaitNoChild means the pid is no longer a child of this process,
	// typically because something else reaped it.
	WaitNoChild
	// WaitFailed covers every other error.
	WaitFailed
)

func (o WaitOutcome) String() string {
	switch o {
	case WaitPending:
		return "pending"
	case WaitExited:
		return "exited"
	case WaitNoChild:
		return "no-child"
	case WaitFailed:
		return "failed"
	default:
		return fmt.Sprintf("wait-outcome(%d)", int(o))
	}
}

// WaitResult is the classified result of OS.WaitNoHang.
type WaitResult struct {
	Outcome WaitOutcome
	Status  int
	Err     error
}

// SignalOutcome classifies a signal delivery attempt.
type SignalOutcome int

const (
	SignalDelivered SignalOutcome = iota
	// SignalDenied means the kernel refused with EPERM.
	SignalDenied
	// SignalTargetGone means the process no longer exists.
	SignalTargetGone
	// SignalFailed covers every other error.
	SignalFailed
)

func (o SignalOutcome) String() string {
	switch o {
	case SignalDelivered:
		return "delivered"
	case SignalDenied:
		return "denied"
	case SignalTargetGone:
		return "target-gone"
	case SignalFailed:
		return "failed"
	default:
		return fmt.Sprintf("signal-outcome(%d)", int(o))
	}
}

// SignalResult is the classified result of OS.Signal.
type SignalResult struct {
	Outcome SignalOutcome
	Err     error
}

// OS is the narrow operating system surface a Supervisor uses. Errors are
// classified by the implementation so callers switch on outcomes instead of
// inspecting errno values.
type OS interface {
	WaitNoHang(pid int) WaitResult
	Signal(pid int, sig unix.Signal) SignalResult
}

type systemOS struct{}

// System returns the OS implementation backed by wait4(2) and kill(2).
func System() OS {
	return systemOS{}
}

func (systemOS) WaitNoHang(pid int) WaitResult {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return WaitResult{Outcome: WaitNoChild, Err: err}
		case err != nil:
			return WaitResult{Outcome: WaitFailed, Err: err}
		case wpid == 0:
			return WaitResult{Outcome: WaitPending}
		}
		return WaitResult{Outcome: WaitExited, Status: int(ws)}
	}
}

func (systemOS) Signal(pid int, sig unix.Signal) SignalResult {
	err := unix.Kill(pid, sig)
	switch {
	case err == nil:
		return SignalResult{Outcome: SignalDelivered}
	case errors.Is(err, unix.EPERM):
		return SignalResult{Outcome: SignalDenied, Err: err}
	case errors.Is(err, unix.ESRCH):
		return SignalResult{Outcome: SignalTargetGone, Err: err}
	default:
		return SignalResult{Outcome: SignalFailed, Err: err}
	}
}

// DecodeStatus converts a raw wait status into a return code: the exit code
// for a normal exit, or the negated signal number if the child was killed by
// a signal.
func DecodeStatus(raw int) int {
	ws := unix.WaitStatus(raw)
	if ws.Signaled() {
		return -int(ws.Signal())
	}
	return (raw >> 8) & 0xff
}
