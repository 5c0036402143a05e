//go:build !windows

package process

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/go-clog/clog"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/phaserun/internal/eventloop"
	"github.com/Paintersrp/phaserun/internal/metrics"
	"github.com/Paintersrp/phaserun/internal/task"
)

// CancelGracePeriod is how long a caller should allow for the exit status to
// become available after Cancel before escalating.
const CancelGracePeriod = time.Second

const readChunkSize = 4096

// Descriptor is a resource owned by a Supervisor and closed when it
// unregisters.
type Descriptor interface {
	Close() error
}

// RawFD is a bare file descriptor owned by a Supervisor.
type RawFD int

func (fd RawFD) Close() error {
	return unix.Close(int(fd))
}

// Options configures a Supervisor.
type Options struct {
	// OS defaults to System().
	OS OS

	// Files are owned by the supervisor from construction on and closed
	// exactly once when it unregisters.
	Files map[string]Descriptor

	// Watch names the entry of Files registered for readiness by Start. When
	// empty, Start relies on a child watch alone.
	Watch string

	// OnOutput receives data read from the watched descriptor. The slice is
	// not reused by the supervisor.
	OnOutput func([]byte)
}

// Supervisor tracks one child process. It must only be used from the
// goroutine driving its loop.
type Supervisor struct {
	task.Base

	pid  int
	loop eventloop.Scheduler
	sys  OS

	files    map[string]Descriptor
	watch    string
	onOutput func([]byte)
	buf      []byte

	regID  eventloop.SourceID
	waitID eventloop.SourceID
}

// New returns a supervisor for pid. A pid of zero means no process has been
// assigned yet; such a handle is never alive and never polled.
func New(pid int, loop eventloop.Scheduler, opts Options) *Supervisor {
	sys := opts.OS
	if sys == nil {
		sys = System()
	}
	var files map[string]Descriptor
	if len(opts.Files) > 0 {
		files = maps.Clone(opts.Files)
	}
	return &Supervisor{
		pid:      pid,
		loop:     loop,
		sys:      sys,
		files:    files,
		watch:    opts.Watch,
		onOutput: opts.OnOutput,
	}
}

func (s *Supervisor) Pid() int {
	return s.pid
}

// IsAlive reports whether a pid is assigned and no return code is known.
func (s *Supervisor) IsAlive() bool {
	_, done := s.Returncode()
	return s.pid > 0 && !done
}

// Start registers the supervisor with the loop: the watched descriptor for
// readiness if one was configured, otherwise a child watch.
func (s *Supervisor) Start() error {
	if _, done := s.Returncode(); done || s.Registered() {
		return nil
	}
	if s.watch == "" {
		s.AsyncWait()
		return nil
	}
	desc, ok := s.files[s.watch]
	if !ok {
		return fmt.Errorf("watch descriptor %q is not owned by pid %d", s.watch, s.pid)
	}
	fd, ok := descriptorFD(desc)
	if !ok {
		return fmt.Errorf("watch descriptor %q of pid %d has no file descriptor", s.watch, s.pid)
	}
	s.regID = s.loop.IOWatchAdd(fd, eventloop.IOIn|eventloop.IOPri|eventloop.IOHup|task.ExceptionalEvents, s.handleIO)
	s.SetRegistered(true)
	return nil
}

// Poll returns the return code if it is known. While the supervisor is
// registered with the loop it relies on the loop to report the exit and
// performs no check of its own; otherwise it checks the exit status once
// without blocking.
func (s *Supervisor) Poll() (int, bool, error) {
	if rc, done := s.Returncode(); done {
		return rc, true, nil
	}
	if s.pid <= 0 || s.Registered() {
		return 0, false, nil
	}

	res := s.sys.WaitNoHang(s.pid)
	var status int
	switch res.Outcome {
	case WaitPending:
		return 0, false, nil
	case WaitExited:
		status = res.Status
		metrics.ObserveReap(metrics.ReapPathPoll)
	case WaitNoChild:
		status = eventloop.ExitedStatus(1)
		metrics.ObserveReap(metrics.ReapPathSynthesized)
	case WaitFailed:
		return 0, false, &OSError{Op: "waitpid", Pid: s.pid, Err: res.Err}
	default:
		return 0, false, &OSError{Op: "waitpid", Pid: s.pid, Err: fmt.Errorf("unknown outcome %s", res.Outcome)}
	}

	s.setReturncode(status)
	s.AsyncWait()
	rc, _ := s.Returncode()
	return rc, true, nil
}

// Cancel asks a live child to terminate with SIGTERM. It does not wait for the
// exit; that is still observed through Poll or the loop.
func (s *Supervisor) Cancel() error {
	if !s.IsAlive() {
		return nil
	}
	s.MarkCancelled()

	res := s.sys.Signal(s.pid, unix.SIGTERM)
	switch res.Outcome {
	case SignalDelivered, SignalTargetGone:
		return nil
	case SignalDenied:
		// Seen with hardened kernels.
		clog.Error(2, "kill: (%d) - Operation not permitted", s.pid)
		metrics.IncSignalDenied()
		return nil
	default:
		err := res.Err
		if err == nil {
			err = errors.New("signal delivery failed")
		}
		return &OSError{Op: "kill", Pid: s.pid, Err: err}
	}
}

// AsyncWait arranges for exit listeners to be notified without blocking. If
// the return code is already known they are notified immediately; otherwise a
// child watch is registered and notification happens when it fires.
func (s *Supervisor) AsyncWait() {
	if _, done := s.Returncode(); done {
		s.NotifyExit()
		return
	}
	if s.pid <= 0 || s.waitID != 0 {
		return
	}
	s.waitID = s.loop.ChildWatchAdd(s.pid, s.onChildWatch)
	s.SetRegistered(true)
}

func (s *Supervisor) onChildWatch(pid, status int) {
	if pid != s.pid {
		panic(&ProtocolViolationError{Expected: s.pid, Got: pid})
	}
	// The loop already dropped the one-shot source.
	s.waitID = 0
	s.setReturncode(status)
	metrics.ObserveReap(metrics.ReapPathWatch)
	s.AsyncWait()
}

func (s *Supervisor) handleIO(fd int, events eventloop.IOEvent) error {
	if events&(eventloop.IOIn|eventloop.IOPri) != 0 {
		eof, err := s.readOutput(fd, events&eventloop.IOHup != 0)
		if err != nil {
			return err
		}
		if eof {
			events |= eventloop.IOHup
		}
	}
	if events&(task.ExceptionalEvents|eventloop.IOHup) != 0 {
		return s.unregisterIfAppropriate(events)
	}
	return nil
}

// readOutput performs a single read so a descriptor left in blocking mode can
// not stall the loop; poll is level triggered and reports remaining data on
// the next pass. After a hangup every writer is gone, so it drains until end
// of file: unregistering closes the descriptor and would lose what is left.
func (s *Supervisor) readOutput(fd int, drain bool) (bool, error) {
	if s.buf == nil {
		s.buf = make([]byte, readChunkSize)
	}
	for {
		n, err := unix.Read(fd, s.buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case errors.Is(err, unix.EIO):
			// A closed pty slave reads as EIO rather than EOF.
			return true, nil
		case err != nil:
			return false, &OSError{Op: "read", Pid: s.pid, Err: err}
		case n == 0:
			return true, nil
		}
		if s.onOutput != nil {
			s.onOutput(append([]byte(nil), s.buf[:n]...))
		}
		if !drain {
			return false, nil
		}
	}
}

// unregisterIfAppropriate reacts to a watched descriptor that can no longer
// deliver readiness. The exit is then collected through a child watch rather
// than a blocking wait, which would recurse into the loop that is currently
// dispatching us.
func (s *Supervisor) unregisterIfAppropriate(events eventloop.IOEvent) error {
	if !s.Registered() {
		return nil
	}
	switch {
	case events&task.ExceptionalEvents != 0:
		clog.Warn("[process] poll exception on pid %d: %s", s.pid, events)
		s.Unregister()
		if err := s.Cancel(); err != nil {
			return err
		}
		s.AsyncWait()
	case events&eventloop.IOHup != 0:
		s.Unregister()
		s.AsyncWait()
	}
	return nil
}

// Unregister removes every loop source held by the supervisor and closes its
// descriptors. Calling it again is a no-op.
func (s *Supervisor) Unregister() {
	s.SetRegistered(false)

	if s.regID != 0 {
		s.loop.SourceRemove(s.regID)
		s.regID = 0
	}
	if s.waitID != 0 {
		s.loop.SourceRemove(s.waitID)
		s.waitID = 0
	}

	if s.files != nil {
		for _, name := range slices.Sorted(maps.Keys(s.files)) {
			if err := s.files[name].Close(); err != nil {
				clog.Trace("[process] close %s of pid %d: %v", name, s.pid, err)
			}
		}
		s.files = nil
	}
}

// setReturncode unregisters and records the decoded status. A return code
// that is already set is left untouched.
func (s *Supervisor) setReturncode(status int) {
	s.Unregister()
	s.SetReturncode(DecodeStatus(status))
}

func descriptorFD(d Descriptor) (int, bool) {
	switch v := d.(type) {
	case RawFD:
		return int(v), true
	case interface{ Fd() uintptr }:
		return int(v.Fd()), true
	default:
		return -1, false
	}
}
