//go:build !windows

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type ioSource struct {
	fd      int
	mask    IOEvent
	handler IOHandler
}

type childSource struct {
	pid     int
	handler ChildWatchHandler
}

type timerSource struct {
	interval time.Duration
	deadline time.Time
	handler  func() bool
}

// Loop is a poll(2) based reactor. It is not safe for concurrent use; all
// methods except Close and the internal wakeup must be called from the
// goroutine driving the loop.
type Loop struct {
	nextID   SourceID
	io       map[SourceID]*ioSource
	children map[SourceID]*childSource
	timers   map[SourceID]*timerSource
	soon     []func()

	// checkChildren is set when SIGCHLD arrived or a child watch was added
	// since the last child scan.
	checkChildren bool

	wakeMu sync.Mutex
	wakeR  int
	wakeW  int
	closed bool

	signals chan os.Signal
	stop    chan struct{}
	fwd     sync.WaitGroup

	wait4 func(pid int) (int, int, error)
	now   func() time.Time
}

var _ Scheduler = (*Loop)(nil)

// New constructs a loop and starts forwarding SIGCHLD to it.
func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("create wakeup pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("set wakeup pipe non-blocking: %w", err)
		}
	}

	l := &Loop{
		io:       make(map[SourceID]*ioSource),
		children: make(map[SourceID]*childSource),
		timers:   make(map[SourceID]*timerSource),
		wakeR:    p[0],
		wakeW:    p[1],
		signals:  make(chan os.Signal, 1),
		stop:     make(chan struct{}),
		wait4:    waitNoHang,
		now:      time.Now,
	}

	signal.Notify(l.signals, unix.SIGCHLD)
	l.fwd.Add(1)
	go l.forwardSignals()
	return l, nil
}

func (l *Loop) forwardSignals() {
	defer l.fwd.Done()
	for {
		select {
		case <-l.stop:
			return
		case <-l.signals:
			l.wake()
		}
	}
}

// wake interrupts a blocking poll. It is safe to call from any goroutine.
func (l *Loop) wake() {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	if l.closed {
		return
	}
	// EAGAIN means a wakeup is already pending.
	_, _ = unix.Write(l.wakeW, []byte{0})
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close stops SIGCHLD forwarding and releases the wakeup pipe. Sources that
// are still registered are dropped without being invoked.
func (l *Loop) Close() error {
	l.wakeMu.Lock()
	if l.closed {
		l.wakeMu.Unlock()
		return nil
	}
	l.closed = true
	l.wakeMu.Unlock()

	signal.Stop(l.signals)
	close(l.stop)
	l.fwd.Wait()

	err := errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
	if err != nil {
		return fmt.Errorf("close wakeup pipe: %w", err)
	}
	return nil
}

func (l *Loop) allocID() SourceID {
	l.nextID++
	return l.nextID
}

func (l *Loop) IOWatchAdd(fd int, mask IOEvent, handler IOHandler) SourceID {
	id := l.allocID()
	l.io[id] = &ioSource{fd: fd, mask: mask, handler: handler}
	return id
}

func (l *Loop) ChildWatchAdd(pid int, handler ChildWatchHandler) SourceID {
	id := l.allocID()
	l.children[id] = &childSource{pid: pid, handler: handler}
	// The child may already have exited and its SIGCHLD been consumed.
	l.checkChildren = true
	return id
}

func (l *Loop) TimeoutAdd(d time.Duration, handler func() bool) SourceID {
	if d < 0 {
		d = 0
	}
	id := l.allocID()
	l.timers[id] = &timerSource{interval: d, deadline: l.now().Add(d), handler: handler}
	return id
}

func (l *Loop) CallSoon(fn func()) {
	if fn == nil {
		return
	}
	l.soon = append(l.soon, fn)
}

func (l *Loop) SourceRemove(id SourceID) bool {
	if id == 0 {
		return false
	}
	if _, ok := l.io[id]; ok {
		delete(l.io, id)
		return true
	}
	if _, ok := l.children[id]; ok {
		delete(l.children, id)
		return true
	}
	if _, ok := l.timers[id]; ok {
		delete(l.timers, id)
		return true
	}
	return false
}

// Pending reports the number of registered sources and queued callbacks.
func (l *Loop) Pending() int {
	return len(l.io) + len(l.children) + len(l.timers) + len(l.soon)
}

// Iterate runs a single pass of the loop. When block is true it waits in
// poll(2) until a descriptor is ready, a signal arrives or the nearest timer
// expires. It reports whether any callback ran.
func (l *Loop) Iterate(block bool) (bool, error) {
	dispatched := false

	if len(l.soon) > 0 {
		pending := l.soon
		l.soon = nil
		for _, fn := range pending {
			fn()
		}
		dispatched = true
		block = false
	}
	if l.checkChildren {
		block = false
	}

	ids := slices.Sorted(maps.Keys(l.io))
	fds := make([]unix.PollFd, 0, len(ids)+1)
	fds = append(fds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for _, id := range ids {
		src := l.io[id]
		fds = append(fds, unix.PollFd{Fd: int32(src.fd), Events: int16(src.mask)})
	}

	n, err := unix.Poll(fds, l.pollTimeout(block))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return dispatched, fmt.Errorf("poll: %w", err)
	}

	if n > 0 {
		if fds[0].Revents != 0 {
			l.drainWake()
			l.checkChildren = true
		}
		for i, id := range ids {
			revents := IOEvent(fds[i+1].Revents)
			if revents == 0 {
				continue
			}
			// An earlier handler in this pass may have removed the source.
			src, ok := l.io[id]
			if !ok {
				continue
			}
			dispatched = true
			if err := src.handler(src.fd, revents); err != nil {
				return dispatched, err
			}
		}
	}

	if l.checkChildren {
		fired, err := l.pollChildren()
		if fired {
			dispatched = true
		}
		if err != nil {
			return dispatched, err
		}
	}

	if l.fireTimers() {
		dispatched = true
	}
	return dispatched, nil
}

func (l *Loop) pollTimeout(block bool) int {
	if !block {
		return 0
	}
	if len(l.timers) == 0 {
		return -1
	}
	now := l.now()
	var nearest time.Time
	for _, t := range l.timers {
		if nearest.IsZero() || t.deadline.Before(nearest) {
			nearest = t.deadline
		}
	}
	wait := nearest.Sub(now)
	if wait <= 0 {
		return 0
	}
	ms := wait / time.Millisecond
	if wait%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

func (l *Loop) pollChildren() (bool, error) {
	l.checkChildren = false
	fired := false
	for _, id := range slices.Sorted(maps.Keys(l.children)) {
		src, ok := l.children[id]
		if !ok {
			continue
		}
		pid := src.pid
		wpid, status, err := l.wait4(src.pid)
		switch {
		case errors.Is(err, unix.ECHILD):
			// Reaped elsewhere; report it as a plain failure.
			status = ExitedStatus(1)
		case err != nil:
			return fired, fmt.Errorf("wait4 %d: %w", src.pid, err)
		case wpid == 0:
			continue
		default:
			pid = wpid
		}
		delete(l.children, id)
		fired = true
		src.handler(pid, status)
	}
	return fired, nil
}

func (l *Loop) fireTimers() bool {
	if len(l.timers) == 0 {
		return false
	}
	fired := false
	now := l.now()
	for _, id := range slices.Sorted(maps.Keys(l.timers)) {
		t, ok := l.timers[id]
		if !ok || now.Before(t.deadline) {
			continue
		}
		fired = true
		again := t.handler()
		if _, still := l.timers[id]; !still {
			continue
		}
		if again {
			t.deadline = now.Add(t.interval)
		} else {
			delete(l.timers, id)
		}
	}
	return fired
}

// RunUntil iterates the loop until done reports true. It returns ctx.Err() if
// the context ends first, or the first error raised by a source.
func (l *Loop) RunUntil(ctx context.Context, done func() bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := l.Iterate(true); err != nil {
			return err
		}
	}
	return nil
}

func waitNoHang(pid int) (int, int, error) {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return wpid, int(ws), err
	}
}
