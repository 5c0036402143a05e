//go:build !windows

package eventloop

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"reflect"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("close loop: %v", err)
		}
	})
	return l
}

func runFor(t *testing.T, l *Loop, d time.Duration, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := l.RunUntil(ctx, done); err != nil {
		t.Fatalf("run loop: %v", err)
	}
}

func TestStatusHelpersMatchKernelEncoding(t *testing.T) {
	exitedWS := unix.WaitStatus(ExitedStatus(42))
	if !exitedWS.Exited() || exitedWS.ExitStatus() != 42 {
		t.Fatalf("ExitedStatus(42) decoded as exited=%v status=%d", exitedWS.Exited(), exitedWS.ExitStatus())
	}
	signaledWS := unix.WaitStatus(SignaledStatus(9))
	if !signaledWS.Signaled() || signaledWS.Signal() != unix.SIGKILL {
		t.Fatalf("SignaledStatus(9) decoded as signaled=%v signal=%v", signaledWS.Signaled(), signaledWS.Signal())
	}
}

func TestIOEventString(t *testing.T) {
	if got := (IOIn | IOHup).String(); got != "in|hup" {
		t.Fatalf("unexpected string %q", got)
	}
	if got := IOEvent(0).String(); got != "none" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestChildWatchFiresWithExitStatus(t *testing.T) {
	l := newTestLoop(t)
	cmd := exec.Command("/bin/sh", "-c", "exit 5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var gotPid, gotStatus int
	fired := 0
	l.ChildWatchAdd(cmd.Process.Pid, func(pid, status int) {
		fired++
		gotPid, gotStatus = pid, status
	})

	runFor(t, l, 5*time.Second, func() bool { return fired > 0 })

	if fired != 1 {
		t.Fatalf("expected one callback, got %d", fired)
	}
	if gotPid != cmd.Process.Pid {
		t.Fatalf("expected pid %d, got %d", cmd.Process.Pid, gotPid)
	}
	if ws := unix.WaitStatus(gotStatus); !ws.Exited() || ws.ExitStatus() != 5 {
		t.Fatalf("expected exit status 5, got %#x", gotStatus)
	}
	if l.Pending() != 0 {
		t.Fatalf("child watch should be one-shot, %d sources pending", l.Pending())
	}
}

func TestChildWatchForForeignPidSynthesizesExit(t *testing.T) {
	l := newTestLoop(t)

	var status int
	fired := false
	pid := os.Getppid()
	l.ChildWatchAdd(pid, func(p, s int) {
		if p != pid {
			t.Errorf("expected pid %d, got %d", pid, p)
		}
		fired = true
		status = s
	})
	if _, err := l.Iterate(false); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if !fired {
		t.Fatalf("expected watch for a non-child to fire")
	}
	if status != ExitedStatus(1) {
		t.Fatalf("expected synthesized exit 1, got %#x", status)
	}
}

func TestChildWatchErrorPropagates(t *testing.T) {
	l := newTestLoop(t)
	l.wait4 = func(int) (int, int, error) { return -1, 0, unix.EINVAL }
	l.ChildWatchAdd(4242, func(int, int) { t.Fatalf("handler must not run") })

	if _, err := l.Iterate(false); !errors.Is(err, unix.EINVAL) {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestIOWatchReportsReadinessAndHangup(t *testing.T) {
	l := newTestLoop(t)
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(p[0])

	var seen []IOEvent
	id := l.IOWatchAdd(p[0], IOIn|IOHup, func(fd int, ev IOEvent) error {
		seen = append(seen, ev)
		var buf [16]byte
		_, _ = unix.Read(fd, buf[:])
		return nil
	})

	if _, err := unix.Write(p[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	runFor(t, l, time.Second, func() bool { return len(seen) > 0 })
	if seen[0]&IOIn == 0 {
		t.Fatalf("expected readable event, got %s", seen[0])
	}

	unix.Close(p[1])
	runFor(t, l, time.Second, func() bool { return len(seen) > 1 && seen[len(seen)-1]&IOHup != 0 })

	if !l.SourceRemove(id) {
		t.Fatalf("expected io source to be removed")
	}
	if l.SourceRemove(id) {
		t.Fatalf("second removal should report false")
	}
}

func TestIOHandlerErrorAbortsIteration(t *testing.T) {
	l := newTestLoop(t)
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(p[0])
	defer unix.Close(p[1])
	if _, err := unix.Write(p[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	boom := errors.New("boom")
	l.IOWatchAdd(p[0], IOIn, func(int, IOEvent) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.RunUntil(ctx, func() bool { return false }); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestRemovedSourceIsSkippedInSamePass(t *testing.T) {
	l := newTestLoop(t)
	var a, b [2]int
	for _, p := range []*[2]int{&a, &b} {
		if err := unix.Pipe(p[:]); err != nil {
			t.Fatalf("pipe: %v", err)
		}
		if _, err := unix.Write(p[1], []byte("x")); err != nil {
			t.Fatalf("write: %v", err)
		}
		t.Cleanup(func() {
			unix.Close(p[0])
			unix.Close(p[1])
		})
	}

	var second SourceID
	secondRan := false
	l.IOWatchAdd(a[0], IOIn, func(int, IOEvent) error {
		l.SourceRemove(second)
		return nil
	})
	second = l.IOWatchAdd(b[0], IOIn, func(int, IOEvent) error {
		secondRan = true
		return nil
	})

	if _, err := l.Iterate(false); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if secondRan {
		t.Fatalf("source removed earlier in the pass was dispatched")
	}
}

func TestTimeoutsAndCallSoon(t *testing.T) {
	l := newTestLoop(t)

	var order []string
	l.CallSoon(func() { order = append(order, "soon") })

	ticks := 0
	l.TimeoutAdd(5*time.Millisecond, func() bool {
		ticks++
		order = append(order, "tick")
		return ticks < 3
	})
	removed := l.TimeoutAdd(time.Millisecond, func() bool {
		t.Errorf("removed timer fired")
		return false
	})
	l.SourceRemove(removed)

	runFor(t, l, 2*time.Second, func() bool { return ticks >= 3 })

	want := []string{"soon", "tick", "tick", "tick"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	if l.Pending() != 0 {
		t.Fatalf("expected timer to be dropped after returning false, %d pending", l.Pending())
	}
}

func TestRunUntilHonoursContext(t *testing.T) {
	l := newTestLoop(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.RunUntil(ctx, func() bool { return false })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("context cancellation did not wake the loop")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l, err := New()
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	// Wakeups after close are dropped.
	l.wake()
}
