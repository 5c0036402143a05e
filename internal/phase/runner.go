//go:build !windows

package phase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-clog/clog"
	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/phaserun/internal/config"
	"github.com/Paintersrp/phaserun/internal/eventloop"
	"github.com/Paintersrp/phaserun/internal/metrics"
	"github.com/Paintersrp/phaserun/internal/runtime/process"
)

const (
	tmpdirPrefix = "phaserun-"
	outputName   = "output"

	// killWait bounds how long the runner keeps the loop going after SIGKILL
	// before giving up on the child.
	killWait = 5 * time.Second

	maxLineLength = 64 * 1024
)

// Loop is the part of the event loop the runner drives.
type Loop interface {
	eventloop.Scheduler
	RunUntil(ctx context.Context, done func() bool) error
}

// Option customises a Runner.
type Option func(*Runner)

// WithOS replaces the wait and signal implementation handed to supervisors.
func WithOS(sys process.OS) Option {
	return func(r *Runner) { r.sys = sys }
}

// WithEvents sets the channel receiving lifecycle and log events. Lifecycle
// sends block, so the channel must be drained while phases run.
func WithEvents(events chan<- Event) Option {
	return func(r *Runner) { r.events = events }
}

// WithTmpRoot sets the directory private temp dirs are created under.
func WithTmpRoot(dir string) Option {
	return func(r *Runner) { r.tmpRoot = dir }
}

// WithKeepTmpdir leaves private temp dirs in place after a phase finishes.
func WithKeepTmpdir(keep bool) Option {
	return func(r *Runner) { r.keepTmpdir = keep }
}

// WithClock overrides the time source used for durations and events.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithGracePeriod overrides how long a cancelled phase has to exit before it is
// killed.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// Runner executes phases one at a time on a single event loop.
type Runner struct {
	loop       Loop
	sys        process.OS
	events     chan<- Event
	tmpRoot    string
	keepTmpdir bool
	now        func() time.Time
	grace      time.Duration

	// dropped counts output lines per phase not yet reported.
	dropped map[string]int
}

// NewRunner returns a runner driving loop.
func NewRunner(loop Loop, opts ...Option) *Runner {
	r := &Runner{
		loop:  loop,
		sys:   process.System(),
		now:   time.Now,
		grace: process.CancelGracePeriod,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result summarises one phase execution.
type Result struct {
	Phase      string
	Returncode int
	Duration   time.Duration
	TimedOut   bool
	Cancelled  bool
	Tmpdir     string
}

// PhaseError reports a phase that did not exit cleanly.
type PhaseError struct {
	Phase      string
	Returncode int
	TimedOut   bool
	Timeout    time.Duration
	Err        error
}

func (e *PhaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase %s: ", e.Phase)
	switch {
	case e.TimedOut:
		fmt.Fprintf(&b, "timed out after %s (%s)", e.Timeout, DescribeReturncode(e.Returncode))
	case e.Err != nil:
		fmt.Fprintf(&b, "%v (%s)", e.Err, DescribeReturncode(e.Returncode))
	default:
		b.WriteString(DescribeReturncode(e.Returncode))
	}
	return b.String()
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Run executes a single phase and blocks until its process has been reaped.
// A non-zero return code yields a *PhaseError alongside the populated Result.
func (r *Runner) Run(ctx context.Context, p *config.Phase) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil || len(p.Command) == 0 {
		return Result{}, errors.New("phase has no command")
	}
	res := Result{Phase: p.Name}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("phase %s: %w", p.Name, err)
	}

	start := r.now()
	tmpdir, err := r.makeTmpdir()
	if err != nil {
		return res, fmt.Errorf("phase %s: %w", p.Name, err)
	}
	res.Tmpdir = tmpdir
	if !r.keepTmpdir {
		defer func() {
			if err := os.RemoveAll(tmpdir); err != nil {
				clog.Warn("[phase] remove tmpdir %s: %v", tmpdir, err)
			}
		}()
	}

	r.emit(p.Name, EventTypeStarting, joinCommand(p.Command), ReasonStart, 0, nil)

	cmd, outFD, err := r.spawn(p, tmpdir)
	if err != nil {
		r.emit(p.Name, EventTypeFailed, "spawn failed", ReasonSpawnFailure, 0, err)
		return res, fmt.Errorf("phase %s: start %s: %w", p.Name, p.Command[0], err)
	}
	defer func() {
		if err := cmd.Process.Release(); err != nil {
			clog.Trace("[phase] release pid %d: %v", cmd.Process.Pid, err)
		}
	}()

	w := &watch{runner: r, phase: p.Name}
	w.splitter = &lineSplitter{emit: func(line string) {
		r.emit(p.Name, EventTypeLog, line, ReasonOutput, 0, nil)
	}}
	w.sup = process.New(cmd.Process.Pid, r.loop, process.Options{
		OS:       groupOS{r.sys},
		Files:    map[string]process.Descriptor{outputName: process.RawFD(outFD)},
		Watch:    outputName,
		OnOutput: w.splitter.Write,
	})
	if err := w.sup.Start(); err != nil {
		w.sup.Unregister()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return res, fmt.Errorf("phase %s: %w", p.Name, err)
	}
	clog.Trace("[phase] %s started as pid %d in %s", p.Name, cmd.Process.Pid, tmpdir)

	if p.Timeout.Duration > 0 {
		w.timerID = r.loop.TimeoutAdd(p.Timeout.Duration, func() bool {
			w.timerID = 0
			if w.sup.IsAlive() {
				res.TimedOut = true
				r.emit(p.Name, EventTypeTimeout, fmt.Sprintf("exceeded %s", p.Timeout.Duration), ReasonTimeout, 0, nil)
				w.cancel(ReasonTimeout)
			}
			return false
		})
	}

	runErr := r.loop.RunUntil(ctx, w.done)
	var ctxErr error
	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
		ctxErr = runErr
		w.cancel(ReasonContextCancel)
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.grace+killWait)
		runErr = r.loop.RunUntil(drainCtx, w.done)
		cancel()
	}
	w.stopTimers()
	w.splitter.Flush()

	if runErr == nil {
		runErr = w.cancelErr
	}
	if runErr != nil {
		w.sup.Unregister()
		r.emit(p.Name, EventTypeFailed, "supervision failed", ReasonCancelFailure, 0, runErr)
		return res, fmt.Errorf("phase %s: %w", p.Name, runErr)
	}

	rc, _ := w.sup.Returncode()
	res.Returncode = rc
	res.Cancelled = w.sup.Cancelled()
	res.Duration = r.now().Sub(start)
	metrics.ObservePhase(p.Name, metrics.OutcomeFor(rc, res.TimedOut), res.Duration)

	if rc == 0 && ctxErr == nil && !res.TimedOut {
		r.emit(p.Name, EventTypeExited, DescribeReturncode(rc), ReasonExit, rc, nil)
		return res, nil
	}

	reason := ReasonExit
	if rc < 0 {
		reason = ReasonSignal
	}
	perr := &PhaseError{Phase: p.Name, Returncode: rc, TimedOut: res.TimedOut, Timeout: p.Timeout.Duration, Err: ctxErr}
	r.emit(p.Name, EventTypeFailed, DescribeReturncode(rc), reason, rc, perr)
	return res, perr
}

// RunAll runs the selected phases of m in order, or every phase when no names
// are given. It stops at the first failure unless the manifest continues on
// error, and returns all failures joined.
func (r *Runner) RunAll(ctx context.Context, m *config.Manifest, names ...string) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	phases, err := m.Select(names...)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(phases))
	var errs []error
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := r.Run(ctx, p)
		if res.Phase != "" {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
			if !m.ContinueOnError || ctx.Err() != nil {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

func (r *Runner) spawn(p *config.Phase, tmpdir string) (*exec.Cmd, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, -1, fmt.Errorf("create output pipe: %w", err)
	}
	unix.CloseOnExec(fds[0])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, -1, fmt.Errorf("configure output pipe: %w", err)
	}
	writer := os.NewFile(uintptr(fds[1]), "phase-output")

	cmd := exec.Command(p.Command[0], p.Command[1:]...)
	cmd.Dir = p.ResolvedWorkdir
	cmd.Env = phaseEnv(os.Environ(), p, tmpdir)
	cmd.Stdout = writer
	cmd.Stderr = writer
	configureCmdSysProcAttr(cmd)

	err := cmd.Start()
	// The child holds its own copy of the write end; ours would keep the pipe
	// from ever reporting a hangup.
	if cerr := writer.Close(); cerr != nil && err == nil {
		clog.Trace("[phase] close output writer: %v", cerr)
	}
	if err != nil {
		unix.Close(fds[0])
		return nil, -1, err
	}
	return cmd, fds[0], nil
}

func (r *Runner) makeTmpdir() (string, error) {
	root := r.tmpRoot
	if root != "" {
		_ = os.MkdirAll(root, 0o755)
		if err := unix.Access(root, unix.W_OK); err != nil {
			clog.Warn("[phase] tmpdir root %s is not writable (%v), falling back to %s", root, err, os.TempDir())
			root = ""
		}
	}
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, tmpdirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("create tmpdir: %w", err)
	}
	return dir, nil
}

// emit sends an event to the configured channel. Output lines come from loop
// callbacks and are dropped rather than block when the channel is full; the
// count is reported ahead of the next lifecycle event of the phase.
func (r *Runner) emit(phase string, t EventType, message, reason string, rc int, err error) {
	if r.events == nil {
		return
	}
	source := LogSourceSystem
	if t == EventTypeLog {
		source = LogSourceOutput
	}
	evt := Event{
		Timestamp:  r.now(),
		Phase:      phase,
		Type:       t,
		Message:    message,
		Level:      levelFor(t),
		Source:     source,
		Err:        err,
		Returncode: rc,
		Reason:     reason,
	}
	if t == EventTypeLog {
		select {
		case r.events <- evt:
		default:
			if r.dropped == nil {
				r.dropped = make(map[string]int)
			}
			r.dropped[phase]++
			metrics.AddDroppedLines(phase, 1)
		}
		return
	}
	if n := r.dropped[phase]; n > 0 {
		delete(r.dropped, phase)
		r.events <- Event{
			Timestamp: evt.Timestamp,
			Phase:     phase,
			Type:      EventTypeLog,
			Message:   fmt.Sprintf("dropped=%d", n),
			Level:     "warn",
			Source:    LogSourceSystem,
			Reason:    ReasonOutput,
		}
	}
	r.events <- evt
}

func phaseEnv(base []string, p *config.Phase, tmpdir string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	// Later entries win in os/exec, so these can not be overridden.
	return append(env,
		"PHASERUN_PHASE="+p.Name,
		"PHASERUN_TMPDIR="+tmpdir,
		"TMPDIR="+tmpdir,
	)
}

// DescribeReturncode renders a return code as an exit status or the signal
// that killed the process.
func DescribeReturncode(rc int) string {
	if rc < 0 {
		sig := unix.Signal(-rc)
		if name := unix.SignalName(sig); name != "" {
			return fmt.Sprintf("killed by %s", name)
		}
		return fmt.Sprintf("killed by signal %d", -rc)
	}
	return fmt.Sprintf("exit status %d", rc)
}

func joinCommand(cmd []string) string {
	parts := make([]string, len(cmd))
	copy(parts, cmd)
	for i, part := range parts {
		if part == "" || strings.ContainsAny(part, " \t\n\"'") {
			parts[i] = fmt.Sprintf("%q", part)
		}
	}
	return strings.Join(parts, " ")
}

// watch tracks the timers and cancellation state of one running phase.
type watch struct {
	runner   *Runner
	phase    string
	sup      *process.Supervisor
	splitter *lineSplitter

	timerID   eventloop.SourceID
	graceID   eventloop.SourceID
	cancelErr error
}

func (w *watch) done() bool {
	return w.sup.Notified() || w.cancelErr != nil
}

// cancel sends SIGTERM once and arms the SIGKILL escalation.
func (w *watch) cancel(reason string) {
	if !w.sup.IsAlive() || w.sup.Cancelled() {
		return
	}
	pid := w.sup.Pid()
	w.runner.emit(w.phase, EventTypeCancelling, "sending SIGTERM to "+describePid(pid), reason, 0, nil)
	if err := w.sup.Cancel(); err != nil {
		w.cancelErr = err
		return
	}
	w.graceID = w.runner.loop.TimeoutAdd(w.runner.grace, func() bool {
		w.graceID = 0
		w.escalate()
		return false
	})
}

func (w *watch) escalate() {
	if !w.sup.IsAlive() {
		return
	}
	pid := w.sup.Pid()
	msg := fmt.Sprintf("%s still running after %s, sending SIGKILL", describePid(pid), w.runner.grace)
	w.runner.emit(w.phase, EventTypeEscalating, msg, ReasonGraceExpired, 0, nil)

	res := groupOS{w.runner.sys}.Signal(pid, unix.SIGKILL)
	switch res.Outcome {
	case process.SignalDelivered, process.SignalTargetGone:
	case process.SignalDenied:
		clog.Error(2, "kill: (%d) - Operation not permitted", pid)
		metrics.IncSignalDenied()
	default:
		w.cancelErr = &process.OSError{Op: "kill", Pid: pid, Err: res.Err}
	}
}

func (w *watch) stopTimers() {
	if w.timerID != 0 {
		w.runner.loop.SourceRemove(w.timerID)
		w.timerID = 0
	}
	if w.graceID != 0 {
		w.runner.loop.SourceRemove(w.graceID)
		w.graceID = 0
	}
}

func describePid(pid int) string {
	if name := executableName(pid); name != "" {
		return fmt.Sprintf("%s (pid %d)", name, pid)
	}
	return fmt.Sprintf("pid %d", pid)
}

// executableName returns the command name of pid, or "" if it is gone.
func executableName(pid int) string {
	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		return ""
	}
	return proc.Executable()
}

// lineSplitter turns raw output chunks into lines.
type lineSplitter struct {
	buf  []byte
	emit func(string)
}

func (s *lineSplitter) Write(b []byte) {
	s.buf = append(s.buf, b...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.emit(strings.TrimRight(string(s.buf[:i]), "\r"))
		s.buf = s.buf[i+1:]
	}
	if len(s.buf) >= maxLineLength {
		s.Flush()
	}
}

// Flush emits any buffered partial line.
func (s *lineSplitter) Flush() {
	if s == nil || len(s.buf) == 0 {
		return
	}
	s.emit(strings.TrimRight(string(s.buf), "\r"))
	s.buf = nil
}
