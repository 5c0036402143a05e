//go:build !windows

package phase

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/phaserun/internal/runtime/process"
)

// configureCmdSysProcAttr puts the phase command in its own process group so
// that signals reach every process it spawned.
func configureCmdSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// groupOS delivers signals to the process group led by pid. Waits still target
// the leader alone.
type groupOS struct {
	process.OS
}

func (g groupOS) Signal(pid int, sig unix.Signal) process.SignalResult {
	if pid <= 0 {
		return g.OS.Signal(pid, sig)
	}
	return g.OS.Signal(-pid, sig)
}
