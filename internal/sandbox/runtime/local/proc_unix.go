// SPDX-License-Identifier: MIT

//go:build unix

package local

import (
	"os/exec"
	"syscall"

	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
)

// setProcessGroup starts the command in its own process group so a kill
// reaches every child the program forked.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalGroup delivers sig to the whole process group.
func signalGroup(pid int, sig runtime.Signal) error {
	s := syscall.SIGTERM
	if sig == runtime.SignalKill {
		s = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, s); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		// Group kill restricted; fall back to the leader pid.
		return syscall.Kill(pid, s)
	}
	return nil
}
