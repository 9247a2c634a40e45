// SPDX-License-Identifier: MIT

//go:build !unix

package local

import (
	"os"
	"os/exec"

	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
)

func setProcessGroup(_ *exec.Cmd) {}

func signalGroup(pid int, _ runtime.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return proc.Kill()
}
