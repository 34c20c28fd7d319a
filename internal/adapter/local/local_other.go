// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package local

import (
	"errors"
	"os"
	"os/exec"
)

func startPty(cmd *exec.Cmd) (*os.File, error) {
	return nil, errors.New("local: pseudo-terminal allocation is not supported on this platform")
}

// setProcessGroup is a no-op outside Unix: Windows process trees are killed
// via Process.Kill on the top-level handle instead of a process-group signal.
func setProcessGroup(cmd *exec.Cmd) {}

func sendSignal(cmd *exec.Cmd, sig string) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func signalFromExitError(err *exec.ExitError) string {
	return ""
}
