// SPDX-License-Identifier: MPL-2.0

//go:build unix

package local

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// startPty starts cmd attached to a fresh pseudo-terminal and returns the
// master side. The child becomes its own session leader with the pty as its
// controlling terminal.
func startPty(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

// setProcessGroup puts cmd in its own process group so kill discipline can
// signal the whole tree, not just the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func sendSignal(cmd *exec.Cmd, sig string) error {
	if cmd.Process == nil {
		return nil
	}
	s, ok := signalByName[sig]
	if !ok {
		s = syscall.SIGTERM
	}
	return syscall.Kill(-cmd.Process.Pid, s)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func signalFromExitError(err *exec.ExitError) string {
	status, ok := err.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return ""
	}
	return nameBySignal[status.Signal()]
}

var signalByName = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGTERM": syscall.SIGTERM,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
	"SIGSTOP": syscall.SIGSTOP,
	"SIGCONT": syscall.SIGCONT,
}

var nameBySignal = func() map[syscall.Signal]string {
	m := make(map[syscall.Signal]string, len(signalByName))
	for name, s := range signalByName {
		m[s] = name
	}
	return m
}()
