// SPDX-License-Identifier: MPL-2.0

// Package local launches child processes via OS primitives, honoring
// cwd/env/stdin/stream-capture, and applying the signal-then-SIGKILL kill
// discipline on timeout or cancel.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/xec-sh/xec-core/internal/adapter"
)

// Adapter launches commands as local OS child processes.
type Adapter struct{}

// New creates a Local adapter. It has no shared state; every Launch is independent.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Kind() adapter.Kind { return adapter.Local }

// Available is always true: a local shell/exec is assumed present.
func (a *Adapter) Available() bool { return true }

func (a *Adapter) Launch(ctx context.Context, spec adapter.Spec) (adapter.Process, error) {
	var cmd *exec.Cmd
	if spec.Shell != "" {
		cmd = exec.Command(spec.Shell, "-c", spec.ShellString)
	} else {
		if len(spec.Argv) == 0 {
			return nil, errors.New("local: empty argv")
		}
		cmd = exec.Command(spec.Argv[0], spec.Argv[1:]...)
	}
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env

	p := &process{cmd: cmd, killSignal: spec.KillSignal, killGrace: spec.KillGrace, done: make(chan struct{})}

	if spec.Interactive {
		// The child gets a fresh pseudo-terminal; its stderr is merged into
		// the terminal stream, as any tty-attached process behaves.
		ptmx, err := startPty(cmd)
		if err != nil {
			return nil, fmt.Errorf("local: pty start: %w", err)
		}
		p.ptmx = ptmx
		p.copyDone = make(chan struct{})
		if spec.Stdin != nil {
			go func() { _, _ = io.Copy(ptmx, spec.Stdin) }()
		}
		go func() {
			defer close(p.copyDone)
			_, _ = io.Copy(spec.Stdout, ptmx)
		}()
	} else {
		cmd.Stdin = spec.Stdin
		cmd.Stdout = spec.Stdout
		cmd.Stderr = spec.Stderr
		setProcessGroup(cmd)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("local: start: %w", err)
		}
	}

	go p.wait(ctx)

	return p, nil
}

type process struct {
	cmd        *exec.Cmd
	killSignal string
	killGrace  time.Duration
	ptmx       *os.File      // non-nil in interactive mode
	copyDone   chan struct{} // closed when the pty output copy finishes
	mu         sync.Mutex
	result     adapter.Result
	waitErr    error
	done       chan struct{}
}

func (p *process) wait(ctx context.Context) {
	defer close(p.done)

	waitDone := make(chan error, 1)
	go func() { waitDone <- p.cmd.Wait() }()

	var err error
	select {
	case err = <-waitDone:
	case <-ctx.Done():
		_ = p.Signal(killSignalOr(p.killSignal))
		grace := p.killGrace
		if grace <= 0 {
			grace = 5 * time.Second
		}
		select {
		case err = <-waitDone:
		case <-time.After(grace):
			killProcessGroup(p.cmd)
			err = <-waitDone
		}
	}

	if p.ptmx != nil {
		_ = p.ptmx.Close()
		<-p.copyDone
	}
	p.finish(err)
}

func (p *process) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.result = adapter.Result{ExitCode: 0}
	case errors.As(err, &exitErr):
		if sig := signalFromExitError(exitErr); sig != "" {
			p.result = adapter.Result{Signal: sig}
		} else {
			p.result = adapter.Result{ExitCode: exitErr.ExitCode()}
		}
	default:
		p.waitErr = err
	}
}

func (p *process) Wait(ctx context.Context) (adapter.Result, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return adapter.Result{}, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.waitErr
}

func (p *process) Signal(sig string) error {
	return sendSignal(p.cmd, sig)
}

func (p *process) Dispose(ctx context.Context) error {
	return nil
}

func killSignalOr(sig string) string {
	if sig == "" {
		return "SIGTERM"
	}
	return sig
}
