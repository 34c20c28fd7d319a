// SPDX-License-Identifier: MPL-2.0

// Package sshadapter runs commands on a remote host over a pooled SSH
// connection. Connection lifecycle lives in
// internal/adapter/sshadapter/sshpool; this package adapts that pool to the
// internal/adapter.Adapter contract.
package sshadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/xec-sh/xec-core/internal/adapter"
	"github.com/xec-sh/xec-core/internal/adapter/sshadapter/sshpool"
	"github.com/xec-sh/xec-core/internal/shellquote"
)

// Adapter runs commands over pooled outbound SSH connections.
type Adapter struct {
	pool *sshpool.Pool
}

// New creates an Adapter backed by a freshly constructed connection pool.
func New(opts sshpool.Options) *Adapter {
	return &Adapter{pool: sshpool.New(opts)}
}

func (a *Adapter) Kind() adapter.Kind { return adapter.SSH }

// Available always reports true: reachability is target-specific and only
// known once Launch attempts to dial, not in general for "SSH as a substrate".
func (a *Adapter) Available() bool { return true }

// Close releases the adapter's connection pool.
func (a *Adapter) Close() error { return a.pool.Close() }

func (a *Adapter) Launch(ctx context.Context, spec adapter.Spec) (adapter.Process, error) {
	if spec.SSH == nil {
		return nil, errors.New("sshadapter: spec.SSH is required")
	}

	lease, err := a.pool.Get(ctx, *spec.SSH)
	if err != nil {
		return nil, fmt.Errorf("sshadapter: acquiring connection: %w", err)
	}

	session, err := lease.Client.NewSession()
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("sshadapter: new session: %w: %w", adapter.ErrChannelOpen, err)
	}

	if spec.Interactive {
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
			_ = session.Close()
			lease.Release()
			return nil, fmt.Errorf("sshadapter: pty request: %w: %w", adapter.ErrChannelOpen, err)
		}
	}

	for k, v := range envMap(spec.Env) {
		_ = session.Setenv(k, v) // best effort; many sshd configs disable SetEnv
	}

	session.Stdin = spec.Stdin
	session.Stdout = spec.Stdout
	session.Stderr = spec.Stderr

	cmdline := remoteCommandLine(spec)

	p := &process{session: session, lease: lease, done: make(chan struct{})}

	go p.run(ctx, cmdline)

	return p, nil
}

type process struct {
	session *ssh.Session
	lease   *sshpool.Lease

	mu      sync.Mutex
	result  adapter.Result
	waitErr error
	done    chan struct{}
}

func (p *process) run(ctx context.Context, cmdline string) {
	defer close(p.done)
	defer p.lease.Release()
	defer func() { _ = p.session.Close() }()

	runDone := make(chan error, 1)
	go func() { runDone <- p.session.Run(cmdline) }()

	select {
	case err := <-runDone:
		p.finish(err)
	case <-ctx.Done():
		_ = p.session.Signal(ssh.SIGKILL)
		p.finish(<-runDone)
	}
}

func (p *process) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.result = adapter.Result{ExitCode: 0}
		return
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if sig := exitErr.Signal(); sig != "" {
			p.result = adapter.Result{Signal: sig}
		} else {
			p.result = adapter.Result{ExitCode: exitErr.ExitStatus()}
		}
		return
	}

	p.waitErr = err
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

// signalNames translates xec's POSIX signal names into the golang.org/x/crypto/ssh
// protocol's signal name constants (no leading "SIG").
var signalNames = map[string]ssh.Signal{
	"SIGHUP":  ssh.SIGHUP,
	"SIGINT":  ssh.SIGINT,
	"SIGQUIT": ssh.SIGQUIT,
	"SIGKILL": ssh.SIGKILL,
	"SIGTERM": ssh.SIGTERM,
	"SIGUSR1": ssh.SIGUSR1,
	"SIGUSR2": ssh.SIGUSR2,
}

func (p *process) Signal(sig string) error {
	s, ok := signalNames[sig]
	if !ok {
		s = ssh.SIGTERM
	}
	return p.session.Signal(s)
}

func (p *process) Dispose(ctx context.Context) error {
	return p.session.Close()
}

// Put streams r into remotePath on the target host over a pooled connection.
// File transfer rides the same exec channel machinery as commands (spec-wise
// an adjacent operation on a pooled connection, not part of command exec).
func (a *Adapter) Put(ctx context.Context, opts adapter.SSHOptions, r io.Reader, remotePath string) error {
	return a.transfer(ctx, opts, r, nil, "cat > "+shellquote.Quote(remotePath))
}

// Get streams remotePath from the target host into w over a pooled connection.
func (a *Adapter) Get(ctx context.Context, opts adapter.SSHOptions, remotePath string, w io.Writer) error {
	return a.transfer(ctx, opts, nil, w, "cat "+shellquote.Quote(remotePath))
}

func (a *Adapter) transfer(ctx context.Context, opts adapter.SSHOptions, stdin io.Reader, stdout io.Writer, cmdline string) error {
	lease, err := a.pool.Get(ctx, opts)
	if err != nil {
		return fmt.Errorf("sshadapter: acquiring connection: %w", err)
	}
	defer lease.Release()

	session, err := lease.Client.NewSession()
	if err != nil {
		return fmt.Errorf("sshadapter: new session: %w", err)
	}
	defer func() { _ = session.Close() }()

	session.Stdin = stdin
	session.Stdout = stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(cmdline) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	}
}

func remoteCommandLine(spec adapter.Spec) string {
	var cmd string
	if spec.Shell != "" {
		cmd = fmt.Sprintf("%s -c %s", spec.Shell, shellquote.Quote(spec.ShellString))
	} else {
		cmd = shellquote.QuoteArray(spec.Argv)
	}
	if spec.Cwd != "" {
		return fmt.Sprintf("cd %s && %s", shellquote.Quote(spec.Cwd), cmd)
	}
	return cmd
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}
