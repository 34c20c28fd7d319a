// SPDX-License-Identifier: MPL-2.0

// Package dockeradapter runs commands against a Docker container, either
// persistent-exec (a named already-running container) or ephemeral-run (a
// fresh container from an image, removed after exit). Both sub-modes use the
// Docker SDK directly rather than shelling out to the docker/podman CLI.
package dockeradapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/xec-sh/xec-core/internal/adapter"
)

// Adapter runs commands against Docker containers via the Docker SDK.
type Adapter struct {
	cli *client.Client
}

// New wraps an already-configured Docker SDK client.
func New(cli *client.Client) *Adapter {
	return &Adapter{cli: cli}
}

// NewFromEnvironment builds a client from the standard DOCKER_HOST/
// DOCKER_CERT_PATH/DOCKER_API_VERSION environment variables.
func NewFromEnvironment() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: creating client: %w", err)
	}
	return New(cli), nil
}

func (a *Adapter) Kind() adapter.Kind { return adapter.Docker }

func (a *Adapter) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	_, err := a.cli.Ping(ctx)
	return err == nil
}

func (a *Adapter) Launch(ctx context.Context, spec adapter.Spec) (adapter.Process, error) {
	if spec.Docker == nil {
		return nil, errors.New("dockeradapter: spec.Docker is required")
	}
	if spec.Docker.IsEphemeral() {
		return a.launchEphemeral(ctx, spec)
	}
	return a.launchPersistent(ctx, spec)
}

// classifyExecErr distinguishes the daemon's "no such container" and
// "container not running" exec-create failures from everything else.
func classifyExecErr(err error) error {
	switch {
	case client.IsErrNotFound(err):
		return adapter.ErrNotFound
	case strings.Contains(err.Error(), "is not running"):
		return adapter.ErrNotRunning
	default:
		return adapter.ErrExecCreate
	}
}

func commandFrom(spec adapter.Spec) []string {
	if spec.Shell != "" {
		return []string{spec.Shell, "-c", spec.ShellString}
	}
	return spec.Argv
}

// launchPersistent execs into an already-running container, mirroring
// executeMirror.
func (a *Adapter) launchPersistent(ctx context.Context, spec adapter.Spec) (adapter.Process, error) {
	opts := spec.Docker

	execCfg := container.ExecOptions{
		Cmd:          commandFrom(spec),
		WorkingDir:   opts.Workdir,
		Env:          envFromMap(opts.Env, spec.Env),
		Tty:          spec.Interactive,
		AttachStdin:  spec.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := a.cli.ContainerExecCreate(ctx, opts.Container, execCfg)
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: exec create: %w: %w", classifyExecErr(err), err)
	}

	attached, err := a.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: spec.Interactive})
	if err != nil {
		return nil, fmt.Errorf("dockeradapter: exec attach: %w", err)
	}

	p := &process{
		cli:      a.cli,
		execID:   created.ID,
		tty:      spec.Interactive,
		attached: &attached,
		done:     make(chan struct{}),
	}
	go p.runExec(ctx, spec)
	return p, nil
}

// launchEphemeral creates a fresh container from an image, runs the command,
// and removes the container on exit, mirroring executeGhost.
func (a *Adapter) launchEphemeral(ctx context.Context, spec adapter.Spec) (adapter.Process, error) {
	opts := spec.Docker

	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        commandFrom(spec),
		WorkingDir: opts.Workdir,
		Env:        envFromMap(opts.Env, spec.Env),
		Entrypoint: opts.EntrypointOverride,
		Tty:        spec.Interactive,
		OpenStdin:  spec.Stdin != nil,
	}
	hostCfg := &container.HostConfig{
		Binds: opts.Volumes,
	}

	created, err := a.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("dockeradapter: container create: %w: %w", adapter.ErrImagePull, err)
		}
		return nil, fmt.Errorf("dockeradapter: container create: %w", err)
	}

	attached, err := a.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  spec.Stdin != nil,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_, _ = a.cli.ContainerInspect(ctx, created.ID) //nolint:errcheck // best-effort diagnostic only
		return nil, fmt.Errorf("dockeradapter: container attach: %w", err)
	}

	p := &process{
		cli:         a.cli,
		containerID: created.ID,
		autoRemove:  opts.AutoRemove,
		tty:         spec.Interactive,
		attached:    &attached,
		done:        make(chan struct{}),
	}

	if err := a.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		attached.Close()
		return nil, fmt.Errorf("dockeradapter: container start: %w", err)
	}

	go p.runContainer(ctx, spec)
	return p, nil
}

const pingTimeout = 3 * time.Second

type process struct {
	cli *client.Client

	execID      string // set in persistent-exec mode
	containerID string // set in ephemeral-run mode
	autoRemove  bool
	tty         bool
	attached    *types.HijackedResponse

	mu      sync.Mutex
	result  adapter.Result
	waitErr error
	done    chan struct{}
}

// runExec drains the attached stream, then inspects the exec's exit code.
func (p *process) runExec(ctx context.Context, spec adapter.Spec) {
	defer close(p.done)
	defer p.attached.Close()

	streamDone := make(chan error, 1)
	go func() { streamDone <- demux(p.attached.Reader, spec.Stdout, spec.Stderr, p.tty) }()

	select {
	case err := <-streamDone:
		if err != nil && !errors.Is(err, io.EOF) {
			p.fail(err)
			return
		}
	case <-ctx.Done():
		p.fail(ctx.Err())
		return
	}

	inspect, err := p.cli.ContainerExecInspect(context.Background(), p.execID)
	if err != nil {
		p.fail(fmt.Errorf("dockeradapter: exec inspect: %w", err))
		return
	}
	p.succeed(inspect.ExitCode, "")
}

// runContainer drains the attached stream, waits for the container to exit,
// then removes it if AutoRemove is set.
func (p *process) runContainer(ctx context.Context, spec adapter.Spec) {
	defer close(p.done)
	defer p.attached.Close()

	if p.autoRemove {
		defer func() {
			_ = p.cli.ContainerRemove(context.Background(), p.containerID, container.RemoveOptions{Force: true})
		}()
	}

	streamDone := make(chan error, 1)
	go func() { streamDone <- demux(p.attached.Reader, spec.Stdout, spec.Stderr, p.tty) }()

	statusCh, errCh := p.cli.ContainerWait(ctx, p.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		p.fail(fmt.Errorf("dockeradapter: container wait: %w", err))
	case status := <-statusCh:
		<-streamDone
		p.succeed(int(status.StatusCode), "")
	case <-ctx.Done():
		_ = p.cli.ContainerKill(context.Background(), p.containerID, "SIGKILL")
		p.fail(ctx.Err())
	}
}

func (p *process) succeed(exitCode int, signal string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = adapter.Result{ExitCode: exitCode, Signal: signal}
}

func (p *process) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
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

func (p *process) Signal(sig string) error {
	if p.containerID == "" {
		return errors.New("dockeradapter: signaling a persistent-exec process is not supported; stop the target container instead")
	}
	return p.cli.ContainerKill(context.Background(), p.containerID, sig)
}

func (p *process) Dispose(ctx context.Context) error {
	if p.containerID == "" || !p.autoRemove {
		return nil
	}
	return p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true})
}

// demux splits Docker's multiplexed exec/attach stream into stdout/stderr
// using the SDK's own stdcopy.StdCopy rather than hand-rolling the 8-byte
// frame-header parse. With a TTY the daemon sends one raw stream (stderr is
// merged into the terminal), so it is copied straight to stdout instead.
func demux(src io.Reader, stdout, stderr io.Writer, tty bool) error {
	if tty {
		_, err := io.Copy(stdout, src)
		return err
	}
	_, err := stdcopy.StdCopy(stdout, stderr, src)
	return err
}

func envFromMap(opts map[string]string, inherited []string) []string {
	env := append([]string(nil), inherited...)
	for k, v := range opts {
		env = append(env, k+"="+v)
	}
	return env
}
