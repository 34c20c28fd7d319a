// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xec-sh/xec-core/internal/adapter"
	"github.com/xec-sh/xec-core/internal/events"
	"github.com/xec-sh/xec-core/internal/redact"
)

// HandleState is one point in a ProcessHandle's lifecycle.
type HandleState int32

const (
	StateConfigured HandleState = iota
	StateLaunching
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
	StateTimedOut
)

func (s HandleState) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

func (s HandleState) isTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled || s == StateTimedOut
}

// ProcessHandle is a deferred execution object: a
// chainable configuration wrapper over a Command that launches the first
// time something awaits it (Wait, Run, Text, JSON, ...). Re-awaiting a
// terminal handle returns the same latched result; configuration methods
// after launch return a new handle whose terminal state is InvalidState.
type ProcessHandle struct {
	engine    *Engine
	cmd       Command
	commandID string

	launchOnce sync.Once
	cancelOnce sync.Once
	done       chan struct{}

	mu           sync.Mutex
	state        HandleState
	result       *ExecutionResult
	err          error
	proc         adapter.Process
	cancelFn     context.CancelFunc
	cancelled    bool
	stdoutWriter *teeWriter
	stderrWriter *teeWriter

	pipedFrom *ProcessHandle
	// upstreamErr is set by Pipe's coordinator when the upstream stage fails,
	// so awaiting the downstream surfaces the upstream's error.
	upstreamErr error
	// preLaunch is invoked once, just before launch; Pipe uses it to start
	// its upstream coordinator so a composite's stages launch together, and
	// only when the composite itself does.
	preLaunch func(*ProcessHandle)
}

func newHandle(e *Engine, cmd Command) *ProcessHandle {
	return &ProcessHandle{
		engine:    e,
		cmd:       cmd,
		commandID: newID(),
		done:      make(chan struct{}),
		state:     StateConfigured,
	}
}

// PipedFrom returns the upstream handle this one was connected from via
// Pipe, or nil if it was not built that way.
func (h *ProcessHandle) PipedFrom() *ProcessHandle { return h.pipedFrom }

// State returns the handle's current lifecycle state.
func (h *ProcessHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// derive clones the handle's Command for a further chained configuration
// call, refusing once the handle has started launching.
func (h *ProcessHandle) derive() (*ProcessHandle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateConfigured {
		n := &ProcessHandle{
			engine: h.engine, done: make(chan struct{}), state: StateFailed,
			err: &InvalidStateError{From: h.state.String(), Attempted: "configure"},
		}
		close(n.done)
		return n, false
	}
	return &ProcessHandle{
		engine: h.engine, cmd: h.cmd.Clone(), commandID: h.commandID,
		done: make(chan struct{}), state: StateConfigured,
		pipedFrom: h.pipedFrom, preLaunch: h.preLaunch,
	}, true
}

// Cwd overrides the working directory.
func (h *ProcessHandle) Cwd(path string) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Cwd = path
	return n
}

// Env merges vars into the handle's environment layer.
func (h *ProcessHandle) Env(vars map[string]string) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Env = mergeEnv(n.cmd.Env, vars)
	return n
}

// Timeout overrides the command timeout, in milliseconds.
func (h *ProcessHandle) Timeout(ms int64) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.TimeoutMS = ms
	return n
}

// ShellMode routes the command through shellPath -c instead of argv-mode.
func (h *ProcessHandle) ShellMode(shellPath string) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Shell = shellPath
	return n
}

// RetryWith configures automatic retries for this handle only.
func (h *ProcessHandle) RetryWith(policy RetryPolicy) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Retry = policy
	return n
}

// Quiet sets the command's Quiet flag. The engine itself echoes nothing; the
// flag is for callers that layer echoing on top.
func (h *ProcessHandle) Quiet() *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Quiet = true
	return n
}

// Nothrow converts a non-zero exit into a successful resolution with ok=false.
func (h *ProcessHandle) Nothrow() *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Nothrow = true
	return n
}

// Interactive allocates a pseudo-terminal where the adapter supports one.
func (h *ProcessHandle) Interactive() *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Interactive = true
	return n
}

// Raw switches this handle's own interpolation mode (relevant only when the
// handle was constructed through Engine.Template).
func (h *ProcessHandle) Raw() *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.Raw = true
	return n
}

// StdinString feeds s as the child's stdin.
func (h *ProcessHandle) StdinString(s string) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.StdinMode = StdinString
	n.cmd.StdinStr = s
	return n
}

// StdinFrom feeds r as the child's stdin, streamed as it is consumed.
func (h *ProcessHandle) StdinFrom(r io.Reader) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.StdinMode = StdinStream
	n.cmd.StdinRdr = r
	return n
}

// StreamStdout forwards stdout to w as it arrives, in addition to capturing
// it into the ExecutionResult. A streaming handle is never cached: the sink
// already consumed the bytes once, so a cached replay would skip it.
func (h *ProcessHandle) StreamStdout(w io.Writer) *ProcessHandle {
	n, ok := h.derive()
	if !ok {
		return n
	}
	n.cmd.StdoutMode = OutputStream
	n.cmd.StdoutSink = w
	n.cmd.CacheEnabled = false
	return n
}

// Run launches the command if it has not started yet; it never blocks for
// completion. A handle born terminal (template evaluation failure, derive
// after launch) keeps its latched error instead of launching.
func (h *ProcessHandle) Run() *ProcessHandle {
	h.launchOnce.Do(func() {
		h.mu.Lock()
		terminal := h.state.isTerminal()
		pre := h.preLaunch
		h.mu.Unlock()
		if terminal {
			return
		}
		if pre != nil {
			pre(h)
		}
		h.launch()
	})
	return h
}

// Wait blocks until the handle reaches a terminal state or ctx is cancelled,
// launching it first if necessary. Re-awaiting a terminal handle returns
// the same latched result without re-running anything.
func (h *ProcessHandle) Wait(ctx context.Context) (*ExecutionResult, error) {
	h.Run()
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Cancel cooperatively cancels a running (or not-yet-terminal) handle.
// Idempotent: cancelling a terminal handle is a no-op, and concurrent cancels
// produce at most one command:cancel event.
func (h *ProcessHandle) Cancel() error {
	var cancelFn context.CancelFunc
	h.mu.Lock()
	if h.state.isTerminal() {
		h.mu.Unlock()
		return nil
	}
	h.cancelled = true
	cancelFn = h.cancelFn
	h.mu.Unlock()

	h.cancelOnce.Do(func() {
		h.emit(events.KindCancel, nil)
	})
	if cancelFn != nil {
		cancelFn()
	}
	return nil
}

// Text returns stdout as a string, awaiting completion first if necessary.
func (h *ProcessHandle) Text() (string, error) {
	r, err := h.Wait(context.Background())
	if r == nil {
		return "", err
	}
	return r.Stdout, err
}

// TrimmedStdout implements shellquote.Stringer so a ProcessHandle can be
// interpolated directly into a template.
func (h *ProcessHandle) TrimmedStdout() (string, error) {
	r, err := h.Wait(context.Background())
	if err != nil && r == nil {
		return "", err
	}
	return strings.TrimSuffix(r.Stdout, "\n"), nil
}

// JSON parses stdout as JSON into v, awaiting completion first if necessary.
func (h *ProcessHandle) JSON(v any) error {
	r, err := h.Wait(context.Background())
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(r.Stdout), v)
}

// Lines splits stdout on "\n", awaiting completion first if necessary.
func (h *ProcessHandle) Lines() ([]string, error) {
	r, err := h.Wait(context.Background())
	if r == nil {
		return nil, err
	}
	return r.Lines(), err
}

// Buffer returns raw stdout bytes, awaiting completion first if necessary.
func (h *ProcessHandle) Buffer() ([]byte, error) {
	r, err := h.Wait(context.Background())
	if r == nil {
		return nil, err
	}
	return r.Buffer(), err
}

func (h *ProcessHandle) emit(kind events.Kind, payload map[string]any) {
	h.engine.res.bus.Emit(events.Event{
		Kind:        kind,
		CommandID:   h.commandID,
		AdapterKind: string(h.cmd.Target.Kind),
		Payload:     payload,
	})
}

// launch runs the full configured-retry attempt sequence and latches the
// terminal state. It always runs in its own goroutine from Run/Wait's
// sync.Once so concurrent awaiters block on h.done rather than re-entering.
func (h *ProcessHandle) launch() {
	h.mu.Lock()
	h.state = StateLaunching
	h.mu.Unlock()

	go func() {
		defer close(h.done)
		result, err := h.runWithRetry()
		h.mu.Lock()
		if errors.Is(err, ErrCancelled) && h.upstreamErr != nil {
			err = h.upstreamErr
		}
		h.result = result
		h.err = err
		switch {
		case errors.Is(err, ErrCancelled):
			h.state = StateCancelled
		case errors.Is(err, ErrTimeout):
			h.state = StateTimedOut
		case err != nil:
			h.state = StateFailed
		default:
			h.state = StateSucceeded
		}
		h.mu.Unlock()
	}()
}

func (h *ProcessHandle) runWithRetry() (*ExecutionResult, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	if h.cmd.CacheEnabled && !h.cmd.Interactive && h.cmd.StdoutMode != OutputStream {
		key := cacheKey(h.cmd)
		ttl := time.Duration(h.cmd.CacheTTLMS) * time.Millisecond
		v, err := h.engine.res.cache.Do(key, ttl, resultSize, func() (any, error) {
			return h.attemptSequence()
		})
		if err != nil {
			return nil, err
		}
		return v.(*ExecutionResult), nil
	}

	return h.attemptSequence()
}

func resultSize(v any) int64 {
	r, ok := v.(*ExecutionResult)
	if !ok {
		return 0
	}
	return int64(len(r.Stdout) + len(r.Stderr))
}

// attemptSequence runs h.cmd, retrying per h.cmd.Retry when the failure
// qualifies. ValidationError/InvalidState/Cancelled never retry.
func (h *ProcessHandle) attemptSequence() (*ExecutionResult, error) {
	attempts := 1
	if h.cmd.Retry.Enabled() {
		attempts += h.cmd.Retry.Times
	}

	var lastResult *ExecutionResult
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			h.emit(events.KindRetry, map[string]any{
				"attempt":  attempt,
				"priorErr": errString(lastErr),
			})
			h.sleepBackoff(attempt)
		}

		h.emit(events.KindStart, map[string]any{"attempt": attempt})
		result, err := h.attemptOnce()
		lastResult, lastErr = result, err

		if err == nil {
			h.emit(events.KindComplete, map[string]any{"exitCode": result.ExitCode})
			return result, nil
		}

		h.emit(events.KindError, map[string]any{"error": err.Error()})

		if !h.shouldRetry(result, err, attempt, attempts) {
			return result, err
		}
	}

	return lastResult, lastErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (h *ProcessHandle) shouldRetry(result *ExecutionResult, err error, attempt, attempts int) bool {
	if attempt >= attempts-1 {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrCancelled) {
		return false
	}
	if h.cmd.Retry.ShouldRetry != nil {
		return h.cmd.Retry.ShouldRetry(result, err)
	}
	return true
}

// sleepBackoff waits Retry.BackoffMS (optionally jittered) before the next
// attempt. The budget resets per attempt rather than spanning the whole
// retry run, matching the fresh per-attempt timeout in attemptContext.
func (h *ProcessHandle) sleepBackoff(attempt int) {
	backoff := time.Duration(h.cmd.Retry.BackoffMS) * time.Millisecond
	if backoff <= 0 {
		return
	}
	if h.cmd.Retry.Jitter {
		backoff = time.Duration(float64(backoff) * (0.5 + rand.Float64()))
	}
	time.Sleep(backoff)
}

// validate rejects an empty command and contradictory target options before
// anything launches.
func (h *ProcessHandle) validate() error {
	if h.cmd.Target.Kind == AdapterDocker && h.cmd.Target.Docker.Container != "" && h.cmd.Target.Docker.Image != "" {
		return &ValidationError{Field: "Target.Docker", Reason: "Container and Image are mutually exclusive"}
	}
	if h.cmd.Shell != "" {
		if strings.TrimSpace(h.cmd.ShellString) == "" {
			return &ValidationError{Field: "ShellString", Reason: "empty command string"}
		}
		return nil
	}
	if len(h.cmd.Argv) == 0 {
		return &ValidationError{Field: "Argv", Reason: "empty command"}
	}
	return nil
}

// attemptOnce launches, streams, and waits for exactly one attempt of h.cmd.
func (h *ProcessHandle) attemptOnce() (*ExecutionResult, error) {
	a, adapterErr := h.engine.resolveAdapter(h.cmd.Target.Kind)
	if adapterErr != nil {
		return nil, adapterErr
	}

	ctx, cancel := h.attemptContext()
	defer cancel()

	h.mu.Lock()
	h.cancelFn = cancel
	wasCancelled := h.cancelled
	h.mu.Unlock()
	if wasCancelled {
		cancel()
	}

	spec, stdout, stderr, stdoutW, stderrW := h.buildSpec()
	h.mu.Lock()
	h.stdoutWriter, h.stderrWriter = stdoutW, stderrW
	h.mu.Unlock()

	started := time.Now()
	proc, err := a.Launch(ctx, spec)
	if err != nil {
		return nil, launchError(h.cmd.Target.Kind, err)
	}
	h.mu.Lock()
	h.proc = proc
	h.state = StateRunning
	h.mu.Unlock()

	if h.cmd.Target.Kind == AdapterDocker && h.cmd.Target.Docker.IsEphemeral() {
		h.emit(events.KindAdapterContainer, map[string]any{"name": h.cmd.Target.Docker.Name, "action": "created"})
	}

	res, waitErr := proc.Wait(context.Background())
	_ = proc.Dispose(context.Background())
	stdoutW.flush()
	stderrW.flush()

	h.mu.Lock()
	cancelled := h.cancelled
	h.mu.Unlock()

	// A process reaped because the attempt context fired reports an ordinary
	// signal exit (or a context error) from the adapter; classify by why the
	// context fired, not by how the substrate happened to report the death.
	switch {
	case cancelled:
		return buildResult(h.cmd, adapterKindOf(a), stdout, stderr, -1, "", started), ErrCancelled
	case ctx.Err() == context.DeadlineExceeded:
		return buildResult(h.cmd, adapterKindOf(a), stdout, stderr, -1, "", started), &TimeoutError{TimeoutMS: h.cmd.TimeoutMS}
	case waitErr != nil:
		if errors.Is(waitErr, context.Canceled) {
			return buildResult(h.cmd, adapterKindOf(a), stdout, stderr, -1, "", started), ErrCancelled
		}
		if h.cmd.Target.Kind == AdapterKubernetes {
			return nil, fmt.Errorf("%w: %v", ErrExecFailed, waitErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrIO, waitErr)
	}

	result := buildResult(h.cmd, adapterKindOf(a), stdout, stderr, res.ExitCode, res.Signal, started)

	if stdoutW.truncated() || stderrW.truncated() {
		return result, fmt.Errorf("%w: captured output exceeded max buffer (%d bytes)", ErrIO, h.cmd.MaxBuffer)
	}

	if !result.Ok() && !h.cmd.Nothrow {
		return result, &CommandError{Result: result}
	}
	return result, nil
}

func adapterKindOf(a adapter.Adapter) AdapterKind { return AdapterKind(a.Kind()) }

// launchError maps an adapter's classification sentinel onto the public
// taxonomy, keeping the substrate detail in the wrapped cause.
func launchError(kind AdapterKind, err error) error {
	switch {
	case errors.Is(err, adapter.ErrAuth):
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	case errors.Is(err, adapter.ErrUnreachable):
		return fmt.Errorf("%w: %v", ErrHostUnreachable, err)
	case errors.Is(err, adapter.ErrHandshake):
		return fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	case errors.Is(err, adapter.ErrChannelOpen):
		return fmt.Errorf("%w: %v", ErrChannelOpenFailure, err)
	case errors.Is(err, adapter.ErrNotFound):
		if kind == AdapterKubernetes {
			return fmt.Errorf("%w: %v", ErrPodNotFound, err)
		}
		return fmt.Errorf("%w: %v", ErrContainerNotFound, err)
	case errors.Is(err, adapter.ErrNotRunning):
		return fmt.Errorf("%w: %v", ErrContainerNotRunning, err)
	case errors.Is(err, adapter.ErrExecCreate):
		return fmt.Errorf("%w: %v", ErrExecCreateFailed, err)
	case errors.Is(err, adapter.ErrImagePull):
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	case errors.Is(err, adapter.ErrForbidden):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	default:
		return fmt.Errorf("launch: %w", err)
	}
}

// attemptContext derives a fresh cancellable context for one attempt, bounded
// by the command's timeout. Each retry attempt gets its own fresh timeout
// budget rather than sharing one deadline across the whole retry run.
func (h *ProcessHandle) attemptContext() (context.Context, context.CancelFunc) {
	if h.cmd.TimeoutMS > 0 {
		return context.WithTimeout(context.Background(), time.Duration(h.cmd.TimeoutMS)*time.Millisecond)
	}
	return context.WithCancel(context.Background())
}

// buildSpec resolves Command into an adapter.Spec plus the capture buffers
// and teeWriters wired to the bus/redactor for this attempt.
func (h *ProcessHandle) buildSpec() (adapter.Spec, *bytes.Buffer, *bytes.Buffer, *teeWriter, *teeWriter) {
	c := h.cmd
	redactor := h.redactor()

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	stdoutW := newTeeWriter(h, events.KindStdout, stdoutBuf, streamSinkFor(c.StdoutMode, c.StdoutSink), redactor, c.MaxBuffer)
	stderrW := newTeeWriter(h, events.KindStderr, stderrBuf, streamSinkFor(c.StderrMode, c.StderrSink), redactor, c.MaxBuffer)

	spec := adapter.Spec{
		Argv:        c.Argv,
		ShellString: c.ShellString,
		Shell:       c.Shell,
		Cwd:         c.Cwd,
		Env:         h.resolveEnvSlice(),
		Stdin:       h.resolveStdin(),
		Stdout:      streamDestination(c.StdoutMode, stdoutW, os.Stdout),
		Stderr:      streamDestination(c.StderrMode, stderrW, os.Stderr),
		Interactive: c.Interactive,
		KillSignal:  orDefault(c.KillSignal, "SIGTERM"),
		KillGrace:   durationOrDefault(c.KillGraceMS, 5*time.Second),
	}

	switch c.Target.Kind {
	case AdapterSSH:
		connectTimeout := c.Target.SSH.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = h.engine.res.cfg.SSHPoolConnectTimeout
		}
		spec.SSH = &adapter.SSHOptions{
			Host: c.Target.SSH.Host, Port: c.Target.SSH.Port, User: c.Target.SSH.User,
			Auth: int(c.Target.SSH.Auth), Password: c.Target.SSH.Password,
			PrivateKey: c.Target.SSH.PrivateKey, PrivateKeyPath: c.Target.SSH.PrivateKeyPath,
			KnownHostsPath: c.Target.SSH.KnownHostsPath, HostKeyPolicy: int(c.Target.SSH.HostKeyPolicy),
			KeepAlive: c.Target.SSH.KeepAlive, ConnectTimeout: connectTimeout,
		}
	case AdapterDocker:
		autoRemove := *h.engine.res.cfg.DockerAutoRemoveDefault
		if c.Target.Docker.AutoRemove != nil {
			autoRemove = *c.Target.Docker.AutoRemove
		}
		spec.Docker = &adapter.DockerOptions{
			Container: c.Target.Docker.Container, Image: c.Target.Docker.Image,
			AutoRemove: autoRemove, Volumes: c.Target.Docker.Volumes, Workdir: c.Target.Docker.Workdir,
			Env: c.Target.Docker.Env, EntrypointOverride: c.Target.Docker.EntrypointOverride,
			Name: c.Target.Docker.Name,
		}
	case AdapterKubernetes:
		spec.Kubernetes = &adapter.KubernetesOptions{
			Namespace: c.Target.Kubernetes.Namespace, Pod: c.Target.Kubernetes.Pod,
			Container: c.Target.Kubernetes.Container,
			TTY:       c.Target.Kubernetes.TTY || c.Interactive,
		}
	}

	return spec, stdoutBuf, stderrBuf, stdoutW, stderrW
}

func (h *ProcessHandle) redactor() *redact.Redactor {
	if len(h.cmd.RedactPatterns) == 0 {
		return h.engine.res.redact
	}
	return redact.New(append(append([]string(nil), h.engine.res.cfg.RedactPatterns...), h.cmd.RedactPatterns...))
}

func streamSinkFor(mode OutputMode, sink io.Writer) io.Writer {
	if mode == OutputStream {
		return sink
	}
	return nil
}

// streamDestination picks the io.Writer an adapter.Spec should write to:
// Ignore discards, Inherit passes the embedding process's own stream through
// untouched (bypassing capture/redaction/events entirely, since there is
// nothing to capture into), everything else routes through the teeWriter.
func streamDestination(mode OutputMode, w *teeWriter, inheritTarget io.Writer) io.Writer {
	switch mode {
	case OutputIgnore:
		return io.Discard
	case OutputInherit:
		return inheritTarget
	default:
		return w
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func durationOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// resolveStdin turns Command's StdinMode into a concrete io.Reader for the adapter.
func (h *ProcessHandle) resolveStdin() io.Reader {
	switch h.cmd.StdinMode {
	case StdinString:
		return strings.NewReader(h.cmd.StdinStr)
	case StdinBytes:
		return bytes.NewReader(h.cmd.StdinByte)
	case StdinStream:
		return h.cmd.StdinRdr
	case StdinInherit:
		return os.Stdin
	default:
		return nil
	}
}

// resolveEnvSlice layers Command.Env over the OS environment for the Local
// adapter (so PATH and friends survive) but NOT for remote substrates, where
// leaking the invoking process's entire environment to a remote
// host/container/pod would be a confused-deputy information disclosure.
func (h *ProcessHandle) resolveEnvSlice() []string {
	if h.cmd.Target.Kind != AdapterLocal && h.cmd.Target.Kind != "" {
		return envToSlice(h.cmd.Env)
	}
	osEnv := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			osEnv[kv[:idx]] = kv[idx+1:]
		}
	}
	return envToSlice(mergeEnv(osEnv, h.cmd.Env))
}

// teeWriter redacts each chunk at the boundary (internal/redact.StreamRedactor),
// then fans it out to the capture buffer, an optional external stream sink,
// and a command:stdout/stderr event -- in that order, so subscribers never
// see bytes the capture buffer doesn't also have.
type teeWriter struct {
	h     *ProcessHandle
	kind  events.Kind
	buf   *bytes.Buffer
	sink  io.Writer
	sr    *redact.StreamRedactor
	max   int64
	mu    sync.Mutex
	trunc bool
}

func newTeeWriter(h *ProcessHandle, kind events.Kind, buf *bytes.Buffer, sink io.Writer, r *redact.Redactor, max int64) *teeWriter {
	return &teeWriter{h: h, kind: kind, buf: buf, sink: sink, sr: redact.NewStream(r, 64), max: max}
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.deliver(w.sr.Write(p))
	return len(p), nil
}

func (w *teeWriter) flush() { w.deliver(w.sr.Flush()) }

func (w *teeWriter) truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trunc
}

func (w *teeWriter) deliver(b []byte) {
	if len(b) == 0 {
		return
	}
	w.mu.Lock()
	if w.max > 0 && int64(w.buf.Len())+int64(len(b)) > w.max {
		if keep := w.max - int64(w.buf.Len()); keep > 0 {
			w.buf.Write(b[:keep])
		}
		w.trunc = true
	} else {
		w.buf.Write(b)
	}
	w.mu.Unlock()
	if w.sink != nil {
		_, _ = w.sink.Write(b)
	}
	w.h.emit(w.kind, map[string]any{"bytes": len(b)})
}
