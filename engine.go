// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"context"
	"fmt"
	"os"
	"sync"

	charmlog "github.com/charmbracelet/log"

	"github.com/xec-sh/xec-core/internal/adapter"
	"github.com/xec-sh/xec-core/internal/adapter/dockeradapter"
	"github.com/xec-sh/xec-core/internal/adapter/k8sadapter"
	"github.com/xec-sh/xec-core/internal/adapter/local"
	"github.com/xec-sh/xec-core/internal/adapter/sshadapter"
	"github.com/xec-sh/xec-core/internal/adapter/sshadapter/sshpool"
	"github.com/xec-sh/xec-core/internal/cache"
	"github.com/xec-sh/xec-core/internal/events"
	"github.com/xec-sh/xec-core/internal/redact"
)

// resources is the set of shared, engine-lifetime state every Engine value
// derived from one root New() call points to: the SSH pool, Docker client,
// Kubernetes client, event bus, and result cache are expensive/stateful
// enough that they must survive a whole chain of .with()/.cd()/.ssh() calls,
// not be rebuilt per chained value.
type resources struct {
	cfg    Config
	logger *charmlog.Logger
	bus    *events.Bus
	cache  *cache.Cache
	redact *redact.Redactor

	local *local.Adapter

	mu        sync.Mutex
	ssh       *sshadapter.Adapter
	docker    *dockeradapter.Adapter
	dockerErr error
	k8s       *k8sadapter.Adapter
	k8sErr    error
}

// Engine is an immutable configuration carrier: every chainable method
// returns a fresh Engine value wrapping a cloned Command of overrides
// layered on top of res.cfg; res itself (and everything it owns) is shared
// and never copied.
type Engine struct {
	res  *resources
	base Command
}

// New constructs an Engine from cfg, filling zero-value fields from
// DefaultConfig.
func New(cfg Config) *Engine {
	full := DefaultConfig().merge(cfg)

	logger := full.Logger
	if logger == nil {
		logger = charmlog.NewWithOptions(os.Stderr, charmlog.Options{Prefix: "xec"})
		if os.Getenv("XEC_DEBUG") != "" {
			logger.SetLevel(charmlog.DebugLevel)
		} else {
			logger.SetLevel(charmlog.WarnLevel)
		}
	}

	// events.Bus takes a *slog.Logger for its own internal "a subscriber
	// panicked" diagnostics; that's deliberately separate from the
	// caller-facing charmbracelet/log logger above, which reports
	// engine/adapter-level activity (adapter unavailability, SSH pool
	// construction, disposal).
	res := &resources{
		cfg:    full,
		logger: logger,
		bus:    events.New(nil, *full.EventsEnabled),
	}
	res.cache = cache.New(full.CacheMaxBytes)
	res.redact = redact.New(full.RedactPatterns)
	res.local = local.New()

	base := Command{
		Cwd:            full.DefaultCwd,
		Env:            copyStringMap(full.DefaultEnv),
		Shell:          full.DefaultShell,
		TimeoutMS:      full.DefaultTimeout.Milliseconds(),
		KillSignal:     full.KillSignal,
		KillGraceMS:    full.KillGrace.Milliseconds(),
		Encoding:       full.Encoding,
		MaxBuffer:      full.MaxBuffer,
		Nothrow:        !*full.ThrowOnNonZeroExit,
		CacheEnabled:   *full.CacheEnabled,
		CacheTTLMS:     full.CacheTTL.Milliseconds(),
		RedactPatterns: append([]string(nil), full.RedactPatterns...),
		Target:         AdapterTarget{Kind: AdapterLocal},
	}

	return &Engine{res: res, base: base}
}

// Default is a ready-to-use Engine over DefaultConfig(), analogous to the
// CLI's top-level `$`.
func Default() *Engine { return New(Config{}) }

// clone returns a new Engine sharing res but with an independently mutable base.
func (e *Engine) clone() *Engine {
	return &Engine{res: e.res, base: e.base.Clone()}
}

// With returns a new Engine with partial's Cwd, Env (merged), TimeoutMS,
// Shell and Retry layered on top of the current chain's; other fields of
// partial are ignored. e's observable configuration is unchanged.
func (e *Engine) With(partial Command) *Engine {
	n := e.clone()
	if partial.Cwd != "" {
		n.base.Cwd = partial.Cwd
	}
	if len(partial.Env) > 0 {
		n.base.Env = mergeEnv(n.base.Env, partial.Env)
	}
	if partial.TimeoutMS != 0 {
		n.base.TimeoutMS = partial.TimeoutMS
	}
	if partial.Shell != "" {
		n.base.Shell = partial.Shell
	}
	if partial.Retry.Enabled() {
		n.base.Retry = partial.Retry
	}
	return n
}

// Defaults merges partial into the engine-wide Config and rebuilds the base
// Command accordingly.
func (e *Engine) Defaults(partial Config) *Engine {
	n := New(e.res.cfg.merge(partial))
	n.res.bus = e.res.bus
	n.res.cache = e.res.cache
	return n
}

// Cd sets the working directory for commands launched from the returned Engine.
func (e *Engine) Cd(path string) *Engine {
	n := e.clone()
	n.base.Cwd = path
	return n
}

// Env merges vars into the environment layer. When replace is true the
// existing layer is discarded instead of merged.
func (e *Engine) Env(vars map[string]string, replace ...bool) *Engine {
	n := e.clone()
	if len(replace) > 0 && replace[0] {
		n.base.Env = copyStringMap(vars)
	} else {
		n.base.Env = mergeEnv(n.base.Env, vars)
	}
	return n
}

// Timeout sets the command timeout.
func (e *Engine) Timeout(d int64) *Engine {
	n := e.clone()
	n.base.TimeoutMS = d
	return n
}

// Shell sets the shell path used for shell-string commands, or "" for argv-mode.
func (e *Engine) Shell(path string) *Engine {
	n := e.clone()
	n.base.Shell = path
	return n
}

// Retry configures automatic retries.
func (e *Engine) Retry(policy RetryPolicy) *Engine {
	n := e.clone()
	n.base.Retry = policy
	return n
}

// Raw switches interpolation to raw (unescaped) mode for Template-built commands.
// The returned Engine remains fully chainable: configuration set after Raw()
// persists across further chained calls.
func (e *Engine) Raw() *Engine {
	n := e.clone()
	n.base.Raw = true
	return n
}

// Quiet suppresses the default echoing of stdout/stderr some callers layer on top.
func (e *Engine) Quiet() *Engine {
	n := e.clone()
	n.base.Quiet = true
	return n
}

// Nothrow makes a non-zero exit resolve successfully with ok=false instead of
// raising CommandError.
func (e *Engine) Nothrow() *Engine {
	n := e.clone()
	n.base.Nothrow = true
	return n
}

// Interactive allocates a pseudo-terminal where the adapter supports one.
func (e *Engine) Interactive() *Engine {
	n := e.clone()
	n.base.Interactive = true
	return n
}

// Cache opts this chain's commands into the Result Cache.
func (e *Engine) Cache(ttlMS int64) *Engine {
	n := e.clone()
	n.base.CacheEnabled = true
	if ttlMS > 0 {
		n.base.CacheTTLMS = ttlMS
	}
	return n
}

// SSH switches the returned Engine to the SSH adapter against target.
func (e *Engine) SSH(target SSHTarget) *Engine {
	n := e.clone()
	n.base.Target = AdapterTarget{Kind: AdapterSSH, SSH: target}
	return n
}

// Docker switches the returned Engine to the Docker adapter. Setting
// target.Image selects ephemeral-run mode (AutoRemove defaults to true, a
// unique name is assigned if unset); setting target.Container selects
// persistent-exec mode. Setting both is a ValidationError raised at launch,
// not here, so Engine construction itself stays infallible.
func (e *Engine) Docker(target DockerTarget) *Engine {
	n := e.clone()
	if target.IsEphemeral() {
		if target.AutoRemove == nil {
			autoRemove := *e.res.cfg.DockerAutoRemoveDefault
			target.AutoRemove = &autoRemove
		}
		if target.Name == "" {
			target.Name = "xec-" + newID()
		}
	}
	n.base.Target = AdapterTarget{Kind: AdapterDocker, Docker: target}
	return n
}

// K8s switches the returned Engine to the Kubernetes adapter against target.
func (e *Engine) K8s(target KubernetesTarget) *Engine {
	n := e.clone()
	n.base.Target = AdapterTarget{Kind: AdapterKubernetes, Kubernetes: target}
	return n
}

// On subscribes handler to kind on this engine's shared event bus.
func (e *Engine) On(kind events.Kind, handler events.Handler) {
	e.res.bus.On(kind, handler)
}

// OnAll subscribes handler to every event kind.
func (e *Engine) OnAll(handler events.Handler) {
	e.res.bus.OnAll(handler)
}

// Config returns the engine's resolved, effective configuration.
func (e *Engine) Config() Config { return e.res.cfg }

// Command builds a ProcessHandle from literal argv (no shell, no
// interpolation): Command("echo", "hi") is the non-template convenience form.
func (e *Engine) Command(argv ...string) *ProcessHandle {
	cmd := e.base.Clone()
	cmd.Argv = argv
	return newHandle(e, cmd)
}

// ShellCmd builds a ProcessHandle that runs cmdline through the configured
// shell (or full.DefaultShell / "sh" if none is set).
func (e *Engine) ShellCmd(cmdline string) *ProcessHandle {
	cmd := e.base.Clone()
	cmd.ShellString = cmdline
	if cmd.Shell == "" {
		cmd.Shell = "sh"
	}
	return newHandle(e, cmd)
}

// sshAdapter lazily constructs the engine-shared SSH adapter/pool (sync.Once
// on the zero value would need an extra field; a mutex-guarded lazy init
// keeps resources small for engines that never touch SSH).
func (e *Engine) sshAdapter() *sshadapter.Adapter {
	r := e.res
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ssh == nil {
		r.logger.Debug("constructing ssh connection pool", "maxPerKey", r.cfg.SSHPoolMaxPerKey)
		r.ssh = sshadapter.New(sshpool.Options{
			MaxPerKey:    r.cfg.SSHPoolMaxPerKey,
			IdleTimeout:  r.cfg.SSHPoolIdleTTL,
			KeepAlive:    r.cfg.SSHPoolKeepAlive,
			ReapInterval: r.cfg.SSHPoolIdleTTL,
		})
		r.bus.Emit(events.Event{
			Kind:        events.KindAdapterPool,
			AdapterKind: string(AdapterSSH),
			Payload:     map[string]any{"action": "create", "maxPerKey": r.cfg.SSHPoolMaxPerKey},
		})
	}
	return r.ssh
}

// dockerAdapter lazily constructs the engine-shared Docker adapter. A
// construction failure (no DOCKER_HOST reachable, bad socket, ...) is cached
// and re-returned: Docker is one substrate, not per-target state.
func (e *Engine) dockerAdapter() (*dockeradapter.Adapter, error) {
	r := e.res
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.docker == nil && r.dockerErr == nil {
		r.docker, r.dockerErr = dockeradapter.NewFromEnvironment()
	}
	return r.docker, r.dockerErr
}

// k8sAdapter lazily constructs the engine-shared Kubernetes adapter from the
// ambient kubeconfig ($KUBECONFIG or ~/.kube/config).
func (e *Engine) k8sAdapter() (*k8sadapter.Adapter, error) {
	r := e.res
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.k8s == nil && r.k8sErr == nil {
		r.k8s, r.k8sErr = k8sadapter.NewFromKubeconfig("", "")
	}
	return r.k8s, r.k8sErr
}

// resolveAdapter dispatches cmd.Target.Kind to the matching adapter instance,
// constructing it lazily and reporting AdapterUnavailable on failure.
func (e *Engine) resolveAdapter(kind AdapterKind) (adapter.Adapter, error) {
	switch kind {
	case AdapterLocal, "":
		return e.res.local, nil
	case AdapterSSH:
		return e.sshAdapter(), nil
	case AdapterDocker:
		a, err := e.dockerAdapter()
		if err != nil {
			e.res.logger.Warn("docker adapter unavailable", "err", err)
			return nil, &AdapterUnavailableError{Adapter: "docker", Reason: err.Error()}
		}
		if !a.Available() {
			e.res.logger.Warn("docker daemon unreachable")
			return nil, &AdapterUnavailableError{Adapter: "docker", Reason: "daemon unreachable"}
		}
		return a, nil
	case AdapterKubernetes:
		a, err := e.k8sAdapter()
		if err != nil {
			e.res.logger.Warn("kubernetes adapter unavailable", "err", err)
			return nil, &AdapterUnavailableError{Adapter: "kubernetes", Reason: err.Error()}
		}
		return a, nil
	default:
		return nil, &ValidationError{Field: "Target.Kind", Reason: fmt.Sprintf("unknown adapter kind %q", kind)}
	}
}

// Dispose releases every shared resource this engine owns: it closes idle
// SSH connections, drains the event bus, and is safe to call once all
// in-flight handles have completed. Ephemeral Docker containers are owned by
// their ProcessHandle, not the engine, and are removed on their own
// completion/cancellation.
func (e *Engine) Dispose(ctx context.Context) error {
	r := e.res
	r.mu.Lock()
	ssh := r.ssh
	r.mu.Unlock()

	r.logger.Debug("disposing engine resources")

	var err error
	if ssh != nil {
		err = ssh.Close()
	}
	r.bus.Drain()
	return err
}
