// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"time"

	"github.com/charmbracelet/log"
)

// Config holds the engine-level configuration surface. Loading this struct
// from a file (YAML/TOML/env) is the embedding application's concern, so it
// carries no struct tags and no file-loader dependency; callers populate it
// directly or layer their own loader on top.
type Config struct {
	// DefaultTimeout bounds how long a command may run before it is killed. Default 120s.
	DefaultTimeout time.Duration
	// DefaultShell is the shell used when Command.Shell is unset but shell-mode is requested.
	// Empty string (or false, conceptually) means argv-mode by default.
	DefaultShell string
	// DefaultEnv is merged under every command's environment (lowest layer).
	DefaultEnv map[string]string
	// DefaultCwd is used when a command does not set Cwd.
	DefaultCwd string
	// ThrowOnNonZeroExit controls whether a non-zero exit raises CommandError.
	// nil means "not set"; the default is true. Pointer-typed so an explicit
	// false survives merging with the defaults.
	ThrowOnNonZeroExit *bool
	// Encoding names the text encoding assumed for captured output. Default "utf-8".
	Encoding string
	// MaxBuffer bounds captured output size in bytes before IoError/truncation (§8).
	MaxBuffer int64

	// KillSignal is sent to a running process on timeout/cancel before the grace period. Default "SIGTERM".
	KillSignal string
	// KillGrace is how long to wait after KillSignal before escalating to SIGKILL. Default 5s.
	KillGrace time.Duration

	// RedactPatterns lists regular expressions masked in captured output and event payloads.
	RedactPatterns []string

	// CacheEnabled turns on the engine-wide Result Cache by default.
	// nil means "not set"; the default is false.
	CacheEnabled *bool
	// CacheTTL is the default entry lifetime.
	CacheTTL time.Duration
	// CacheMaxBytes bounds total cached payload size; expired entries are evicted first, then LRU ones.
	CacheMaxBytes int64

	// SSHPoolMaxPerKey bounds concurrent leases (commands) per (host,port,user,auth) key;
	// the pool keeps one multiplexed connection per key, which the leases share.
	SSHPoolMaxPerKey int
	// SSHPoolIdleTTL is how long an idle pooled connection survives before the reaper closes it.
	SSHPoolIdleTTL time.Duration
	// SSHPoolKeepAlive is the interval between keepalive probes sent to busy connections.
	SSHPoolKeepAlive time.Duration
	// SSHPoolConnectTimeout bounds dialing + handshake for a new pooled connection
	// when the SSHTarget sets no ConnectTimeout of its own.
	SSHPoolConnectTimeout time.Duration
	// SSHPoolAcquireTimeout is not read by the pool: an acquire waits for a free
	// lease until the command's own context (its timeout or cancellation) ends.
	SSHPoolAcquireTimeout time.Duration

	// DockerAutoRemoveDefault is the default for DockerTarget.AutoRemove in
	// ephemeral mode. nil means "not set"; the default is true.
	DockerAutoRemoveDefault *bool

	// EventsEnabled turns the Event Bus on. Disabling it is a pure no-op
	// sink, never an error. nil means "not set"; the default is true.
	EventsEnabled *bool

	// Logger is the optional pretty-printing logger used for engine-level
	// diagnostics: adapter unavailability, SSH pool construction, engine
	// disposal. nil means Engine.New builds a default
	// charmbracelet/log logger prefixed "xec", whose level follows the
	// XEC_DEBUG environment variable.
	Logger *log.Logger
}

// Bool is a convenience for populating Config's pointer-typed boolean knobs:
// Config{ThrowOnNonZeroExit: xec.Bool(false)}.
func Bool(b bool) *bool { return &b }

// DefaultConfig returns the engine's built-in defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:          120 * time.Second,
		DefaultShell:            "",
		ThrowOnNonZeroExit:      Bool(true),
		Encoding:                "utf-8",
		MaxBuffer:               10 << 20, // 10 MiB
		KillSignal:              "SIGTERM",
		KillGrace:               5 * time.Second,
		CacheEnabled:            Bool(false),
		CacheTTL:                30 * time.Second,
		CacheMaxBytes:           64 << 20, // 64 MiB
		SSHPoolMaxPerKey:        4,
		SSHPoolIdleTTL:          2 * time.Minute,
		SSHPoolKeepAlive:        30 * time.Second,
		SSHPoolConnectTimeout:   10 * time.Second,
		SSHPoolAcquireTimeout:   30 * time.Second,
		DockerAutoRemoveDefault: Bool(true),
		EventsEnabled:           Bool(true),
	}
}

// merge layers override on top of c, field by field: each field override sets
// (non-zero, or non-nil for pointers) replaces c's, DefaultEnv is merged key
// by key, and RedactPatterns are appended.
func (c Config) merge(override Config) Config {
	out := c
	if override.DefaultTimeout != 0 {
		out.DefaultTimeout = override.DefaultTimeout
	}
	if override.DefaultShell != "" {
		out.DefaultShell = override.DefaultShell
	}
	if len(override.DefaultEnv) > 0 {
		out.DefaultEnv = mergeEnv(out.DefaultEnv, override.DefaultEnv)
	}
	if override.DefaultCwd != "" {
		out.DefaultCwd = override.DefaultCwd
	}
	if override.ThrowOnNonZeroExit != nil {
		out.ThrowOnNonZeroExit = override.ThrowOnNonZeroExit
	}
	if override.Encoding != "" {
		out.Encoding = override.Encoding
	}
	if override.MaxBuffer != 0 {
		out.MaxBuffer = override.MaxBuffer
	}
	if override.KillSignal != "" {
		out.KillSignal = override.KillSignal
	}
	if override.KillGrace != 0 {
		out.KillGrace = override.KillGrace
	}
	if len(override.RedactPatterns) > 0 {
		out.RedactPatterns = append(append([]string(nil), out.RedactPatterns...), override.RedactPatterns...)
	}
	if override.CacheEnabled != nil {
		out.CacheEnabled = override.CacheEnabled
	}
	if override.CacheTTL != 0 {
		out.CacheTTL = override.CacheTTL
	}
	if override.CacheMaxBytes != 0 {
		out.CacheMaxBytes = override.CacheMaxBytes
	}
	if override.SSHPoolMaxPerKey != 0 {
		out.SSHPoolMaxPerKey = override.SSHPoolMaxPerKey
	}
	if override.SSHPoolIdleTTL != 0 {
		out.SSHPoolIdleTTL = override.SSHPoolIdleTTL
	}
	if override.SSHPoolKeepAlive != 0 {
		out.SSHPoolKeepAlive = override.SSHPoolKeepAlive
	}
	if override.SSHPoolConnectTimeout != 0 {
		out.SSHPoolConnectTimeout = override.SSHPoolConnectTimeout
	}
	if override.SSHPoolAcquireTimeout != 0 {
		out.SSHPoolAcquireTimeout = override.SSHPoolAcquireTimeout
	}
	if override.DockerAutoRemoveDefault != nil {
		out.DockerAutoRemoveDefault = override.DockerAutoRemoveDefault
	}
	if override.EventsEnabled != nil {
		out.EventsEnabled = override.EventsEnabled
	}
	if override.Logger != nil {
		out.Logger = override.Logger
	}
	return out
}
