// SPDX-License-Identifier: MPL-2.0

// Package sshpool pools outbound SSH connections keyed by host/port/user/auth
// so repeated commands against the same target reuse one TCP+SSH handshake
// instead of paying for it per command.
//
// Connections are leased out with a FIFO waiter queue bounded by
// maxPerKey, kept alive with a periodic keepalive request, and reaped after
// sitting idle past idleTimeout.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/xec-sh/xec-core/internal/adapter"
)

// Phase is one pooled connection's position in its dial-and-lease lifecycle.
// A connection that breaks (failed dial, dead keepalive) or closes (reaped,
// pool shutdown) is always removed from the pool map in the same critical
// section, so the next Get for its key starts over from PhaseIdle rather
// than observing a terminal entry.
type Phase int32

const (
	// PhaseIdle means the key has no dialed connection yet.
	PhaseIdle Phase = iota
	// PhaseDialing means the first leaseholder is mid-dial; later acquires
	// for the key wait on the entry's dial mutex.
	PhaseDialing
	// PhaseReady means the connection is established and serving leases.
	PhaseReady
	// PhaseBroken means the dial failed or a keepalive died.
	PhaseBroken
	// PhaseClosed means the reaper or Close shut the connection down.
	PhaseClosed
)

func (ph Phase) String() string {
	switch ph {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseReady:
		return "ready"
	case PhaseBroken:
		return "broken"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrPoolClosed is returned by Get once the pool has been closed.
var ErrPoolClosed = errors.New("sshpool: pool closed")

// Options configures a Pool.
type Options struct {
	MaxPerKey    int           // max concurrent leases per key; 0 means 4
	IdleTimeout  time.Duration // how long an unleased connection may sit before reaping; 0 means 5m
	KeepAlive    time.Duration // interval between keepalive probes; 0 means 30s
	ReapInterval time.Duration // how often the janitor scans for idle connections; 0 means 1m
}

func (o Options) withDefaults() Options {
	if o.MaxPerKey <= 0 {
		o.MaxPerKey = 4
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	return o
}

// Pool manages pooled *ssh.Client connections.
type Pool struct {
	opts Options

	mu    sync.Mutex
	conns map[string]*entry

	closeOnce sync.Once
	closed    chan struct{}
}

type entry struct {
	key     string
	client  *ssh.Client
	sem     chan struct{} // FIFO-ish bounded lease semaphore; buffered to MaxPerKey
	dialMu  sync.Mutex    // serializes the first dial among waiters that raced past sem
	phase   Phase         // guarded by Pool.mu
	leased  int
	lastRel time.Time
}

// New creates a Pool and starts its idle-connection janitor. Call Close to
// stop the janitor and close every pooled connection.
func New(opts Options) *Pool {
	p := &Pool{
		opts:   opts.withDefaults(),
		conns:  make(map[string]*entry),
		closed: make(chan struct{}),
	}
	go p.reap()
	return p
}

// Lease is a borrowed connection; call Release when done with it.
type Lease struct {
	pool   *Pool
	entry  *entry
	Client *ssh.Client
}

// Release returns the leased connection to the pool for reuse.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	l.entry.leased--
	l.entry.lastRel = time.Now()
	l.pool.mu.Unlock()
	<-l.entry.sem
}

// Get returns a pooled connection for opts, dialing a new one if none exists
// yet for this key or the existing one has died.
func (p *Pool) Get(ctx context.Context, opts adapter.SSHOptions) (*Lease, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	key := keyFor(opts)

	p.mu.Lock()
	e, ok := p.conns[key]
	if !ok {
		e = &entry{key: key, sem: make(chan struct{}, p.opts.MaxPerKey)}
		p.conns[key] = e
	}
	p.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.dialMu.Lock()
	p.mu.Lock()
	needsDial := e.client == nil
	if needsDial {
		e.phase = PhaseDialing
	}
	p.mu.Unlock()

	if needsDial {
		client, err := dial(ctx, opts)
		if err != nil {
			// Drop the poisoned entry so the next Get for this key starts fresh.
			p.mu.Lock()
			e.phase = PhaseBroken
			delete(p.conns, key)
			p.mu.Unlock()
			e.dialMu.Unlock()
			<-e.sem
			return nil, err
		}
		p.mu.Lock()
		e.client = client
		e.phase = PhaseReady
		p.mu.Unlock()
		go p.keepalive(e)
	}
	e.dialMu.Unlock()

	p.mu.Lock()
	e.leased++
	client := e.client
	p.mu.Unlock()

	return &Lease{pool: p, entry: e, Client: client}, nil
}

func (p *Pool) keepalive(e *entry) {
	ticker := time.NewTicker(p.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.mu.Lock()
			client := e.client
			p.mu.Unlock()
			if client == nil {
				return
			}
			if _, _, err := client.SendRequest("keepalive@xec", true, nil); err != nil {
				p.evict(e.key)
				return
			}
		}
	}
}

// reap periodically closes connections that have been idle (unleased) past
// IdleTimeout.
func (p *Pool) reap() {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for key, e := range p.conns {
				if e.leased == 0 && e.client != nil && now.Sub(e.lastRel) > p.opts.IdleTimeout {
					_ = e.client.Close()
					e.phase = PhaseClosed
					delete(p.conns, key)
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) evict(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.conns[key]; ok {
		if e.client != nil {
			_ = e.client.Close()
		}
		e.phase = PhaseBroken
		delete(p.conns, key)
	}
}

// Close shuts down the janitor and every pooled connection.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, e := range p.conns {
		if e.client != nil {
			if err := e.client.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		e.phase = PhaseClosed
		delete(p.conns, key)
	}
	return firstErr
}

// State reports a pooled connection's phase, for diagnostics and tests.
// Returns PhaseIdle when no entry exists for opts, including after a broken
// or closed connection has been removed.
func (p *Pool) State(opts adapter.SSHOptions) Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.conns[keyFor(opts)]
	if !ok {
		return PhaseIdle
	}
	return e.phase
}

func keyFor(o adapter.SSHOptions) string {
	return fmt.Sprintf("%s:%d:%s:%d:%s", o.Host, o.Port, o.User, o.Auth, o.PrivateKeyPath)
}

// dial builds an *ssh.ClientConfig from opts and connects.
func dial(ctx context.Context, opts adapter.SSHOptions) (*ssh.Client, error) {
	auths, err := authMethods(opts)
	if err != nil {
		return nil, fmt.Errorf("sshpool: auth: %w: %w", adapter.ErrAuth, err)
	}

	hostKeyCallback, err := hostKeyCallback(opts)
	if err != nil {
		return nil, fmt.Errorf("sshpool: host key policy: %w", err)
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(opts.Host, portOrDefault(opts.Port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sshpool: dial %s: %w: %w", addr, adapter.ErrUnreachable, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		kind := adapter.ErrHandshake
		if strings.Contains(err.Error(), "unable to authenticate") {
			kind = adapter.ErrAuth
		}
		return nil, fmt.Errorf("sshpool: handshake %s: %w: %w", addr, kind, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func portOrDefault(p int) string {
	if p <= 0 {
		p = 22
	}
	return fmt.Sprintf("%d", p)
}

// authMethods assembles the ordered authentication chain: ssh-agent first
// (when SSH_AUTH_SOCK points at a reachable agent), then a provided private
// key, then a password. The transport tries each in turn until one succeeds.
func authMethods(o adapter.SSHOptions) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	if len(o.PrivateKey) > 0 || o.PrivateKeyPath != "" {
		keyData := o.PrivateKey
		if len(keyData) == 0 {
			var err error
			keyData, err = os.ReadFile(o.PrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("reading private key: %w", err)
			}
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if o.Password != "" {
		methods = append(methods, ssh.Password(o.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no authentication method available: no ssh-agent reachable, no private key, no password")
	}
	return methods, nil
}

// sshAgentAuth connects to the ambient ssh-agent, or returns nil when
// SSH_AUTH_SOCK is unset or the socket is not reachable.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

// hostKeyCallback mirrors xec.HostKeyPolicy: 0=strict (known_hosts) 1=insecure-ignore.
func hostKeyCallback(o adapter.SSHOptions) (ssh.HostKeyCallback, error) {
	if o.HostKeyPolicy == 1 {
		slog.Warn("ssh host key verification disabled", "host", o.Host, "port", o.Port)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := o.KnownHostsPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home + "/.ssh/known_hosts"
		}
	}
	if path == "" {
		return nil, errors.New("strict host key policy requires a known_hosts path")
	}
	return knownhosts.New(path)
}

