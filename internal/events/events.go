// SPDX-License-Identifier: MPL-2.0

// Package events provides a typed event bus: a synchronous, best-effort
// emitter for command lifecycle events. Subscriber panics and errors are
// caught and logged, never propagated into the command path.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindStart    Kind = "command:start"
	KindStdout   Kind = "command:stdout"
	KindStderr   Kind = "command:stderr"
	KindComplete Kind = "command:complete"
	KindError    Kind = "command:error"
	KindRetry    Kind = "command:retry"
	KindCancel   Kind = "command:cancel"

	KindAdapterPool      Kind = "adapter:pool"
	KindAdapterContainer Kind = "adapter:container"
)

// Event is delivered synchronously to every subscriber.
type Event struct {
	Kind        Kind
	Timestamp   time.Time
	CommandID   string
	AdapterKind string
	Payload     map[string]any
}

// Handler receives events. It must not block process I/O; the Bus invokes
// handlers synchronously but isolates them from the command path with a
// recover.
type Handler func(Event)

// Bus is a typed emitter shared process-wide per engine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
	logger   *slog.Logger
	enabled  bool
}

// New creates a Bus. When enabled is false, Emit/On are no-ops.
func New(logger *slog.Logger, enabled bool) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[Kind][]Handler), logger: logger, enabled: enabled}
}

// On subscribes handler to a specific event kind.
func (b *Bus) On(kind Kind, handler Handler) {
	if b == nil || !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], handler)
}

// OnAll subscribes handler to every event kind.
func (b *Bus) OnAll(handler Handler) {
	if b == nil || !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Emit delivers ev synchronously to every matching subscriber. A subscriber's
// panic or the fact that it was invoked at all never affects the caller: this
// is called on the hot command path and must be safe to call unconditionally.
func (b *Bus) Emit(ev Event) {
	if b == nil || !b.enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := append(append([]Handler(nil), b.handlers[ev.Kind]...), b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event subscriber panicked", "kind", ev.Kind, "recover", r)
		}
	}()
	h(ev)
}

// Drain removes all subscribers, used by Engine.Dispose.
func (b *Bus) Drain() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Kind][]Handler)
	b.all = nil
}
