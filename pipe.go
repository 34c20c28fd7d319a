// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"context"
	"io"
)

// Pipe connects h's stdout to next's stdin. Both handles stay unlaunched
// until the returned handle is itself awaited (or Run): launching the
// composite launches the whole chain, and awaiting it yields next's result
// with PipedFrom metadata. If h fails, next is cancelled before any of its
// bytes are written and the returned error is h's.
//
// Backpressure is preserved by io.Pipe: h's producer blocks writing to pw
// until next's consumer (the adapter's Stdin reader) reads from pr, so bytes
// are never buffered unbounded between stages.
func (h *ProcessHandle) Pipe(next *ProcessHandle) *ProcessHandle {
	pr, pw := io.Pipe()

	upstream, ok := h.derive()
	if !ok {
		_ = pw.Close()
		return upstream
	}
	upstream.cmd.StdoutMode = OutputStream
	upstream.cmd.StdoutSink = pw
	upstream.cmd.CacheEnabled = false

	downstream, ok := next.derive()
	if !ok {
		_ = pw.Close()
		return downstream
	}

	// Feed the head of next's existing chain, so a.Pipe(b.Pipe(c)) wires a
	// into b rather than into c.
	head := downstream
	for head.pipedFrom != nil {
		head = head.pipedFrom
	}
	head.cmd.StdinMode = StdinStream
	head.cmd.StdinRdr = pr
	head.pipedFrom = upstream

	// The coordinator starts only when the composite launches: it launches
	// the upstream by awaiting it, then closes (or error-closes) the pipe.
	prev := downstream.preLaunch
	downstream.preLaunch = func(tail *ProcessHandle) {
		if prev != nil {
			prev(tail)
		}
		go func() {
			_, err := upstream.Wait(context.Background())
			if err != nil {
				// Cancel before unblocking the downstream's stdin: otherwise
				// the downstream could observe EOF and exit cleanly in the
				// window between the pipe closing and the cancel landing.
				tail.mu.Lock()
				tail.upstreamErr = err
				tail.mu.Unlock()
				_ = tail.Cancel()
				_ = pw.CloseWithError(err)
				return
			}
			_ = pw.Close()
		}()
	}

	return downstream
}
