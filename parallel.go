// SPDX-License-Identifier: MPL-2.0

package xec

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Outcome is one handle's terminal result or error, used by the coordinators
// that must report every handle's fate rather than short-circuit on the first
// failure.
type Outcome struct {
	Result *ExecutionResult
	Err    error
}

type handleOutcome struct {
	idx    int
	result *ExecutionResult
	err    error
}

func waitAsync(ctx context.Context, idx int, h *ProcessHandle, ch chan<- handleOutcome) {
	go func() {
		r, err := h.Wait(ctx)
		ch <- handleOutcome{idx: idx, result: r, err: err}
	}()
}

func cancelAll(handles []*ProcessHandle) {
	for _, h := range handles {
		_ = h.Cancel()
	}
}

func drain(ch <-chan handleOutcome, n int) {
	for i := 0; i < n; i++ {
		<-ch
	}
}

// All launches every handle, resolving when all succeed. On the first
// failure it cancels the rest and returns that failure immediately;
// stragglers are drained in the background so their goroutines never leak.
// Returned results preserve input order regardless of completion order.
func All(ctx context.Context, handles ...*ProcessHandle) ([]*ExecutionResult, error) {
	ch := make(chan handleOutcome, len(handles))
	for i, h := range handles {
		waitAsync(ctx, i, h, ch)
	}

	results := make([]*ExecutionResult, len(handles))
	for received := 0; received < len(handles); received++ {
		out := <-ch
		if out.err != nil {
			cancelAll(handles)
			go drain(ch, len(handles)-received-1)
			return nil, out.err
		}
		results[out.idx] = out.result
	}
	return results, nil
}

// Settled runs every handle to completion regardless of failure and returns
// each outcome in input order.
func Settled(ctx context.Context, handles ...*ProcessHandle) []Outcome {
	ch := make(chan handleOutcome, len(handles))
	for i, h := range handles {
		waitAsync(ctx, i, h, ch)
	}
	outcomes := make([]Outcome, len(handles))
	for range handles {
		out := <-ch
		outcomes[out.idx] = Outcome{Result: out.result, Err: out.err}
	}
	return outcomes
}

// Race resolves with the first terminal outcome (success or failure); every
// other handle is cancelled.
func Race(ctx context.Context, handles ...*ProcessHandle) (*ExecutionResult, error) {
	if len(handles) == 0 {
		return nil, &ValidationError{Field: "handles", Reason: "race requires at least one handle"}
	}
	ch := make(chan handleOutcome, len(handles))
	for i, h := range handles {
		waitAsync(ctx, i, h, ch)
	}
	first := <-ch
	cancelAll(handles)
	go drain(ch, len(handles)-1)
	return first.result, first.err
}

// Map runs fn(item) for every item, launching the produced handles and
// behaving like All over them.
func Map[T any](ctx context.Context, items []T, fn func(T) *ProcessHandle) ([]*ExecutionResult, error) {
	handles := make([]*ProcessHandle, len(items))
	for i, it := range items {
		handles[i] = fn(it)
	}
	return All(ctx, handles...)
}

// Filter keeps items whose produced handle succeeds, preserving input order.
func Filter[T any](ctx context.Context, items []T, fn func(T) *ProcessHandle) []T {
	handles := make([]*ProcessHandle, len(items))
	for i, it := range items {
		handles[i] = fn(it)
	}
	outcomes := Settled(ctx, handles...)
	out := make([]T, 0, len(items))
	for i, oc := range outcomes {
		if oc.Err == nil && oc.Result != nil && oc.Result.Ok() {
			out = append(out, items[i])
		}
	}
	return out
}

// Some reports whether at least one item's produced handle succeeds.
func Some[T any](ctx context.Context, items []T, fn func(T) *ProcessHandle) bool {
	handles := make([]*ProcessHandle, len(items))
	for i, it := range items {
		handles[i] = fn(it)
	}
	for _, oc := range Settled(ctx, handles...) {
		if oc.Err == nil && oc.Result != nil && oc.Result.Ok() {
			return true
		}
	}
	return false
}

// Every reports whether every item's produced handle succeeds.
func Every[T any](ctx context.Context, items []T, fn func(T) *ProcessHandle) bool {
	handles := make([]*ProcessHandle, len(items))
	for i, it := range items {
		handles[i] = fn(it)
	}
	for _, oc := range Settled(ctx, handles...) {
		if oc.Err != nil || oc.Result == nil || !oc.Result.Ok() {
			return false
		}
	}
	return true
}

// ProgressFunc reports batch progress: done/total items processed so far,
// and how many of those succeeded/failed.
type ProgressFunc func(done, total, ok, fail int)

// BatchOptions configures Batch.
type BatchOptions struct {
	// Concurrency bounds how many handles run at once. Default 5.
	Concurrency int
	// OnProgress is called after each item completes.
	OnProgress ProgressFunc
	// FailFast stops scheduling new items once one fails, instead of
	// collecting every outcome.
	FailFast bool
}

// Batch runs fn(item) for every item under a concurrency cap, reporting
// progress as items complete. A golang.org/x/time/rate limiter paces
// launches at `concurrency` per second after an initial burst of
// `concurrency`; the semaphore channel is what actually bounds
// concurrent in-flight handles. Returned outcomes preserve input order.
func Batch[T any](ctx context.Context, items []T, fn func(T) *ProcessHandle, opts BatchOptions) ([]Outcome, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	limiter := rate.NewLimiter(rate.Limit(concurrency), concurrency)
	sem := make(chan struct{}, concurrency)

	outcomes := make([]Outcome, len(items))
	var mu sync.Mutex
	var doneCount, okCount, failCount int
	var firstErr atomic.Value // error
	var stop atomic.Bool
	var wg sync.WaitGroup

	for i, it := range items {
		if opts.FailFast && stop.Load() {
			break
		}
		sem <- struct{}{}
		if opts.FailFast && stop.Load() {
			<-sem
			break
		}

		wg.Add(1)
		go func(i int, it T) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := limiter.Wait(ctx); err != nil {
				recordOutcome(&mu, outcomes, i, Outcome{Err: err}, &doneCount, &okCount, &failCount, len(items), opts.OnProgress)
				if opts.FailFast {
					firstErr.Store(err)
					stop.Store(true)
				}
				return
			}

			h := fn(it)
			r, err := h.Wait(ctx)
			recordOutcome(&mu, outcomes, i, Outcome{Result: r, Err: err}, &doneCount, &okCount, &failCount, len(items), opts.OnProgress)
			if err != nil && opts.FailFast {
				firstErr.Store(err)
				stop.Store(true)
			}
		}(i, it)
	}

	wg.Wait()

	if opts.FailFast {
		if err, ok := firstErr.Load().(error); ok {
			return outcomes, err
		}
	}
	return outcomes, nil
}

func recordOutcome(mu *sync.Mutex, outcomes []Outcome, idx int, oc Outcome, done, ok, fail *int, total int, progress ProgressFunc) {
	mu.Lock()
	outcomes[idx] = oc
	*done++
	if oc.Err == nil && oc.Result != nil && oc.Result.Ok() {
		*ok++
	} else {
		*fail++
	}
	d, o, f := *done, *ok, *fail
	mu.Unlock()
	if progress != nil {
		progress(d, total, o, f)
	}
}
