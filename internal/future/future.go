// Package future provides single-assignment promise/future pairs and the
// wait-all/wait-any combinators the prediction cache uses to fan a
// coalesced fetch out to every waiter.
//
// A raw atomic counter shared across closures risks a dangling
// reference in a language without a garbage collector. Here that
// hazard doesn't exist: a *Counter captured by a goroutine closure
// keeps the counter reachable for as long as the goroutine runs. Counter
// is still its own type, not a bare int64, so the shared-ownership
// contract stays explicit at every call site rather than being an
// accident of the runtime.
package future

import (
	"context"
	"sync"
	"sync/atomic"
)

// Result wraps a future's value together with an error, so that the
// cancellation or failure of an input future can propagate through a
// wrapper without losing the distinction between "completed with a
// value" and "completed with a failure".
type Result[T any] struct {
	Value T
	Err   error
}

// Promise is a single-assignment handle to a value that will be produced
// later. Completion is broadcast by closing a channel rather than
// sending on it, so every Future obtained from it (and every call
// to Wait on each of them) observes the same result, however many
// waiters there are. That multicast is what lets the prediction cache
// coalesce any number of concurrent fetches for the same pending key
// onto the one Put that completes it (a single-item buffered channel
// would let exactly one receiver ever see the value). The zero value is
// not usable; construct with NewPromise.
type Promise[T any] struct {
	once   sync.Once
	done   chan struct{}
	result Result[T]
}

// NewPromise creates an unfulfilled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Fulfill completes the promise with a value. Only the first call (of
// either Fulfill or Fail) has any effect; subsequent calls are silently
// ignored (first-writer-wins), matching the cache's completion
// semantics.
func (p *Promise[T]) Fulfill(v T) {
	p.once.Do(func() {
		p.result = Result[T]{Value: v}
		close(p.done)
	})
}

// Fail completes the promise with a failure. Only the first call (of
// either Fulfill or Fail) has any effect.
func (p *Promise[T]) Fail(err error) {
	p.once.Do(func() {
		p.result = Result[T]{Err: err}
		close(p.done)
	})
}

// Future returns the read side of this promise. It may be called
// multiple times; every caller observes the same completion.
func (p *Promise[T]) Future() *Future[T] {
	return &Future[T]{done: p.done, result: &p.result}
}

// Future is a single-assignment handle to a not-yet-produced value and
// its completion signal. Wait may be called any number of times, on any
// number of Futures sharing the same Promise: completion is a broadcast,
// not a single delivery.
type Future[T any] struct {
	done   <-chan struct{}
	result *Result[T]
}

// Ready returns a future that is already fulfilled with v.
func Ready[T any](v T) *Future[T] {
	done := make(chan struct{})
	close(done)
	return &Future[T]{done: done, result: &Result[T]{Value: v}}
}

// Failed returns a future that is already fulfilled with an error.
func Failed[T any](err error) *Future[T] {
	done := make(chan struct{})
	close(done)
	return &Future[T]{done: done, result: &Result[T]{Err: err}}
}

// Completed reports whether the future has already completed. A false
// answer is immediately stale: another goroutine may complete the
// promise right after the check.
func (f *Future[T]) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.result.Value, f.result.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Counter is shared, atomically-updated completion-tracking state handed
// to every wrapper produced by WaitAll/WaitAny. Its storage is a plain Go
// value kept alive by the closures that reference it for as long as any
// of them are still running.
type Counter struct {
	n int64
}

// Add atomically adds delta and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.n, delta)
}

// Value returns the current count.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.n)
}

// WaitAll wraps each input future so that its individual completion
// atomically increments counter; the wrapper that observes the counter
// reach N fulfills the returned done future. Every wrapped future
// preserves the value (or error) and completion point of its
// corresponding input. An empty input slice returns an already-fulfilled
// done future and no wrapped futures.
//
// counter is shared ownership: every wrapper goroutine and the caller
// hold the same *Counter, and its storage stays reachable until the
// last of them is gone. A nil counter allocates a private one.
func WaitAll[T any](futures []*Future[T], counter *Counter) (done *Future[struct{}], wrapped []*Future[T]) {
	if counter == nil {
		counter = &Counter{}
	}
	n := int64(len(futures))
	if n == 0 {
		return Ready(struct{}{}), nil
	}

	donePromise := NewPromise[struct{}]()
	wrapped = make([]*Future[T], len(futures))

	for i, f := range futures {
		wp := NewPromise[T]()
		wrapped[i] = wp.Future()
		go func(f *Future[T], wp *Promise[T]) {
			v, err := f.Wait(context.Background())
			if err != nil {
				wp.Fail(err)
			} else {
				wp.Fulfill(v)
			}
			if counter.Add(1) == n {
				donePromise.Fulfill(struct{}{})
			}
		}(f, wp)
	}

	return donePromise.Future(), wrapped
}

// WaitAny wraps each input future so that the first completion (observed
// by an atomic post-increment returning 0) fulfills the returned done
// future exactly once; every completion, first or not, still flows
// through its own wrapper. An empty input slice returns an
// already-fulfilled done future and no wrapped futures. counter has the
// same shared-ownership contract as WaitAll's.
func WaitAny[T any](futures []*Future[T], counter *Counter) (done *Future[struct{}], wrapped []*Future[T]) {
	if counter == nil {
		counter = &Counter{}
	}
	if len(futures) == 0 {
		return Ready(struct{}{}), nil
	}

	donePromise := NewPromise[struct{}]()
	wrapped = make([]*Future[T], len(futures))

	for i, f := range futures {
		wp := NewPromise[T]()
		wrapped[i] = wp.Future()
		go func(f *Future[T], wp *Promise[T]) {
			v, err := f.Wait(context.Background())
			if err != nil {
				wp.Fail(err)
			} else {
				wp.Fulfill(v)
			}
			if prev := counter.Add(1) - 1; prev == 0 {
				donePromise.Fulfill(struct{}{})
			}
		}(f, wp)
	}

	return donePromise.Future(), wrapped
}
