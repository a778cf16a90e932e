package threadpool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// DispatchResult is the outcome of a single DispatchQueue.DispatchOne call.
type DispatchResult int

const (
	// Worked means one unit of work was run to completion.
	Worked DispatchResult = iota
	// NoWork means the queue was empty; the caller should proceed to
	// shrink logic.
	NoWork
	// Recalled means the worker must relinquish immediately without
	// this counting as "found work" (e.g. tenant shutdown).
	Recalled
)

// DispatchQueue is the external collaborator boundary: the scheduler
// consumes RequestsPending/DispatchOne, while NotifyWorkAvailable is the
// producer-side signal, implemented by Pool rather than by the queue.
//
// Implementations MUST make RequestsPending cheap; false negatives are
// tolerated only momentarily, provided callers transitioning empty→non-empty
// subsequently call Pool.NotifyWorkAvailable.
type DispatchQueue interface {
	// RequestsPending reports whether at least one unit of work is
	// currently queued.
	RequestsPending() bool
	// DispatchOne runs at most one unit of work on the calling
	// goroutine, returning the outcome.
	DispatchOne() DispatchResult
}

// FuncQueue is the package's reference DispatchQueue implementation: a
// plain FIFO of func() callbacks guarded by a mutex. A slice-backed queue
// suffices since FuncQueue has no single-goroutine-owner constraint to
// exploit the way a microtask ring buffer would.
type FuncQueue struct {
	mu     sync.Mutex
	items  []func()
	closed bool
	onPush func()
}

// NewFuncQueue creates an empty FuncQueue.
func NewFuncQueue() *FuncQueue {
	return &FuncQueue{}
}

// Push enqueues fn. It is safe to call concurrently with DispatchOne and
// RequestsPending.
func (q *FuncQueue) Push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, fn)
	cb := q.onPush
	q.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Close marks the queue as recalled: subsequent DispatchOne calls return
// Recalled instead of running queued work, matching a "tenant shutdown"
// style recall.
func (q *FuncQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// RequestsPending implements DispatchQueue.
func (q *FuncQueue) RequestsPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && len(q.items) > 0
}

// DispatchOne implements DispatchQueue.
func (q *FuncQueue) DispatchOne() DispatchResult {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Recalled
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return NoWork
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.mu.Unlock()

	safeInvoke(fn)
	return Worked
}

// onPushHook lets Pool observe enqueues without the caller having to
// separately call NotifyWorkAvailable; wired by New.
func (q *FuncQueue) onPushHook(fn func()) {
	q.mu.Lock()
	q.onPush = fn
	q.mu.Unlock()
}

// notifyRateWindow is the dispatch-queue starvation detector's short-window
// view of NotifyWorkAvailable arrivals: a second, independent starvation
// signal alongside "now - lastDequeue" that gateWorkerStarvationStep
// consults via Throttled.
//
// Built on a sliding-window rate limiter: a burst of notifications that
// all fail Allow within the configured window indicates producers are
// arriving faster than the pool can keep up, independent of queue depth.
type notifyRateWindow struct {
	limiter   *catrate.Limiter
	throttled atomic.Bool
}

// newNotifyRateWindow builds a notifyRateWindow permitting at most burst
// notifications per window before Allow starts reporting throttling.
func newNotifyRateWindow(window time.Duration, burst int) *notifyRateWindow {
	if window <= 0 || burst <= 0 {
		return &notifyRateWindow{}
	}
	return &notifyRateWindow{
		limiter: catrate.NewLimiter(map[time.Duration]int{window: burst}),
	}
}

// Mark records one NotifyWorkAvailable arrival, returning true if arrivals
// are currently outpacing the configured burst budget. The result is also
// latched for Throttled, so the gate thread can observe it independent of
// NotifyWorkAvailable's own call site.
func (w *notifyRateWindow) Mark() (throttled bool) {
	if w == nil || w.limiter == nil {
		return false
	}
	_, ok := w.limiter.Allow("notify")
	throttled = !ok
	w.throttled.Store(throttled)
	return throttled
}

// Throttled reports whether the most recent Mark observed arrivals
// outpacing the configured burst budget.
func (w *notifyRateWindow) Throttled() bool {
	if w == nil {
		return false
	}
	return w.throttled.Load()
}
