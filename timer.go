package threadpool

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// timerEntry is one Timer Info: firing time, period (0 for a one-shot),
// callback, context, refcount, and an optional completion event for a
// blocking delete. Owned exclusively by the single Timer Thread; all
// mutation happens on that goroutine via the apc mailbox.
type timerEntry struct {
	id       uint64
	firingAt time.Time
	period   time.Duration
	callback func(ctx any)
	context  any

	cancelled bool
	refcount  atomic.Int32

	completionEvent chan struct{}
	index           int // heap index, maintained by container/heap
}

// timerHeap is a min-heap of *timerEntry ordered by firingAt, a standard
// container/heap.Interface implementation adapted to hold entries that
// can be re-armed in place (periodic timers) rather than
// popped-and-discarded.
type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].firingAt.Before(h[j].firingAt) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerQueue is the single global Timer Thread: a container/heap
// min-heap (see timerHeap) plus an APC mailbox — the Go stand-in for
// "send a message to thread T, processed at its next alertable point".
// create/change/delete are all implemented as APCs to this one
// goroutine, so the heap itself needs no additional lock.
type timerQueue struct {
	pool *Pool

	apc  chan func()
	done chan struct{}

	heap timerHeap
	byID map[uint64]*timerEntry

	nextID atomic.Uint64

	startOnce sync.Once
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		apc:  make(chan func(), 64),
		done: make(chan struct{}),
		byID: make(map[uint64]*timerEntry),
	}
}

// ensureStarted lazily spawns the Timer Thread's goroutine on first use,
// mirroring the gate/wait-thread "created on demand" convention elsewhere
// in the package. p is recorded so the queue can observe pool shutdown.
func (q *timerQueue) ensureStarted(p *Pool) {
	q.startOnce.Do(func() {
		q.pool = p
		go q.run()
	})
}

// run is the Timer Thread's main loop: sweep the list, fire and re-arm
// periodic timers, compute the smallest next-firing interval, sleep
// alertably for it. The Timer Thread never performs
// work that can block: firing a timer means handing its callback to a
// worker via Pool.Submit (or, absent a *FuncQueue-backed pool, a detached
// goroutine), never running it inline.
func (q *timerQueue) run() {
	for {
		var wait time.Duration
		if q.heap.Len() == 0 {
			wait = 24 * time.Hour // "sleep alertably forever"
		} else {
			wait = time.Until(q.heap[0].firingAt)
			if wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case fn := <-q.apc:
			timer.Stop()
			fn()
		case <-timer.C:
			q.fireDue()
		case <-q.done:
			timer.Stop()
			return
		}
	}
}

func (q *timerQueue) shutdown() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

// fireDue pops and fires every entry whose firingAt has passed, re-arming
// periodic ones by advancing firing_time += period and pushing them back
// onto the heap. Each fired entry's refcount is bumped for the duration
// of its in-flight callback (see dispatch), so a blocking Delete racing a
// firing waits for that callback rather than returning early.
func (q *timerQueue) fireDue() {
	now := time.Now()
	for q.heap.Len() > 0 && !q.heap[0].firingAt.After(now) {
		e := heap.Pop(&q.heap).(*timerEntry)
		if e.cancelled {
			q.release(e)
			continue
		}
		e.refcount.Add(1) // held by the in-flight callback until it returns
		q.dispatch(e)
		if e.period > 0 {
			e.firingAt = e.firingAt.Add(e.period)
			if e.firingAt.Before(now) {
				e.firingAt = now.Add(e.period)
			}
			heap.Push(&q.heap, e)
		} else {
			delete(q.byID, e.id)
			q.release(e) // drop the heap's original hold; in-flight hold remains
		}
	}
}

// dispatch hands e's callback to a worker. The Timer Thread itself must
// never block running user code; queuing to the pool (or, if the pool
// has no FuncQueue bound, a detached goroutine) offloads that.
// The in-flight refcount bumped by fireDue is dropped
// once the callback returns, which is what lets a blocking Delete observe
// "last in-flight callback finished".
func (q *timerQueue) dispatch(e *timerEntry) {
	cb, ctx := e.callback, e.context
	run := func() {
		safeInvokeCtx(cb, ctx)
		q.release(e)
	}
	if q.pool != nil && q.pool.queue != nil {
		if err := q.pool.Submit(run); err == nil {
			return
		}
	}
	go run()
}

// release drops a retained reference to e, closing its completion event
// (if any blocking Delete is waiting on it) once the refcount reaches zero.
func (q *timerQueue) release(e *timerEntry) {
	if e.refcount.Add(-1) > 0 {
		return
	}
	if e.completionEvent != nil {
		close(e.completionEvent)
	}
}

// sendAPC enqueues fn onto the Timer Thread's mailbox and blocks until it
// has run, giving callers a synchronous create/change/delete API over the
// APC-mutation channel. Reports false if the Timer Thread shut down
// before fn could run.
func (q *timerQueue) sendAPC(fn func()) bool {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case q.apc <- wrapped:
	case <-q.done:
		return false
	}
	select {
	case <-done:
		return true
	case <-q.done:
		// The thread may have executed wrapped just before exiting.
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// CreateTimer is an APC to the Timer Thread that inserts a new entry
// firing at due (relative to now) and, if period > 0, re-arming every
// period thereafter.
func (p *Pool) CreateTimer(cb func(ctx any), ctx any, due, period time.Duration) (uint64, error) {
	if p.isShutdown() {
		return 0, ErrShutdown
	}
	if cb == nil {
		return 0, newInvalidArgumentError("create_timer: callback must not be nil")
	}
	if due < 0 || period < 0 {
		return 0, newInvalidArgumentError("create_timer: due and period must be >= 0")
	}
	p.timers.ensureStarted(p)

	id := p.timers.nextID.Add(1)
	e := &timerEntry{
		id:       id,
		firingAt: time.Now().Add(due),
		period:   period,
		callback: cb,
		context:  ctx,
	}
	e.refcount.Store(1)

	if !p.timers.sendAPC(func() {
		p.timers.byID[id] = e
		heap.Push(&p.timers.heap, e)
	}) {
		return 0, ErrShutdown
	}
	return id, nil
}

// ChangeTimer is an APC reassigning an existing entry's due time and
// period. InvalidArgument if id is unknown.
func (p *Pool) ChangeTimer(id uint64, due, period time.Duration) error {
	if p.isShutdown() {
		return ErrShutdown
	}
	if due < 0 || period < 0 {
		return newInvalidArgumentError("change_timer: due and period must be >= 0")
	}
	p.timers.ensureStarted(p)
	var errOut error
	if !p.timers.sendAPC(func() {
		e, ok := p.timers.byID[id]
		if !ok || e.cancelled {
			errOut = newInvalidArgumentError("change_timer: unknown timer id %d", id)
			return
		}
		heap.Remove(&p.timers.heap, e.index)
		e.firingAt = time.Now().Add(due)
		e.period = period
		heap.Push(&p.timers.heap, e)
	}) {
		return ErrShutdown
	}
	return errOut
}

// DeleteTimer's non-blocking form (blocking == false) marks the entry
// cancelled and returns once that is visible; the blocking form
// additionally waits for the last in-flight callback invocation to
// finish before returning, identical in shape to the wait subsystem's
// blocking Deregister.
func (p *Pool) DeleteTimer(id uint64, blocking bool) error {
	if p.isShutdown() {
		return ErrShutdown
	}
	p.timers.ensureStarted(p)
	var errOut error
	var e *timerEntry
	if !p.timers.sendAPC(func() {
		found, ok := p.timers.byID[id]
		if !ok {
			errOut = newInvalidArgumentError("delete_timer: unknown timer id %d", id)
			return
		}
		e = found
		if e.cancelled {
			return
		}
		e.cancelled = true
		delete(p.timers.byID, id)
		if e.index >= 0 && e.index < p.timers.heap.Len() && p.timers.heap[e.index] == e {
			heap.Remove(&p.timers.heap, e.index)
		}
		if blocking && e.completionEvent == nil {
			e.completionEvent = make(chan struct{})
		}
		p.timers.release(e)
	}) {
		return ErrShutdown
	}
	if errOut != nil {
		return errOut
	}
	if blocking && e != nil && e.completionEvent != nil {
		select {
		case <-e.completionEvent:
		case <-p.timers.done:
			// Teardown: the in-flight callback's release may never run if
			// the pool's workers are already gone; leak rather than block.
		}
	}
	return nil
}
