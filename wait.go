package threadpool

import (
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// maxWaitHandles bounds the number of distinct OS wait handles a single
// wait thread multiplexes, matching the typical Win32
// MAXIMUM_WAIT_OBJECTS-minus-one headroom for the thread's own wakeup
// channel.
const maxWaitHandles = 63

// WaitHandle is the Go stand-in for an OS wait handle: anything whose
// Chan() becomes readable (or is closed) when the underlying condition
// is signalled. Callers adapt events, done channels, or closed-on-signal
// channels to this interface.
type WaitHandle interface {
	Chan() <-chan struct{}
}

// waitFlags is the Wait Registration bit-flag set: {REGISTERED, ACTIVE,
// SINGLE_EXECUTION, DELETE_PENDING, INTERNAL_COMPLETION}. There is no
// FREE_CONTEXT flag: a registration never takes ownership of its context
// value.
type waitFlags uint32

const (
	waitRegistered waitFlags = 1 << iota
	waitActive
	waitSingleExecution
	waitDeletePending
	waitInternalCompletion
)

// waitRegistration is a refcounted wait registration record. Linkage
// (next/prev) forms the per-slot circular list; mutation of a
// registration's own fields happens exclusively on its owning wait
// thread (via APC), so no per-registration lock is needed — only the
// thread's list spine is mutex-guarded (see waitThread.mu).
type waitRegistration struct {
	handle   WaitHandle
	callback func(timedOut bool)
	context  any
	timeout  time.Duration
	deadline time.Time

	flags    atomic.Uint32
	refcount atomic.Int32

	owner *waitThread
	slot  int

	next, prev *waitRegistration

	completionEvent chan struct{}
}

func (r *waitRegistration) hasFlag(f waitFlags) bool {
	return waitFlags(r.flags.Load())&f != 0
}

func (r *waitRegistration) setFlag(f waitFlags, on bool) {
	for {
		old := r.flags.Load()
		var next uint32
		if on {
			next = old | uint32(f)
		} else {
			next = old &^ uint32(f)
		}
		if r.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// waitThread is the Wait Thread Control Block: a bounded table of at most
// maxWaitHandles distinct handles, each the head of a circular list of
// registrations sharing that handle, an APC mailbox for off-thread
// mutation requests, and a done channel for shutdown.
//
// Built around a bounded-table-with-list-spine design, using a
// fixed-width per-slot circular list rather than a single map; the
// reflect.Select-based multi-object wait is the idiomatic Go translation
// of an alertable WaitForMultipleObjectsEx.
type waitThread struct {
	pool *Pool

	mu         sync.Mutex // guards the list spine (handles/slotHead/numActive/terminated) only
	handles    [maxWaitHandles]WaitHandle
	slotHead   [maxWaitHandles]*waitRegistration
	numActive  int
	terminated bool // set by tryTerminateIdle; no APC is accepted afterward

	apc  chan func()
	done chan struct{}
}

func newWaitThread(p *Pool) *waitThread {
	wt := &waitThread{
		pool: p,
		apc:  make(chan func(), 32),
		done: make(chan struct{}),
	}
	go wt.run()
	return wt
}

func (wt *waitThread) shutdown() {
	select {
	case <-wt.done:
	default:
		close(wt.done)
	}
}

// sendAPC enqueues fn for the owning thread's next alertable wake,
// reporting false if the thread has already self-terminated (or the pool
// shut down) and will never drain its mailbox again. tryTerminateIdle
// refuses to terminate while the mailbox is non-empty, so a true return
// means fn will run.
func (wt *waitThread) sendAPC(fn func()) bool {
	for {
		select {
		case <-wt.done:
			return false
		case <-wt.pool.closed:
			return false
		default:
		}
		wt.mu.Lock()
		if wt.terminated {
			wt.mu.Unlock()
			return false
		}
		select {
		case wt.apc <- fn:
			wt.mu.Unlock()
			return true
		default:
		}
		wt.mu.Unlock()
		runtime.Gosched()
	}
}

// run is the wait thread's main loop: sleep alertably forever, or
// compute min_remaining and wait; on completion or timeout, fire
// callbacks.
func (wt *waitThread) run() {
	idleTimer := time.NewTimer(wt.pool.opts.waitThreadIdleTimeout)
	defer idleTimer.Stop()

	for {
		slots := wt.activeSlots()

		if len(slots) == 0 {
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(wt.pool.opts.waitThreadIdleTimeout)
			select {
			case fn := <-wt.apc:
				fn()
			case <-wt.done:
				return
			case <-idleTimer.C:
				if wt.tryTerminateIdle() {
					return
				}
			case <-wt.pool.closed:
				return
			}
			continue
		}

		cases := make([]reflect.SelectCase, 0, len(slots)+3)
		cases = append(cases,
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(wt.apc)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(wt.done)},
			reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(wt.pool.closed)},
		)
		for _, slot := range slots {
			wt.mu.Lock()
			h := wt.handles[slot]
			wt.mu.Unlock()
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(h.Chan())})
		}
		minRemaining := wt.minRemainingFor(slots)
		timeoutIdx := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(time.After(minRemaining))})

		chosen, recv, _ := reflect.Select(cases)
		switch {
		case chosen == 0:
			if fn, ok := recv.Interface().(func()); ok {
				fn()
			}
		case chosen == 1, chosen == 2:
			return
		case chosen == timeoutIdx:
			wt.fireTimeouts(slots, minRemaining)
		default:
			slot := slots[chosen-3]
			wt.fireSlot(slot, false)
		}
	}
}

// activeSlots returns indices of occupied slots. Caller holds nothing;
// it takes wt.mu itself for its brief read.
func (wt *waitThread) activeSlots() []int {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	out := make([]int, 0, wt.numActive)
	for i := range wt.slotHead {
		if wt.slotHead[i] != nil {
			out = append(out, i)
		}
	}
	return out
}

// minRemainingFor computes the smallest remaining timeout across the
// given slots' registrations, floored at 1ms; takes wt.mu itself.
func (wt *waitThread) minRemainingFor(slots []int) time.Duration {
	wt.mu.Lock()
	defer wt.mu.Unlock()
	min := wt.pool.opts.waitThreadIdleTimeout
	now := time.Now()
	found := false
	for _, slot := range slots {
		for r := wt.slotHead[slot]; r != nil; r = r.next {
			if r.hasFlag(waitDeletePending) {
				continue
			}
			remaining := r.deadline.Sub(now)
			if !found || remaining < min {
				min, found = remaining, true
			}
			if r.next == wt.slotHead[slot] {
				break
			}
		}
	}
	if min < time.Millisecond {
		min = time.Millisecond
	}
	return min
}

// fireTimeouts runs after a wait of minRemaining and fires every
// registration whose deadline has now been reached, i.e. those whose
// remaining time was minRemaining (with 1ms of slop, since wall-clock
// comparisons are never exact). Later deadlines wait for their own turn.
func (wt *waitThread) fireTimeouts(slots []int, minRemaining time.Duration) {
	now := time.Now()
	wt.mu.Lock()
	var due []*waitRegistration
	for _, slot := range slots {
		head := wt.slotHead[slot]
		if head == nil {
			continue
		}
		for r := head; ; r = r.next {
			if !r.hasFlag(waitDeletePending) && r.deadline.Sub(now) <= time.Millisecond {
				due = append(due, r)
			}
			if r.next == head {
				break
			}
		}
	}
	wt.mu.Unlock()

	for _, r := range due {
		wt.completeRegistration(r, true)
	}
}

// fireSlot handles a signalled handle at slot: every registration on its
// circular list is marked inactive (if single-execution) or re-armed,
// then dispatched to the worker pool.
func (wt *waitThread) fireSlot(slot int, timedOut bool) {
	wt.mu.Lock()
	head := wt.slotHead[slot]
	var due []*waitRegistration
	if head != nil {
		for r := head; ; r = r.next {
			if !r.hasFlag(waitDeletePending) {
				due = append(due, r)
			}
			if r.next == head {
				break
			}
		}
	}
	wt.mu.Unlock()

	for _, r := range due {
		wt.completeRegistration(r, timedOut)
	}
}

func (wt *waitThread) completeRegistration(r *waitRegistration, timedOut bool) {
	if r.hasFlag(waitSingleExecution) {
		r.setFlag(waitActive, false)
		wt.removeRegistration(r)
	} else {
		r.deadline = time.Now().Add(r.timeout)
	}

	// Hold an extra reference for the duration of the callback so a
	// concurrent blocking Deregister (which drops the list's own
	// reference) cannot observe refcount==0, and therefore cannot signal
	// completion, until this invocation actually returns.
	cb := r.callback
	r.refcount.Add(1)
	run := func() {
		safeInvoke(func() { cb(timedOut) })
		wt.releaseRegistration(r)
	}
	if wt.pool.queue != nil {
		if err := wt.pool.Submit(run); err == nil {
			return
		}
	}
	go run()
}

// releaseRegistration drops one reference to r, closing its completion
// event (if a blocking Deregister is waiting on it) once the refcount
// reaches zero, and returning the now-dead record to the pool's per-CPU
// recycled-record freelist.
func (wt *waitThread) releaseRegistration(r *waitRegistration) {
	if r.refcount.Add(-1) > 0 {
		return
	}
	if r.completionEvent != nil {
		close(r.completionEvent)
	}
	wt.pool.waitFree.Put(r)
}

// RegisterWait registers handle with timeout and callback on a wait
// thread selected from the pool (reusing one with spare slot capacity,
// or creating a new one), returning the registration for later
// deregistration. A chosen thread that self-terminates before accepting
// the insertion APC is simply retried with another.
func (p *Pool) RegisterWait(handle WaitHandle, timeout time.Duration, singleExecution bool, cb func(timedOut bool), ctx any) (*waitRegistration, error) {
	for {
		if p.isShutdown() {
			return nil, ErrShutdown
		}
		wt := p.chooseWaitThread()

		result := make(chan *waitRegistration, 1)
		if !wt.sendAPC(func() {
			result <- wt.insert(handle, timeout, singleExecution, cb, ctx)
		}) {
			continue
		}
		select {
		case r := <-result:
			return r, nil
		case <-p.closed:
			return nil, ErrShutdown
		}
	}
}

func (p *Pool) chooseWaitThread() *waitThread {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	for _, wt := range p.waitThreads {
		wt.mu.Lock()
		ok := !wt.terminated && wt.numActive < maxWaitHandles
		wt.mu.Unlock()
		if ok {
			return wt
		}
	}
	wt := newWaitThread(p)
	p.waitThreads = append(p.waitThreads, wt)
	return wt
}

// insert runs on the owning wait thread's goroutine (invoked via APC);
// it takes wt.mu for the spine mutation.
func (wt *waitThread) insert(handle WaitHandle, timeout time.Duration, singleExecution bool, cb func(timedOut bool), ctx any) *waitRegistration {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	slot := -1
	for i, h := range wt.handles {
		if h == handle {
			slot = i
			break
		}
	}
	if slot < 0 {
		for i, h := range wt.handles {
			if h == nil {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		return nil // caller should not have routed here; table full
	}

	r := wt.pool.waitFree.Get()
	if r == nil {
		r = &waitRegistration{}
	}
	r.handle = handle
	r.callback = cb
	r.context = ctx
	r.timeout = timeout
	r.deadline = time.Now().Add(timeout)
	r.owner = wt
	r.slot = slot
	r.refcount.Store(1)
	r.setFlag(waitRegistered, true)
	r.setFlag(waitActive, true)
	r.setFlag(waitSingleExecution, singleExecution)

	if wt.handles[slot] == nil {
		wt.handles[slot] = handle
		r.next, r.prev = r, r
		wt.slotHead[slot] = r
	} else {
		head := wt.slotHead[slot]
		tail := head.prev
		tail.next = r
		r.prev = tail
		r.next = head
		head.prev = r
	}
	wt.numActive++
	return r
}

// removeRegistration unlinks r from its slot's circular list, shifting
// the slot to empty (and clearing the handle) if it was the last entry.
// Caller holds no lock; this takes wt.mu itself.
func (wt *waitThread) removeRegistration(r *waitRegistration) {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	slot := r.slot
	head := wt.slotHead[slot]
	if head == nil {
		return
	}
	if r.next == r {
		wt.slotHead[slot] = nil
		wt.handles[slot] = nil
	} else {
		r.prev.next = r.next
		r.next.prev = r.prev
		if head == r {
			wt.slotHead[slot] = r.next
		}
	}
	wt.numActive--
}

// Deregister implements the deregistration APC. Non-blocking deregister
// returns once removal from the list is visible; blocking deregister
// (the blocking bool) waits for the last in-flight callback to finish.
func (p *Pool) Deregister(r *waitRegistration, blocking bool) {
	if r == nil {
		return
	}
	partial := make(chan struct{})
	var completionEvent chan struct{}
	body := func() {
		if r.hasFlag(waitActive) {
			r.setFlag(waitDeletePending, true)
			r.owner.removeRegistration(r)
		}
		if blocking {
			r.setFlag(waitInternalCompletion, true)
			if r.completionEvent == nil {
				r.completionEvent = make(chan struct{})
			}
			// Captured before releaseRegistration can possibly drop the
			// refcount to zero and recycle r onto the freelist (which
			// zeroes r.completionEvent) — the wait below must use this
			// local copy, never r.completionEvent, once the APC returns.
			completionEvent = r.completionEvent
		}
		// Drop the list's own reference. If a callback is currently
		// in flight (completeRegistration bumped the refcount before
		// handing off to a worker), this alone will not reach zero —
		// the completion event only closes once that invocation
		// returns and releases its own hold.
		r.owner.releaseRegistration(r)
		close(partial)
	}
	if !r.owner.sendAPC(body) {
		// The owner only self-terminates once its table is empty, so r is
		// already unlinked and the remaining cleanup is refcount-only;
		// safe to run here without the owner goroutine.
		body()
	}
	<-partial

	if blocking {
		select {
		case <-completionEvent:
		case <-p.closed:
			// Teardown: an in-flight callback queued to the now-dead
			// worker pool may never release its hold; leak rather than
			// block the caller forever.
		}
	}
}

// tryTerminateIdle implements the resolved Open Question on wait-thread
// self-termination: a wait thread with zero active registrations (and an
// empty mailbox) for waitThreadIdleTimeout marks itself terminated —
// after which sendAPC refuses it — and removes itself from the pool's
// thread list.
func (wt *waitThread) tryTerminateIdle() bool {
	wt.mu.Lock()
	if wt.numActive != 0 || len(wt.apc) != 0 {
		wt.mu.Unlock()
		return false
	}
	wt.terminated = true
	wt.mu.Unlock()

	wt.pool.waitMu.Lock()
	defer wt.pool.waitMu.Unlock()
	for i, other := range wt.pool.waitThreads {
		if other == wt {
			wt.pool.waitThreads = append(wt.pool.waitThreads[:i], wt.pool.waitThreads[i+1:]...)
			break
		}
	}
	return true
}
