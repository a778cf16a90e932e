package threadpool

import (
	"time"
)

// CompletionCallback is the user callback bound to an OS handle via
// BindIOCompletion. It returns true if it initiated further asynchronous
// I/O that must complete on this same worker identity. Go exposes no
// per-thread "pending I/O outstanding" query, so the callback reports it
// explicitly instead.
type CompletionCallback func() (hasPendingIO bool)

type iocpItem struct {
	cb       CompletionCallback
	sentinel bool
}

// iocpDispatcher is the parallel I/O-completion worker pool: its own
// Counter, its own min/max limits, its own activation mechanics. The OS
// completion port itself is stood in for by a buffered channel (queue);
// per-OS handle readiness is translated into posts onto that same
// channel by ioReadinessBackend, so both "real" bound handles and the
// drainage sentinel share one dequeue path.
type iocpDispatcher struct {
	pool *Pool

	counter *Counter
	minIOCP int
	maxIOCP int

	queue       chan iocpItem
	retiredWake *countingSemaphore
	pending     *pendingIORegistry

	lastSpawnAt atomicTime

	backend *ioReadinessBackend
}

func newIOCPDispatcher(p *Pool, minIOCP, maxIOCP int) *iocpDispatcher {
	d := &iocpDispatcher{
		pool:        p,
		counter:     NewCounter(Counts{MaxWorking: int16(minIOCP)}),
		minIOCP:     minIOCP,
		maxIOCP:     maxIOCP,
		queue:       make(chan iocpItem, 256),
		retiredWake: newCountingSemaphore(maxIOCP),
		pending:     newPendingIORegistry(),
	}
	d.lastSpawnAt.Store(time.Now())
	d.backend = newIOReadinessBackend(d)
	return d
}

// freeWorkers reports idle (non-working, non-retired) IOCP workers, used
// by the gate's "needs gate" predicate.
func (d *iocpDispatcher) freeWorkers() int {
	snap := d.counter.Snapshot()
	free := snap.Active - snap.Working - snap.Retired
	if free < 0 {
		free = 0
	}
	return int(free)
}

// BindIOCompletion associates cb with an OS handle on the shared
// completion port. On platforms without a wired readiness port the
// error is reported synchronously; callers there drive completions
// directly via PostCompletion instead.
func (d *iocpDispatcher) BindIOCompletion(handle uintptr, cb CompletionCallback) error {
	if err := d.backend.bind(handle, cb); err != nil {
		return err
	}
	d.maybeGrow()
	return nil
}

// PostCompletion enqueues an already-ready completion directly, bypassing
// OS handle readiness entirely; used by producers that already know the
// operation is done (e.g. tests, or in-process completions).
func (d *iocpDispatcher) PostCompletion(cb CompletionCallback) {
	select {
	case d.queue <- iocpItem{cb: cb}:
	case <-d.pool.closed:
	}
	d.maybeGrow()
}

// spawnCreationDelay grows with thread count, so bursts of growth do not
// create a worker per tick.
func (d *iocpDispatcher) spawnCreationDelay() time.Duration {
	n := d.counter.Snapshot().Active
	return time.Duration(n) * 10 * time.Millisecond
}

// maybeGrow implements the growth policy: called after a successful
// dispatch, after a bind/post, or by the gate.
func (d *iocpDispatcher) maybeGrow() {
	snap := d.counter.Snapshot()
	if snap.Working != snap.Active || snap.Retired != 0 || snap.Active >= int16(d.maxIOCP) {
		return
	}
	if snap.Active >= int16(d.minIOCP) && !d.pool.cpuLow() {
		return
	}
	if time.Since(d.lastSpawnAt.Load()) < d.spawnCreationDelay() {
		return
	}
	d.spawnWorker()
}

// spawnWorker commits Active+1/Working+1 and launches a fresh dispatch
// goroutine that starts by pulling its own first item.
func (d *iocpDispatcher) spawnWorker() {
	applied := false
	d.counter.Update(func(old Counts) (Counts, bool) {
		if old.Active >= int16(d.maxIOCP) {
			return old, false
		}
		applied = true
		return Counts{Active: old.Active + 1, Working: old.Working + 1, Retired: old.Retired, MaxWorking: old.MaxWorking}, true
	})
	if !applied {
		return
	}
	d.lastSpawnAt.Store(time.Now())
	go d.runWorker(nil)
}

// drainAndSpawn implements the gate's non-blocking drain: if a
// completion is already waiting on the port, hand it straight to a
// freshly created worker instead of waiting for an existing one to pick
// it up.
func (d *iocpDispatcher) drainAndSpawn() bool {
	select {
	case item := <-d.queue:
		if item.sentinel {
			d.postSentinel()
			return false
		}
		applied := false
		d.counter.Update(func(old Counts) (Counts, bool) {
			if old.Active >= int16(d.maxIOCP) {
				return old, false
			}
			applied = true
			return Counts{Active: old.Active + 1, Working: old.Working + 1, Retired: old.Retired, MaxWorking: old.MaxWorking}, true
		})
		if !applied {
			// Could not grow further; put the item back for an existing worker.
			d.queue <- item
			return false
		}
		d.lastSpawnAt.Store(time.Now())
		go d.runWorker(item.cb)
		return true
	default:
		return false
	}
}

// wakeOneRetired releases one parked retired IOCP worker.
func (d *iocpDispatcher) wakeOneRetired() {
	d.retiredWake.Release(1)
}

func (d *iocpDispatcher) postSentinel() {
	select {
	case d.queue <- iocpItem{sentinel: true}:
	default:
	}
}

// shutdown implements the drainage protocol: post a sentinel, and a
// follow-up sentinel, so that even under the channel's LIFO-agnostic
// (here, FIFO, since Go channels are FIFO) ordering, a different worker
// than the one that originally observes the first sentinel also sees
// one and winds down.
func (d *iocpDispatcher) shutdown() {
	d.postSentinel()
	d.postSentinel()
	// Wake every parked retired worker so it can observe pool.closed
	// instead of sitting out its park timeout.
	d.retiredWake.Release(d.maxIOCP)
	d.backend.close()
}

// runWorker is one IOCP worker's loop: dispatch / idle / retire-with-
// pending-IO state machine, shaped like worker.go's runWorker (same
// Working/Retired CAS-loop idiom applied to the parallel IOCP counter).
//
// Entry convention: every caller (spawnWorker, drainAndSpawn, park's
// resume path) has already committed Working+1 for this worker, so the
// loop decrements Working before blocking on the port and re-increments
// on a successful dequeue — a blocked worker never counts as working.
func (d *iocpDispatcher) runWorker(preset CompletionCallback) {
	id := getGoroutineID()
	d.pool.workerSet.markSelf()
	defer d.pool.workerSet.unmarkSelf()

	cb := preset
	var curOp *pendingOp

	for {
		if cb == nil {
			d.counter.Update(func(old Counts) (Counts, bool) {
				return Counts{Active: old.Active, Working: old.Working - 1, Retired: old.Retired, MaxWorking: old.MaxWorking}, true
			})
		dequeue:
			for {
				select {
				case <-d.pool.closed:
					return
				case item := <-d.queue:
					if item.sentinel {
						d.postSentinel()
						d.counter.Update(func(old Counts) (Counts, bool) {
							return Counts{Active: old.Active - 1, Working: old.Working, Retired: old.Retired, MaxWorking: old.MaxWorking}, true
						})
						return
					}
					cb = item.cb
					break dequeue
				case <-time.After(d.pool.opts.workerIdleTimeout):
					if d.handleIdleTimeout(id, curOp) {
						return
					}
				}
			}
			d.counter.Update(func(old Counts) (Counts, bool) {
				return Counts{Active: old.Active, Working: old.Working + 1, Retired: old.Retired, MaxWorking: old.MaxWorking}, true
			})
		}

		hasPending := safeInvokeCompletion(cb)

		if curOp != nil {
			curOp.Complete()
			curOp = nil
		}
		if hasPending {
			_, curOp = d.pending.Begin(id)
		}
		cb = nil
		d.maybeGrow()
	}
}

// handleIdleTimeout implements the "timeout_expired" branch: if this is
// the last free thread, keep running; else try to retire (if pending I/O
// remains attributed to this worker) or exit.
func (d *iocpDispatcher) handleIdleTimeout(id uint64, curOp *pendingOp) (exit bool) {
	snap := d.counter.Snapshot()
	if snap.Working == snap.Active {
		return false
	}
	decremented := false
	d.counter.Update(func(old Counts) (Counts, bool) {
		if old.Active == old.Working {
			return old, false
		}
		decremented = true
		return Counts{Active: old.Active - 1, Working: old.Working, Retired: old.Retired, MaxWorking: old.MaxWorking}, true
	})
	if !decremented {
		return false
	}
	if curOp.isPending() || d.pending.HasPending(id) {
		d.park(id)
	}
	return true
}

// park implements the "Retired (with pending I/O)" state: the worker is
// no longer Active but cannot safely exit, so it parks on the retired
// wakeup event and, once woken, resumes dispatching under a fresh
// goroutine identity-equivalent loop.
func (d *iocpDispatcher) park(id uint64) {
	d.counter.Update(func(old Counts) (Counts, bool) {
		return Counts{Active: old.Active, Working: old.Working, Retired: old.Retired + 1, MaxWorking: old.MaxWorking}, true
	})
	for {
		if d.retiredWake.Wait(d.pool.opts.waitThreadIdleTimeout) {
			applied := false
			d.counter.Update(func(old Counts) (Counts, bool) {
				if old.Retired == 0 {
					return old, false
				}
				applied = true
				// Working+1 satisfies runWorker's entry convention; the
				// resumed worker drops it again as soon as it re-blocks.
				return Counts{Active: old.Active + 1, Working: old.Working + 1, Retired: old.Retired - 1, MaxWorking: old.MaxWorking}, true
			})
			if applied {
				d.runWorker(nil)
				return
			}
			continue
		}
		exited := false
		d.counter.Update(func(old Counts) (Counts, bool) {
			if old.Retired == 0 {
				return old, false
			}
			exited = true
			return Counts{Active: old.Active, Working: old.Working, Retired: old.Retired - 1, MaxWorking: old.MaxWorking}, true
		})
		if exited {
			return
		}
	}
}

// safeInvokeCompletion runs cb with panic recovery: callback exceptions
// are caught at this boundary and suppressed.
func safeInvokeCompletion(cb CompletionCallback) (hasPendingIO bool) {
	defer func() {
		if r := recover(); r != nil {
			logGlobal(LogLevelError, "iocp", "completion callback panicked", map[string]any{"panic": r})
			hasPendingIO = false
		}
	}()
	return cb()
}
