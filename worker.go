package threadpool

import "time"

// workerState is the state a worker goroutine is entered at, or
// transitions through.
type workerState int

const (
	runWorkerWorking workerState = iota
	runWorkerAwaitingWork
	runWorkerRetired
)

// runWorker is the per-goroutine loop every worker thread runs: entered
// either already "promised" to work (runWorkerWorking, committed by
// maybeAddWorkingWorker's CAS) or freshly parked (runWorkerAwaitingWork,
// used for the pool's initial min_workers fill).
//
// Built around a worker run-loop shape with explicit state transitions
// per iteration, and a run/tick separation (dispatch vs
// shrink-or-continue evaluated every pass).
func (p *Pool) runWorker(entry workerState) {
	p.workerSet.markSelf()
	defer p.workerSet.unmarkSelf()

	state := entry
	lastResult := Worked // optimistic: a freshly-promised worker has not yet failed to find work

	for {
		switch state {
		case runWorkerWorking:
			result := p.queue.DispatchOne()
			switch result {
			case Worked:
				lastResult = Worked
				p.lastDequeueAt.Store(time.Now())
				p.climber.onCompletion()
			case Recalled:
				// Not work found: give up this worker's Working slot before
				// parking, as the NoWork path below does.
				p.counter.Update(func(old Counts) (Counts, bool) {
					return Counts{
						Active:     old.Active,
						Working:    old.Working - 1,
						Retired:    old.Retired,
						MaxWorking: old.MaxWorking,
					}, true
				})
				state = runWorkerAwaitingWork
				continue
			case NoWork:
				lastResult = NoWork
			}

			// Shrink logic (CAS loop). The retire decision itself is the
			// Worker Pool's shouldWorkerKeepRunning operation; the
			// Worked/NoWork branch below it is local to the state machine.
			if !p.shouldWorkerKeepRunning() {
				state = runWorkerRetired
				continue
			}
			if lastResult == Worked {
				state = runWorkerWorking
				continue
			}
			p.counter.Update(func(old Counts) (Counts, bool) {
				return Counts{
					Active:     old.Active,
					Working:    old.Working - 1,
					Retired:    old.Retired,
					MaxWorking: old.MaxWorking,
				}, true
			})
			state = runWorkerAwaitingWork

		case runWorkerAwaitingWork:
			if p.isShutdown() {
				return
			}
			if p.activation.Wait(p.opts.workerIdleTimeout) {
				if p.isShutdown() {
					// Poison wake from Close; counts were never committed
					// for it, so exit without touching them.
					return
				}
				// Acquired: the releaser already committed working++.
				state = runWorkerWorking
				lastResult = Worked
				continue
			}
			// Timeout: re-check under the thread-adjustment lock before
			// committing to exit, since a release may have just raced in.
			p.adjLock.Lock()
			exit := false
			p.counter.Update(func(old Counts) (Counts, bool) {
				if old.Active == old.Working {
					// A release raced in; loop back without exiting.
					return old, false
				}
				if old.Active <= int16(p.opts.minWorkers) {
					// Active decays to min_workers and no further; park
					// again instead of exiting.
					return old, false
				}
				newMax := clampInt16(minInt16(old.Active-1, old.MaxWorking), int16(p.opts.minWorkers), int16(p.opts.maxWorkers))
				exit = true
				return Counts{
					Active:     old.Active - 1,
					Working:    old.Working,
					Retired:    old.Retired,
					MaxWorking: newMax,
				}, true
			})
			p.adjLock.Unlock()
			if exit {
				p.climber.onWorkerTimeout()
				return
			}
			// loop back to block again

		case runWorkerRetired:
			if p.isShutdown() {
				return
			}
			if p.retirement.Wait(p.opts.workerIdleTimeout) {
				if p.isShutdown() {
					return
				}
				state = runWorkerWorking
				lastResult = Worked
				continue
			}
			// Timeout: CAS retired-1; if the pre-CAS value was 0 a signal
			// raced in and another thread consumed the slot, so loop.
			exited := false
			p.counter.Update(func(old Counts) (Counts, bool) {
				if old.Retired == 0 {
					return old, false
				}
				exited = true
				return Counts{
					Active:     old.Active,
					Working:    old.Working,
					Retired:    old.Retired - 1,
					MaxWorking: old.MaxWorking,
				}, true
			})
			if exited {
				return
			}
			// loop back to block again
		}
	}
}

func minInt16(a, b int16) int16 {
	if a < b {
		return a
	}
	return b
}
