package threadpool

import (
	"sync"
	"time"
)

// climbSample is one (thread-count, throughput) observation retained in
// HillClimber's ring-buffer transition history.
type climbSample struct {
	threads    int16
	throughput float64
}

const climbHistoryLen = 8

// HillClimber is the per-process singleton feedback controller: it
// samples throughput on the interval gate, correlates sequential
// max_working changes with throughput changes, and nudges max_working up
// or down to climb toward a local maximum.
//
// Uses a plain completionCounter (metrics.go) for the sampling half, and
// a streaming median estimator (psquare.go) for a lightweight variance
// signal used to widen the interval when recent samples are noisy.
type HillClimber struct {
	pool *Pool

	mu sync.Mutex // guards everything below; paired with pool.adjLock for the Counter CAS itself

	completions *completionCounter
	variance    *medianEstimator

	windowStart    time.Time
	priorCompleted int64
	nextAdjustAt   time.Time
	sampleInterval time.Duration

	history    [climbHistoryLen]climbSample
	historyLen int
	direction  int16 // +1 climbing up, -1 climbing down
}

func newHillClimber(p *Pool, initialInterval time.Duration) *HillClimber {
	now := time.Now()
	return &HillClimber{
		pool:           p,
		completions:    &completionCounter{},
		variance:       newMedianEstimator(),
		windowStart:    now,
		sampleInterval: initialInterval,
		nextAdjustAt:   now.Add(initialInterval),
		direction:      1,
	}
}

// onCompletion is called by a worker immediately after dispatch_one
// returns Worked. It records the completion and, once now >=
// next_adjust_at, runs one adjustment step.
func (h *HillClimber) onCompletion() {
	h.completions.Increment()

	now := time.Now()
	h.mu.Lock()
	due := !now.Before(h.nextAdjustAt)
	h.mu.Unlock()
	if due {
		h.adjust(now, "interval")
	}
}

// onWorkerTimeout is invoked when a worker exits after an idle timeout,
// giving hill-climbing a (free, negative) signal without waiting for the
// next interval.
func (h *HillClimber) onWorkerTimeout() {
	// The exiting worker has already decremented Active/MaxWorking via its
	// own CAS; hill-climbing simply resets its window so the next sample
	// does not compare across the discontinuity.
	h.mu.Lock()
	h.windowStart = time.Now()
	h.priorCompleted = h.completions.Load()
	h.mu.Unlock()
}

// adjust runs one hill-climbing decision. reason is recorded with the
// commit; onCompletion passes "interval". Forced changes do not come
// through here: ForceChange goes straight to commit.
func (h *HillClimber) adjust(now time.Time, reason string) {
	h.mu.Lock()
	elapsed := now.Sub(h.windowStart)
	if elapsed < h.sampleInterval/2 {
		// Too short to be meaningful; discard this sample.
		h.mu.Unlock()
		return
	}

	completed := h.completions.Load()
	delta := completed - h.priorCompleted
	throughput := float64(delta) / elapsed.Seconds()

	h.variance.Update(throughput)
	cur := h.pool.counter.Snapshot()

	proposal := h.nextProposal(cur.MaxWorking, throughput)

	// Widen the interval when the variance estimate and the latest sample
	// disagree sharply (noisy signal), doubling it up to a 4s cap; otherwise
	// narrow it by 10% per sample down to 100ms. An interval already at or
	// below 100ms is not narrowed, and is not raised to 100ms either.
	median := h.variance.Median()
	noisy := median > 0 && (throughput > median*1.5 || throughput < median*0.5)
	if noisy {
		h.sampleInterval = minDuration(h.sampleInterval*2, 4*time.Second)
	} else if h.sampleInterval > 100*time.Millisecond {
		h.sampleInterval = maxDuration(h.sampleInterval*9/10, 100*time.Millisecond)
	}

	h.windowStart = now
	h.priorCompleted = completed
	h.nextAdjustAt = now.Add(h.sampleInterval)
	h.pushHistory(cur.MaxWorking, throughput)
	h.mu.Unlock()

	h.commit(proposal, reason)
}

// nextProposal decides the next max_working candidate by comparing the
// latest throughput sample against the most recent history entry: if
// throughput improved in the current direction, keep climbing that way
// (bounded +1 per sample); if it regressed, reverse direction. Caller
// holds h.mu.
func (h *HillClimber) nextProposal(curMax int16, throughput float64) int16 {
	if h.historyLen > 0 {
		last := h.history[h.historyLen-1]
		if throughput < last.throughput {
			h.direction = -h.direction
		}
	}
	proposal := curMax + h.direction
	return clampInt16(proposal, int16(h.pool.opts.minWorkers), int16(h.pool.opts.maxWorkers))
}

func (h *HillClimber) pushHistory(threads int16, throughput float64) {
	if h.historyLen < climbHistoryLen {
		h.history[h.historyLen] = climbSample{threads, throughput}
		h.historyLen++
		return
	}
	copy(h.history[:], h.history[1:])
	h.history[climbHistoryLen-1] = climbSample{threads, throughput}
}

// commit CAS's the proposed max_working onto the Counter, under the
// pool's thread-adjustment spinlock — the one lock shared by
// hill-climbing's own CAS loop and the gate's starvation injection. If
// another agent already raised max_working past the proposal, the change
// is abandoned without retry.
func (h *HillClimber) commit(proposed int16, reason string) {
	h.pool.adjLock.Lock()
	defer h.pool.adjLock.Unlock()

	before := h.pool.counter.Snapshot()
	if proposed == before.MaxWorking {
		return
	}
	next := before
	next.MaxWorking = proposed
	observed, ok := h.pool.counter.CAS(before, next)
	if !ok {
		if observed.MaxWorking >= proposed {
			return // superseded by a concurrent raise; abandon
		}
		return // lost the race some other way; next sample will retry
	}
	h.pool.log(LogLevelDebug, "hillclimbing", "max_working adjusted", map[string]any{
		"from":   before.MaxWorking,
		"to":     proposed,
		"reason": reason,
	})
	if proposed > before.MaxWorking {
		h.pool.maybeAddWorkingWorker()
	}
}

// Completions returns the running total of completions observed so far.
// The gate's optional worker-tracking telemetry samples deltas off this
// directly rather than maintaining its own independent rate counter.
func (h *HillClimber) Completions() int64 {
	return h.completions.Load()
}

// ForceChange bypasses the interval gate (but not the [min_limit,
// max_limit] bounds) to set a new max_working immediately. Used by the
// gate thread's starvation injection; a worker's idle-timeout exit
// commits its own max_working clamp and then calls onWorkerTimeout.
func (h *HillClimber) ForceChange(newMax int16, reason string) {
	bounded := clampInt16(newMax, int16(h.pool.opts.minWorkers), int16(h.pool.opts.maxWorkers))
	h.commit(bounded, reason)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
