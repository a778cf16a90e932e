package threadpool

import (
	"time"
)

// Gate lifecycle states: NotRunning -> Requested -> WaitingForRequest ->
// (Requested | NotRunning), driven by the FastState/TryTransition idiom
// in atomicstate.go.
const (
	gateNotRunning uint64 = iota
	gateRequested
	gateWaitingForRequest
)

const cpuLowThreshold = 50.0

// iocpPendingScavengeBatch bounds how much of the pending-I/O ring buffer
// a single gate tick scavenges, so cleanup cost is spread across ticks
// rather than walking the whole ring at once.
const iocpPendingScavengeBatch = 64

// cpuSampler is the per-OS CPU-utilization capability trait (cpu_linux.go,
// cpu_darwin.go, cpu_windows.go, cpu_other.go fallback). Sample returns a
// 0-100 utilization estimate since the previous call, or ok=false if no
// meaningful delta is yet available (first call, or sampling failed).
type cpuSampler interface {
	Sample() (utilization float64, ok bool)
}

// ensureGate is the idempotent activation entry point any component
// calls when it newly needs the gate: NotRunning spawns the thread,
// WaitingForRequest re-arms it, Requested is a no-op (already primed).
func (p *Pool) ensureGate() {
	for {
		switch p.gateState.Load() {
		case gateNotRunning:
			if p.gateState.TryTransition(gateNotRunning, gateRequested) {
				go p.runGate()
				return
			}
		case gateWaitingForRequest:
			if p.gateState.TryTransition(gateWaitingForRequest, gateRequested) {
				return
			}
		default: // gateRequested
			return
		}
	}
}

// runGate is the gate thread body: a ticking loop sampling CPU,
// evaluating IOCP growth and worker-pool starvation, and firing
// worker-tracking telemetry, parking itself once nothing needs it.
func (p *Pool) runGate() {
	ticker := time.NewTicker(p.opts.gateTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
		}
		if p.isShutdown() {
			return
		}

		p.sampleCPU()
		p.gateIOCPStep()
		p.gateWorkerStarvationStep()
		p.fireWorkerTrackingTelemetry()

		if prev := p.gateState.Exchange(gateWaitingForRequest); prev == gateRequested {
			// Something explicitly re-requested the gate since the last
			// tick; give it at least one more full pass.
			continue
		}
		if p.needsGate() {
			continue
		}
		if p.gateState.TryTransition(gateWaitingForRequest, gateNotRunning) {
			return
		}
		// A fresh ensure_gate_thread_running call won the race and moved
		// the state to Requested between our check and this CAS; keep
		// running rather than exit out from under it.
	}
}

// needsGate reports whether any of the three "still needed" predicates
// holds.
func (p *Pool) needsGate() bool {
	if p.iocp.freeWorkers() == 0 {
		return true
	}
	if p.queue.RequestsPending() {
		return true
	}
	return p.opts.enableWorkerTracking
}

// sampleCPU takes one cpuSampler reading and stashes it for the IOCP and
// starvation steps. The sampler is constructed lazily on first use
// since it is per-platform and stateful (it needs a prior snapshot to
// compute a delta).
func (p *Pool) sampleCPU() {
	p.cpuOnce.Do(func() {
		p.cpu = newCPUSampler()
	})
	if util, ok := p.cpu.Sample(); ok {
		p.lastCPU.Store(util)
	}
}

func (p *Pool) cpuLow() bool {
	return p.lastCPU.Load() < cpuLowThreshold
}

// gateIOCPStep drains a waiting completion into a fresh worker when all
// IOCP workers are busy and growth room remains, else wakes a retired
// worker if the CPU has slack.
func (p *Pool) gateIOCPStep() {
	p.iocp.pending.Scavenge(iocpPendingScavengeBatch)

	snap := p.iocp.counter.Snapshot()
	if snap.Working == snap.Active && snap.Retired > 0 && snap.Active < int16(p.iocp.maxIOCP) {
		if p.iocp.drainAndSpawn() {
			return
		}
	}
	if p.cpuLow() && snap.Retired > 0 {
		p.iocp.wakeOneRetired()
	}
}

// gateWorkerStarvationStep raises max_working by one and kicks the pool
// if the queue has pending work and either nothing has been dequeued for
// longer than the starvation threshold, or NotifyWorkAvailable arrivals
// are currently outpacing notifyRateWindow's burst budget — two
// independent starvation signals, since a producer flood can starve the
// queue well before the dequeue-staleness threshold trips.
func (p *Pool) gateWorkerStarvationStep() {
	if p.opts.disableStarvationDetection {
		return
	}
	if !p.queue.RequestsPending() {
		return
	}
	snap := p.counter.Snapshot()
	threshold := p.starvationThreshold(int(snap.Active))
	stale := time.Since(p.lastDequeueAt.Load()) >= threshold
	throttled := p.notifyBurst.Throttled()
	if !stale && !throttled {
		return
	}
	reason := "starvation"
	if throttled && !stale {
		reason = "notify_throttled"
	}
	p.climber.ForceChange(snap.MaxWorking+1, reason)
	p.maybeAddWorkingWorker()
}

// starvationThreshold is num_threads x (2 x tick) when CPU is not low, or
// just tick when CPU is low (so a starved-but-idle machine reacts
// faster).
func (p *Pool) starvationThreshold(numThreads int) time.Duration {
	if p.cpuLow() {
		return p.opts.gateTick
	}
	if numThreads < 1 {
		numThreads = 1
	}
	return time.Duration(numThreads) * 2 * p.opts.gateTick
}

// fireWorkerTrackingTelemetry, when enabled, logs the worker-pool
// high-water mark observed since the previous tick along with a
// completions-per-second figure derived from the delta against the prior
// tick's completion total — read directly off HillClimber's
// completionCounter rather than a second, independently-tracked rate.
//
// telemetryLastAt/telemetryLastCompleted are only ever touched from the
// gate thread, so no synchronization is needed beyond that single-writer
// invariant.
func (p *Pool) fireWorkerTrackingTelemetry() {
	if !p.opts.enableWorkerTracking {
		return
	}

	now := time.Now()
	completed := p.climber.Completions()
	var tps float64
	if !p.telemetryLastAt.IsZero() {
		if elapsed := now.Sub(p.telemetryLastAt); elapsed > 0 {
			tps = float64(completed-p.telemetryLastCompleted) / elapsed.Seconds()
		}
	}
	p.telemetryLastAt = now
	p.telemetryLastCompleted = completed

	snap := p.counter.Snapshot()
	p.log(LogLevelDebug, "gate", "worker tracking sample", map[string]any{
		"active":      snap.Active,
		"working":     snap.Working,
		"retired":     snap.Retired,
		"max_working": snap.MaxWorking,
		"cpu":         p.lastCPU.Load(),
		"tps":         tps,
	})
}
