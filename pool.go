package threadpool

// maybeAddWorkingWorker idempotently ensures at least one worker is
// trying to dispatch work, subject to max_working. The CAS-retry shape
// follows Counter.Update (counter.go).
func (p *Pool) maybeAddWorkingWorker() {
	var toUnretire, toCreate, toRelease int16

	_, applied := p.counter.Update(func(old Counts) (Counts, bool) {
		newWorking := clampInt16(old.Working+1, old.Working, old.MaxWorking)
		newActive := maxInt16(old.Active, newWorking)
		newRetired := maxInt16(0, old.Retired-(newActive-old.Active))

		next := Counts{
			Active:     newActive,
			Working:    newWorking,
			Retired:    newRetired,
			MaxWorking: old.MaxWorking,
		}
		if next == old {
			return old, false
		}

		// Deltas are captured here, inside the closure that CAS actually
		// commits: on a retried attempt this simply overwrites the stale
		// values from the prior (failed) attempt with the ones matching
		// what is about to be committed, so the final read below always
		// reflects the winning CAS.
		unretired := old.Retired - next.Retired
		created := next.Active - old.Active - (old.Retired - next.Retired)
		if created < 0 {
			created = 0
		}
		// An unretired worker resumes directly in Working, so its slot
		// needs no activation permit on top.
		released := next.Working - old.Working - created - unretired
		if released < 0 {
			released = 0
		}
		toUnretire, toCreate, toRelease = unretired, created, released

		return next, true
	})
	if !applied {
		return
	}

	if toUnretire > 0 {
		p.retirement.Release(int(toUnretire))
	}
	if toRelease > 0 {
		p.activation.Release(int(toRelease))
	}
	for i := int16(0); i < toCreate; i++ {
		p.spawnWorker()
	}
}

func clampInt16(v, lo, hi int16) int16 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt16(a, b int16) int16 {
	if a > b {
		return a
	}
	return b
}

// shouldWorkerKeepRunning is called by a worker after finishing a unit to
// decide whether to seek more work or retire. If active > max_working, it
// atomically retires the calling worker (Active-1, Working-1, Retired+1)
// and returns false.
func (p *Pool) shouldWorkerKeepRunning() bool {
	_, retired := p.counter.Update(func(old Counts) (Counts, bool) {
		if old.Active > old.MaxWorking {
			return Counts{
				Active:     old.Active - 1,
				Working:    old.Working - 1,
				Retired:    old.Retired + 1,
				MaxWorking: old.MaxWorking,
			}, true
		}
		return old, false
	})
	return !retired
}

// spawnWorker creates one new worker goroutine in response to
// maybeAddWorkingWorker's step 7: the caller's CAS has already committed
// Active+1, Working+1 for this worker (the "promise"), so spawnWorker's
// only job is to make the promise true, or roll it back on failure.
func (p *Pool) spawnWorker() {
	if err := p.createWorkerGoroutine(runWorkerWorking); err != nil {
		p.counter.Update(func(old Counts) (Counts, bool) {
			return Counts{
				Active:     old.Active - 1,
				Working:    old.Working - 1,
				Retired:    old.Retired,
				MaxWorking: old.MaxWorking,
			}, true
		})
		p.log(LogLevelWarn, "pool", "worker thread creation failed, rolled back counter", map[string]any{"error": err})
	}
}

// spawnIdleWorker commits Active+1 only (no working promise) and starts a
// worker parked in AwaitingWork, used to populate min_workers at pool
// construction before any work has been requested.
func (p *Pool) spawnIdleWorker() {
	p.counter.Update(func(old Counts) (Counts, bool) {
		return Counts{
			Active:     old.Active + 1,
			Working:    old.Working,
			Retired:    old.Retired,
			MaxWorking: old.MaxWorking,
		}, true
	})
	if err := p.createWorkerGoroutine(runWorkerAwaitingWork); err != nil {
		p.counter.Update(func(old Counts) (Counts, bool) {
			return Counts{
				Active:     old.Active - 1,
				Working:    old.Working,
				Retired:    old.Retired,
				MaxWorking: old.MaxWorking,
			}, true
		})
		p.log(LogLevelWarn, "pool", "worker thread creation failed, rolled back counter", map[string]any{"error": err})
	}
}

// createWorkerGoroutine launches a worker goroutine starting at entry
// state, or reports ErrThreadCreationFailed if an injected test hook
// (workerFactory) refuses. Go's runtime does not fail goroutine creation
// the way an OS thread create call can, so workerFactory exists purely to
// exercise the counter-rollback path in tests; production Pools leave it
// nil.
func (p *Pool) createWorkerGoroutine(entry workerState) error {
	if p.workerFactory != nil {
		if err := p.workerFactory(); err != nil {
			return newThreadCreationError("pool", err)
		}
	}
	go p.runWorker(entry)
	return nil
}

// ensureGateThreadRunning implements the idempotent gate activation
// protocol. See gate.go.
func (p *Pool) ensureGateThreadRunning() {
	p.ensureGate()
}
