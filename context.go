package threadpool

import (
	"sync"
	"time"
)

// Pool is the process-wide scheduler context: every piece of otherwise-
// global mutable state (counters, semaphores, gate state, wait-thread
// list head, timer queue head, recycled-memory arrays) is folded into
// this one struct, constructed once via New and passed by reference
// thereafter.
type Pool struct {
	opts *poolOptions

	queue DispatchQueue

	counter    *Counter
	activation *unfairSemaphore
	retirement *countingSemaphore

	climber *HillClimber
	adjLock threadAdjustmentLock

	gateState *atomicState
	cpu       cpuSampler
	cpuOnce   sync.Once
	lastCPU   atomicFloat

	waitMu      sync.Mutex
	waitThreads []*waitThread
	waitFree    *waitRegistrationFreelist

	timers *timerQueue

	iocp *iocpDispatcher

	workerSet     *workerRegistry
	notifyBurst   *notifyRateWindow
	lastDequeueAt atomicTime

	// telemetryLastAt/telemetryLastCompleted are touched only by the gate
	// goroutine (fireWorkerTrackingTelemetry), never concurrently, so they
	// need no atomic/lock protection of their own.
	telemetryLastAt        time.Time
	telemetryLastCompleted int64

	logger Logger

	// workerFactory is a test-only hook letting unit tests simulate a
	// thread-creation failure and its counter rollback. Production Pools
	// never set it.
	workerFactory func() error

	closeOnce sync.Once
	closed    chan struct{}
}

// atomicFloat and atomicTime are small helpers avoiding an import of
// atomic.Value boilerplate at every call site; see util_atomic.go.

// New constructs a Pool bound to queue, applying the given options over
// the package defaults, and starts its gate thread lazily (on the first
// NotifyWorkAvailable call, which a FuncQueue push also triggers) rather
// than eagerly — a singleton thread created on demand.
func New(queue DispatchQueue, opts ...Option) (*Pool, error) {
	if queue == nil {
		return nil, newInvalidArgumentError("queue must not be nil")
	}
	cfg, err := resolvePoolOptions(opts)
	if err != nil {
		return nil, err
	}

	logger := cfg.logger
	if logger == nil {
		logger = getGlobalLogger()
	}

	p := &Pool{
		opts:       cfg,
		queue:      queue,
		counter:    NewCounter(Counts{MaxWorking: int16(cfg.minWorkers)}),
		activation: newUnfairSemaphore(),
		retirement: newCountingSemaphore(cfg.maxWorkers),
		gateState:  newAtomicState(gateNotRunning),
		waitFree:   newWaitRegistrationFreelist(),
		timers:     newTimerQueue(),
		workerSet:  newWorkerRegistry(),
		logger:     logger,
		closed:     make(chan struct{}),
	}
	p.climber = newHillClimber(p, cfg.hillClimbingSampleInterval)
	p.iocp = newIOCPDispatcher(p, cfg.minIOCP, cfg.maxIOCP)
	p.notifyBurst = newNotifyRateWindow(cfg.notifyRateWindow, cfg.notifyRateBurst)
	p.lastDequeueAt.Store(time.Now())

	if pusher, ok := queue.(*FuncQueue); ok {
		pusher.onPushHook(func() { p.NotifyWorkAvailable() })
	}

	for i := 0; i < cfg.minWorkers; i++ {
		p.spawnIdleWorker()
	}

	p.log(LogLevelInfo, "pool", "pool started", map[string]any{
		"min_workers": cfg.minWorkers,
		"max_workers": cfg.maxWorkers,
		"min_iocp":    cfg.minIOCP,
		"max_iocp":    cfg.maxIOCP,
	})

	return p, nil
}

func (p *Pool) log(level LogLevel, category, message string, fields map[string]any) {
	if p.logger == nil || !p.logger.Enabled(level) {
		return
	}
	p.logger.Log(LogEntry{Level: level, Category: category, Message: message, Fields: fields, Timestamp: time.Now()})
}

// Submit is a convenience wrapper around the configured DispatchQueue: if
// the queue was constructed with NewFuncQueue, Submit pushes fn and wakes
// the pool; for any other DispatchQueue implementation, callers are
// expected to push into their own queue and call NotifyWorkAvailable
// directly — enqueueing work is an external collaborator's job, not the
// scheduler's.
func (p *Pool) Submit(fn func()) error {
	select {
	case <-p.closed:
		return ErrShutdown
	default:
	}
	q, ok := p.queue.(*FuncQueue)
	if !ok {
		return newInvalidArgumentError("Submit requires a *FuncQueue-backed Pool; push into your own queue and call NotifyWorkAvailable")
	}
	q.Push(fn)
	return nil
}

// NotifyWorkAvailable is the producer-side signal: the scheduler responds
// by ensuring a working worker exists and that the gate thread is
// running.
func (p *Pool) NotifyWorkAvailable() {
	select {
	case <-p.closed:
		return
	default:
	}
	if p.notifyBurst != nil {
		p.notifyBurst.Mark()
	}
	p.maybeAddWorkingWorker()
	p.ensureGateThreadRunning()
}

// Close begins an orderly shutdown: the closed signal is observed by
// workers, wait threads, the timer thread, and IOCP workers at their
// designated safe points; pending wait/timer registrations are
// deliberately abandoned rather than risk a use-after-free during
// teardown.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.activation.Release(int(p.opts.maxWorkers))
		p.retirement.Release(int(p.opts.maxWorkers))
		p.iocp.shutdown()
		p.timers.shutdown()

		p.waitMu.Lock()
		threads := append([]*waitThread(nil), p.waitThreads...)
		p.waitMu.Unlock()
		for _, wt := range threads {
			wt.shutdown()
		}
	})
	return nil
}

func (p *Pool) isShutdown() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Snapshot exposes the worker counter for tests and diagnostics.
func (p *Pool) Snapshot() Counts {
	return p.counter.Snapshot()
}

// BindIOCompletion associates cb with an OS handle on the pool's shared
// I/O completion port, growing the IOCP worker pool as needed; see
// iocpDispatcher.BindIOCompletion for the per-platform fallback
// semantics.
func (p *Pool) BindIOCompletion(handle uintptr, cb CompletionCallback) error {
	return p.iocp.BindIOCompletion(handle, cb)
}

// PostCompletion enqueues an already-ready completion directly, for
// producers that already know the operation finished without going
// through OS handle readiness (e.g. in-process completions, tests).
func (p *Pool) PostCompletion(cb CompletionCallback) {
	p.iocp.PostCompletion(cb)
}
