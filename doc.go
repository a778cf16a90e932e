// Package threadpool implements a managed thread pool that multiplexes a
// large number of short-lived asynchronous work items, wait registrations,
// and I/O completions onto a small, dynamically-sized set of goroutines
// standing in for OS worker threads.
//
// # Architecture
//
// A [Pool] owns five cooperating subsystems:
//
//   - a worker pool ([Pool.Submit] plus the internal worker state machine)
//     that runs callbacks pulled from a [DispatchQueue];
//   - a hill-climbing controller ([HillClimber]) that adjusts the worker
//     ceiling by correlating throughput with thread-count changes;
//   - a gate thread that periodically samples CPU utilization and injects
//     workers when the dispatch queue is starved;
//   - a wait/timer subsystem ([Pool.RegisterWait], [Pool.CreateTimer]) that
//     multiplexes many registrations onto a bounded number of wait
//     threads, plus a single timer queue;
//   - an I/O completion dispatcher ([Pool.BindIOCompletion]) — a parallel
//     pool with its own counter and growth policy, modeled on IOCP/epoll/
//     kqueue semantics.
//
// # Thread model
//
// The design this package implements targets a runtime with real OS
// threads, semaphores, APCs, and completion ports. Go does not expose any
// of those as first-class primitives, so this package substitutes:
//
//   - goroutines for OS worker threads (worker.go);
//   - channel+atomic based semaphores for OS semaphores (semaphore.go);
//   - a per-thread mailbox channel for APCs — "send a message to thread T,
//     processed at its next alertable wake" (wait.go, timer.go);
//   - platform pollers (epoll/kqueue/IOCP via golang.org/x/sys) for the
//     completion-port primitive (iocp.go and the per-OS poller files).
//
// # Usage
//
//	q := threadpool.NewFuncQueue()
//	p, err := threadpool.New(q, threadpool.WithMinWorkers(2), threadpool.WithMaxWorkers(8))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	q.Push(func() { fmt.Println("hello") })
//	p.NotifyWorkAvailable()
//
// # Concurrency
//
// Worker-count transitions are linearizable CAS operations on a packed
// atomic word (see [Counts]); the wait-thread list spine and FuncQueue
// are mutex-guarded. No callback is ever invoked with
// an internal lock held, and a user callback panic is always recovered at
// the dispatch boundary rather than propagated into the scheduler's own
// state machines.
package threadpool
