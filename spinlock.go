package threadpool

import (
	"runtime"
	"sync/atomic"
)

// threadAdjustmentLock is a non-reentrant test-and-set spinlock with a
// short back-off. Its scope is intentionally narrow: hill-climbing's
// decision CAS loop and the gate thread's starvation injection. Nothing
// else may acquire it.
//
// A CAS-retry idiom specialized to a binary locked/unlocked word rather
// than a multi-value enum.
type threadAdjustmentLock struct {
	locked atomic.Bool
}

// Lock spins until the lock is acquired. Callers must not hold it across
// a blocking operation or re-acquire it while already held.
func (l *threadAdjustmentLock) Lock() {
	for !l.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *threadAdjustmentLock) TryLock() bool {
	return l.locked.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (l *threadAdjustmentLock) Unlock() {
	l.locked.Store(false)
}
