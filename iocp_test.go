package threadpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The public Pool.PostCompletion/BindIOCompletion wrappers must reach the
// same dispatcher as the internal p.iocp methods the rest of this file
// exercises directly.
func TestPoolPostCompletionPublicAPI(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithIOCPLimits(0, 2), WithWorkerIdleTimeout(20*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	var ran atomic.Bool
	p.PostCompletion(func() bool {
		ran.Store(true)
		return false
	})

	require.Eventually(t, func() bool { return ran.Load() }, time.Second, time.Millisecond)
}

// PostCompletion with a callback reporting no pending I/O runs that
// callback on an IOCP worker.
func TestIOCPPostCompletionRunsCallback(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithIOCPLimits(0, 2), WithWorkerIdleTimeout(20*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	var ran atomic.Bool
	p.iocp.PostCompletion(func() bool {
		ran.Store(true)
		return false
	})

	require.Eventually(t, func() bool { return ran.Load() }, time.Second, time.Millisecond)
}

// An IOCP worker whose callback reports outstanding pending I/O and
// then idles out must transition to Retired (not Exited) — Active drops
// but Retired increments, and a later wake via wakeOneRetired brings it
// back to Active rather than leaving it gone for good.
func TestIOCPWorkerRetiresWithPendingIOThenResumes(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithIOCPLimits(0, 2), WithWorkerIdleTimeout(20*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	p.iocp.PostCompletion(func() bool {
		return true // simulates an overlapped read left outstanding
	})

	require.Eventually(t, func() bool {
		snap := p.iocp.counter.Snapshot()
		return snap.Retired == 1
	}, 2*time.Second, time.Millisecond, "worker never parked as Retired after its idle timeout")

	snap := p.iocp.counter.Snapshot()
	require.EqualValues(t, 0, snap.Active, "a retired worker must not also count as Active")

	p.iocp.wakeOneRetired()

	require.Eventually(t, func() bool {
		snap := p.iocp.counter.Snapshot()
		return snap.Retired == 0 && snap.Active == 1
	}, 2*time.Second, time.Millisecond, "retired worker never resumed after being woken")
}

// freeWorkers must never go negative and must reflect Active - Working -
// Retired.
func TestIOCPFreeWorkersAccounting(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithIOCPLimits(0, 4))
	require.NoError(t, err)
	defer p.Close()

	p.iocp.counter.Update(func(old Counts) (Counts, bool) {
		old.Active = 3
		old.Working = 1
		old.Retired = 1
		return old, true
	})
	require.Equal(t, 1, p.iocp.freeWorkers())

	p.iocp.counter.Update(func(old Counts) (Counts, bool) {
		old.Active = 1
		old.Working = 1
		old.Retired = 1
		return old, true
	})
	require.Equal(t, 0, p.iocp.freeWorkers())
}

// maybeGrow must never push Active past maxIOCP even under repeated
// calls.
func TestIOCPMaybeGrowRespectsMaxIOCP(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithIOCPLimits(0, 1))
	require.NoError(t, err)
	defer p.Close()

	p.iocp.spawnWorker()
	require.Eventually(t, func() bool {
		return p.iocp.counter.Snapshot().Active == 1
	}, time.Second, time.Millisecond)

	for i := 0; i < 10; i++ {
		p.iocp.maybeGrow()
	}
	require.LessOrEqual(t, int(p.iocp.counter.Snapshot().Active), 1)
}
