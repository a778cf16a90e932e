package threadpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// For any sequence of samples, the max_working values produced by
// HillClimber stay within [min_workers, max_workers].
func TestHillClimberStaysWithinBounds(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(2), WithMaxWorkers(6), WithHillClimbingSampleInterval(time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	now := time.Now()
	// Feed a long, noisy sequence of completions/adjust calls directly,
	// bypassing the interval gate so every sample is forced through.
	for i := 0; i < 200; i++ {
		now = now.Add(2 * time.Millisecond)
		p.climber.completions.Increment()
		p.climber.adjust(now, "interval")

		snap := p.Snapshot()
		require.GreaterOrEqual(t, snap.MaxWorking, int16(2))
		require.LessOrEqual(t, snap.MaxWorking, int16(6))
	}
}

// ForceChange must clamp to the configured bounds even when asked to go
// far outside them.
func TestHillClimberForceChangeClamps(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(4))
	require.NoError(t, err)
	defer p.Close()

	p.climber.ForceChange(1000, "starvation")
	require.EqualValues(t, 4, p.Snapshot().MaxWorking)

	p.climber.ForceChange(-1000, "timeout")
	require.EqualValues(t, 1, p.Snapshot().MaxWorking)
}

// commit must not clobber a concurrently-raised max_working with a stale,
// lower proposal: if another agent already pushed MaxWorking past the
// proposed value, the hill-climbing change is abandoned.
func TestHillClimberCommitAbandonsWhenSuperseded(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(8))
	require.NoError(t, err)
	defer p.Close()

	p.counter.Update(func(old Counts) (Counts, bool) {
		old.MaxWorking = 5
		return old, true
	})

	// A stale proposal of 2 should be abandoned since 5 > 2.
	p.climber.commit(2, "interval")
	require.EqualValues(t, 5, p.Snapshot().MaxWorking)
}

// onWorkerTimeout resets the sampling window without touching max_working
// itself; it is ForceChange, not onWorkerTimeout, that adjusts the bound.
func TestHillClimberOnWorkerTimeoutResetsWindow(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(4))
	require.NoError(t, err)
	defer p.Close()

	p.climber.completions.Increment()
	p.climber.completions.Increment()
	before := p.climber.completions.Load()

	p.climber.onWorkerTimeout()

	p.climber.mu.Lock()
	prior := p.climber.priorCompleted
	p.climber.mu.Unlock()
	require.Equal(t, before, prior)
}
