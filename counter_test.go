package threadpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterSnapshotRoundTrip(t *testing.T) {
	c := NewCounter(Counts{Active: 3, Working: 2, Retired: 1, MaxWorking: 8})
	got := c.Snapshot()
	assert.Equal(t, Counts{Active: 3, Working: 2, Retired: 1, MaxWorking: 8}, got)
}

func TestCounterPackUnpackNegativeFields(t *testing.T) {
	// Fields are signed int16; packing must round-trip even when a field
	// is momentarily negative during a retry window computation.
	c := Counts{Active: -1, Working: -2, Retired: -3, MaxWorking: -4}
	got := unpack(c.pack())
	assert.Equal(t, c, got)
}

func TestCounterCASSucceedsOnMatch(t *testing.T) {
	c := NewCounter(Counts{Active: 1, MaxWorking: 4})
	observed, ok := c.CAS(Counts{Active: 1, MaxWorking: 4}, Counts{Active: 2, MaxWorking: 4})
	require.True(t, ok)
	assert.Equal(t, Counts{Active: 2, MaxWorking: 4}, observed)
	assert.Equal(t, Counts{Active: 2, MaxWorking: 4}, c.Snapshot())
}

func TestCounterCASFailsOnMismatchAndReportsObserved(t *testing.T) {
	c := NewCounter(Counts{Active: 5, MaxWorking: 4})
	observed, ok := c.CAS(Counts{Active: 1, MaxWorking: 4}, Counts{Active: 2, MaxWorking: 4})
	require.False(t, ok)
	assert.Equal(t, Counts{Active: 5, MaxWorking: 4}, observed)
}

// TestCounterUpdateRetriesUnderContention checks that concurrent Update
// callers computing Active+1 never lose an increment, since every commit
// is a single whole-word CAS.
func TestCounterUpdateRetriesUnderContention(t *testing.T) {
	c := NewCounter(Counts{MaxWorking: 1000})
	const goroutines = 64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			c.Update(func(old Counts) (Counts, bool) {
				old.Active++
				return old, true
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, goroutines, c.Snapshot().Active)
}

func TestCounterUpdateAbortsWithoutCommit(t *testing.T) {
	c := NewCounter(Counts{Active: 7})
	result, applied := c.Update(func(old Counts) (Counts, bool) {
		return Counts{Active: 999}, false
	})
	assert.False(t, applied)
	assert.EqualValues(t, 7, result.Active)
	assert.EqualValues(t, 7, c.Snapshot().Active)
}

func TestCounterUpdateNoopWhenResultEqualsOld(t *testing.T) {
	c := NewCounter(Counts{Active: 3, MaxWorking: 5})
	result, applied := c.Update(func(old Counts) (Counts, bool) {
		return old, true // identical value: Update should short-circuit, not CAS
	})
	assert.True(t, applied)
	assert.Equal(t, Counts{Active: 3, MaxWorking: 5}, result)
}

// Working never exceeds Active, and Retired/MaxWorking never go negative,
// for any sequence of valid transitions.
func TestCounterInvariantsHoldAcrossTransitions(t *testing.T) {
	c := NewCounter(Counts{Active: 2, Working: 2, Retired: 0, MaxWorking: 4})
	c.Update(func(old Counts) (Counts, bool) {
		return Counts{Active: old.Active + 1, Working: old.Working + 1, Retired: old.Retired, MaxWorking: old.MaxWorking}, true
	})
	snap := c.Snapshot()
	assert.True(t, snap.Working <= snap.Active)
	assert.True(t, snap.Retired >= 0)
	assert.True(t, snap.MaxWorking >= 0)
}
