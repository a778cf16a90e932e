package threadpool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateTimerFiresOnceAfterDue(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(2))
	require.NoError(t, err)
	defer p.Close()

	var fired atomic.Int64
	_, err = p.CreateTimer(func(ctx any) {
		fired.Add(1)
	}, nil, 20*time.Millisecond, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, fired.Load(), "a one-shot timer must not fire a second time")
}

func TestCreateTimerPeriodicReArms(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(2))
	require.NoError(t, err)
	defer p.Close()

	var fired atomic.Int64
	id, err := p.CreateTimer(func(ctx any) {
		fired.Add(1)
	}, nil, 10*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fired.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.NoError(t, p.DeleteTimer(id, true))
}

func TestCreateTimerPassesContext(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(2))
	require.NoError(t, err)
	defer p.Close()

	type ctxVal struct{ n int }
	got := make(chan any, 1)
	_, err = p.CreateTimer(func(ctx any) {
		got <- ctx
	}, &ctxVal{n: 42}, time.Millisecond, 0)
	require.NoError(t, err)

	select {
	case v := <-got:
		cv, ok := v.(*ctxVal)
		require.True(t, ok)
		require.Equal(t, 42, cv.n)
	case <-time.After(time.Second):
		t.Fatal("timer callback never ran")
	}
}

// A blocking DeleteTimer must wait for an in-flight callback invocation
// to finish before it returns, mirroring the wait subsystem's blocking
// Deregister semantics.
func TestDeleteTimerBlocksUntilInFlightCallbackReturns(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(2), WithMaxWorkers(4))
	require.NoError(t, err)
	defer p.Close()

	enteredCB := make(chan struct{})
	releaseCB := make(chan struct{})
	var invocations atomic.Int64

	id, err := p.CreateTimer(func(ctx any) {
		invocations.Add(1)
		close(enteredCB)
		<-releaseCB
	}, nil, time.Millisecond, 0)
	require.NoError(t, err)

	<-enteredCB // callback now in flight

	deleteReturned := make(chan struct{})
	go func() {
		require.NoError(t, p.DeleteTimer(id, true))
		close(deleteReturned)
	}()

	select {
	case <-deleteReturned:
		t.Fatal("blocking DeleteTimer returned before the in-flight callback finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseCB)

	select {
	case <-deleteReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking DeleteTimer never returned after the callback finished")
	}
	require.EqualValues(t, 1, invocations.Load())
}

func TestChangeTimerRejectsUnknownID(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(2))
	require.NoError(t, err)
	defer p.Close()

	err = p.ChangeTimer(999999, time.Second, 0)
	require.Error(t, err)
}

func TestDeleteTimerRejectsUnknownID(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(1), WithMaxWorkers(2))
	require.NoError(t, err)
	defer p.Close()

	err = p.DeleteTimer(999999, false)
	require.Error(t, err)
}

func TestCreateTimerOnShutdownPoolFails(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(0), WithMaxWorkers(2))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.CreateTimer(func(any) {}, nil, time.Millisecond, 0)
	require.ErrorIs(t, err, ErrShutdown)
}
