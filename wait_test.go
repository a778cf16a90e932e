package threadpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// chanWaitHandle adapts a plain channel to WaitHandle for tests.
type chanWaitHandle struct{ ch chan struct{} }

func newChanWaitHandle() *chanWaitHandle { return &chanWaitHandle{ch: make(chan struct{})} }

func (h *chanWaitHandle) Chan() <-chan struct{} { return h.ch }

func (h *chanWaitHandle) signal() { close(h.ch) }

// Fan-out across distinct handles: 200 registrations on 200 distinct
// handles should spread across ceil(200/maxWaitHandles) wait threads and
// all fire within their timeout once signalled.
func TestWaitFanOutAcrossThreads(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(2), WithMaxWorkers(8))
	require.NoError(t, err)
	defer p.Close()

	const n = 200
	handles := make([]*chanWaitHandle, n)
	var fired atomic.Int64
	for i := 0; i < n; i++ {
		handles[i] = newChanWaitHandle()
		_, err := p.RegisterWait(handles[i], 5*time.Second, true, func(timedOut bool) {
			if !timedOut {
				fired.Add(1)
			}
		}, nil)
		require.NoError(t, err)
	}

	p.waitMu.Lock()
	numThreads := len(p.waitThreads)
	p.waitMu.Unlock()
	wantThreads := (n + maxWaitHandles - 1) / maxWaitHandles
	require.Equal(t, wantThreads, numThreads)

	for _, h := range handles {
		h.signal()
	}

	require.Eventually(t, func() bool {
		return fired.Load() == n
	}, 5*time.Second, 10*time.Millisecond, "only %d/%d registrations fired", fired.Load(), n)
}

// A blocking Deregister must wait for an in-flight callback to actually
// return before it returns itself, and no subsequent callback invocation
// may occur afterward.
func TestDeregisterBlocksUntilInFlightCallbackReturns(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(2), WithMaxWorkers(4))
	require.NoError(t, err)
	defer p.Close()

	h := newChanWaitHandle()
	enteredCB := make(chan struct{})
	releaseCB := make(chan struct{})
	var invocations atomic.Int64

	reg, err := p.RegisterWait(h, 5*time.Second, true, func(timedOut bool) {
		invocations.Add(1)
		close(enteredCB)
		<-releaseCB
	}, nil)
	require.NoError(t, err)

	h.signal()
	<-enteredCB // callback is now in flight, blocked on releaseCB

	deregisterReturned := make(chan struct{})
	go func() {
		p.Deregister(reg, true)
		close(deregisterReturned)
	}()

	// Deregister must not have returned yet: the callback is still
	// in-flight and holding a reference.
	select {
	case <-deregisterReturned:
		t.Fatal("blocking Deregister returned before the in-flight callback finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseCB)

	select {
	case <-deregisterReturned:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Deregister never returned after the callback finished")
	}

	require.EqualValues(t, 1, invocations.Load())

	// The handle stays signalled (its channel is closed), yet no second
	// invocation may occur: the registration was already unlinked.
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, invocations.Load())
}

// Non-blocking Deregister returns as soon as the registration is unlinked,
// without waiting on any in-flight callback.
func TestDeregisterNonBlockingDoesNotWaitOnCallback(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(2), WithMaxWorkers(4))
	require.NoError(t, err)
	defer p.Close()

	h := newChanWaitHandle()
	enteredCB := make(chan struct{})
	releaseCB := make(chan struct{})
	defer close(releaseCB)

	reg, err := p.RegisterWait(h, 5*time.Second, true, func(timedOut bool) {
		close(enteredCB)
		<-releaseCB
	}, nil)
	require.NoError(t, err)

	h.signal()
	<-enteredCB

	done := make(chan struct{})
	go func() {
		p.Deregister(reg, false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("non-blocking Deregister unexpectedly waited on the in-flight callback")
	}
}

// A periodic (non-single-execution) registration re-arms its timeout after
// firing and fires again when that timeout elapses, with no signal at all.
func TestWaitRegistrationRearmsWhenNotSingleExecution(t *testing.T) {
	q := NewFuncQueue()
	p, err := New(q, WithMinWorkers(2), WithMaxWorkers(4))
	require.NoError(t, err)
	defer p.Close()

	var mu sync.Mutex
	var count int
	done := make(chan struct{})

	h := newChanWaitHandle()
	_, err = p.RegisterWait(h, 50*time.Millisecond, false, func(timedOut bool) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		if n >= 2 {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		mu.Lock()
		n := count
		mu.Unlock()
		t.Fatalf("registration only fired %d times via timeout re-arming", n)
	}
}
