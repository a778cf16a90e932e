package threadpool

import "sync/atomic"

// atomicState is a lock-free enum state machine with cache-line padding,
// used for small CAS-driven state words: the gate thread's {NotRunning,
// Requested, WaitingForRequest} lifecycle.
//
// Deliberately does no transition validation: callers are responsible
// for only ever attempting valid transitions via TryTransition's CAS.
type atomicState struct { //nolint:unused
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

func newAtomicState(initial uint64) *atomicState {
	s := &atomicState{}
	s.v.Store(initial)
	return s
}

func (s *atomicState) Load() uint64 { return s.v.Load() }

func (s *atomicState) Store(v uint64) { s.v.Store(v) }

func (s *atomicState) Exchange(v uint64) uint64 { return s.v.Swap(v) }

func (s *atomicState) TryTransition(from, to uint64) bool {
	return s.v.CompareAndSwap(from, to)
}
