package threadpool

import "sync/atomic"

// Counts is the decoded view of the packed worker counter: four signed
// 16-bit fields observed and mutated together so the quadruple is never
// torn. See Counter for the packing/CAS protocol.
type Counts struct {
	Active     int16 // workers that exist and are not retired
	Working    int16 // subset of Active currently executing or about to seek work
	Retired    int16 // workers parked on the retirement semaphore
	MaxWorking int16 // current ceiling on Working
}

// pack encodes c into a single uint64, four 16-bit lanes, Active in the
// high lane down to MaxWorking in the low lane. Packing order is
// arbitrary but must match unpack.
func (c Counts) pack() uint64 {
	return uint64(uint16(c.Active))<<48 |
		uint64(uint16(c.Working))<<32 |
		uint64(uint16(c.Retired))<<16 |
		uint64(uint16(c.MaxWorking))
}

func unpack(v uint64) Counts {
	return Counts{
		Active:     int16(uint16(v >> 48)),
		Working:    int16(uint16(v >> 32)),
		Retired:    int16(uint16(v >> 16)),
		MaxWorking: int16(uint16(v)),
	}
}

// Counter is a single packed atomic word tracking {Active, Working,
// Retired, MaxWorking}. Every mutation reads the whole word, computes a
// new whole word, and commits via CAS; on mismatch the read/compute is
// retried. No field is ever mutated in isolation.
type Counter struct {
	v atomic.Uint64
}

// NewCounter creates a Counter seeded with the given initial counts.
func NewCounter(initial Counts) *Counter {
	c := &Counter{}
	c.v.Store(initial.pack())
	return c
}

// Snapshot performs an acquire-ordered load of the current counts.
//
// Go's atomic.Uint64.Load already provides the sequential-consistency
// guarantee an "acquire" load needs, so no further fence is required.
func (c *Counter) Snapshot() Counts {
	return unpack(c.v.Load())
}

// CAS attempts to replace expected with next. On success it returns next
// and true; on failure it returns the current value, decoded back to
// Counts, and false.
func (c *Counter) CAS(expected, next Counts) (observed Counts, ok bool) {
	if c.v.CompareAndSwap(expected.pack(), next.pack()) {
		return next, true
	}
	return unpack(c.v.Load()), false
}

// Update reads the counter, computes a replacement via fn, and commits
// via CAS, retrying on mismatch. fn returns the new Counts and a bool;
// when the bool is false, Update aborts without committing and returns
// the observed (unmodified) Counts.
func (c *Counter) Update(fn func(old Counts) (Counts, bool)) (result Counts, applied bool) {
	for {
		old := c.Snapshot()
		next, do := fn(old)
		if !do {
			return old, false
		}
		if next == old {
			return old, true
		}
		observed, ok := c.CAS(old, next)
		if ok {
			return observed, true
		}
		// retry from the freshly observed value
	}
}
