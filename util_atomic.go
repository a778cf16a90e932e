package threadpool

import (
	"math"
	"sync/atomic"
	"time"
)

// atomicFloat stores a float64 behind an atomic.Uint64 bit-cast, avoiding
// a mutex for the gate's single "last observed CPU utilization" reading.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

// atomicTime stores a time.Time behind atomic.Value, used for
// last-dequeue/last-creation timestamps read across goroutines without a
// mutex.
type atomicTime struct {
	v atomic.Value
}

func (t *atomicTime) Store(v time.Time) {
	t.v.Store(v)
}

func (t *atomicTime) Load() time.Time {
	v, _ := t.v.Load().(time.Time)
	return v
}
