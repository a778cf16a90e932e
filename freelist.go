package threadpool

import (
	"runtime"
	"sync"
)

// freelistCap is the fixed per-shard capacity of the recycled-record
// freelists. Heuristic; sized to match the 256-entry fixed-size event
// buffers used elsewhere in this package for texture consistency rather
// than any measured value. See DESIGN.md.
const freelistCap = 256

// waitRegistrationFreelist recycles *waitRegistration records across
// per-CPU-shard LIFO stacks, bounded by freelistCap; overflow falls
// through to ordinary allocation, reducing allocator pressure on hot
// paths.
type waitRegistrationFreelist struct {
	shards []waitRegistrationShard
}

type waitRegistrationShard struct {
	mu    sync.Mutex
	items []*waitRegistration
}

func newWaitRegistrationFreelist() *waitRegistrationFreelist {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return &waitRegistrationFreelist{shards: make([]waitRegistrationShard, n)}
}

func (f *waitRegistrationFreelist) shard() *waitRegistrationShard {
	idx := int(goroutineShardHint()) % len(f.shards)
	if idx < 0 {
		idx = -idx
	}
	return &f.shards[idx]
}

// Get returns a recycled *waitRegistration, or nil if none is available.
func (f *waitRegistrationFreelist) Get() *waitRegistration {
	s := f.shard()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	if n == 0 {
		return nil
	}
	r := s.items[n-1]
	s.items[n-1] = nil
	s.items = s.items[:n-1]
	return r
}

// Put returns r to the freelist, dropping it if the shard is already at
// capacity (overflow delegates to the general allocator).
func (f *waitRegistrationFreelist) Put(r *waitRegistration) {
	*r = waitRegistration{}
	s := f.shard()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= freelistCap {
		return
	}
	s.items = append(s.items, r)
}
