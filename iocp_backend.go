package threadpool

import (
	"errors"
	"sync"
	"sync/atomic"
)

var errHandleAlreadyBound = errors.New("threadpool: handle already bound to completion port")

// ioReadinessBackend translates OS handle readiness into completions on
// the dispatcher's shared queue: a bound handle waking up is posted as a
// PostCompletion of its callback, so bound handles and directly-posted
// completions share one dequeue path. The backend owns the
// handle-to-callback table; the per-OS readinessPort (epoll on linux,
// kqueue on darwin, a native completion port on windows) only reports
// which handles woke.
type ioReadinessBackend struct {
	d *iocpDispatcher

	initOnce sync.Once
	initErr  error
	port     atomic.Pointer[readinessPort]
	closed   chan struct{}

	mu    sync.Mutex
	bound map[int]CompletionCallback
}

func newIOReadinessBackend(d *iocpDispatcher) *ioReadinessBackend {
	return &ioReadinessBackend{d: d, closed: make(chan struct{}), bound: make(map[int]CompletionCallback)}
}

// ensureInit opens the per-OS port and starts the serve loop on first
// use, so a dispatcher that never binds a handle never pays for either.
func (b *ioReadinessBackend) ensureInit() error {
	b.initOnce.Do(func() {
		p := new(readinessPort)
		if b.initErr = p.open(); b.initErr != nil {
			return
		}
		b.port.Store(p)
		go b.serve(p)
	})
	return b.initErr
}

func (b *ioReadinessBackend) bind(handle uintptr, cb CompletionCallback) error {
	if err := b.ensureInit(); err != nil {
		return err
	}
	fd := int(handle)
	b.mu.Lock()
	if _, dup := b.bound[fd]; dup {
		b.mu.Unlock()
		return errHandleAlreadyBound
	}
	b.bound[fd] = cb
	b.mu.Unlock()
	if err := b.port.Load().watch(fd); err != nil {
		b.mu.Lock()
		delete(b.bound, fd)
		b.mu.Unlock()
		return err
	}
	return nil
}

// serve drains the port until close. The 200ms await ceiling bounds how
// long shutdown can take to be observed; the port's own backlog absorbs
// any readiness that arrives meanwhile.
func (b *ioReadinessBackend) serve(p *readinessPort) {
	ready := make([]int, 128)
	for {
		select {
		case <-b.closed:
			return
		default:
		}
		n, err := p.await(ready, 200)
		if err != nil {
			return
		}
		for _, fd := range ready[:n] {
			b.mu.Lock()
			cb := b.bound[fd]
			b.mu.Unlock()
			if cb != nil {
				b.d.PostCompletion(cb)
			}
		}
	}
}

func (b *ioReadinessBackend) close() {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	if p := b.port.Load(); p != nil {
		_ = p.shut()
	}
}
