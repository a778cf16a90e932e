//go:build darwin

package threadpool

import "golang.org/x/sys/unix"

// readinessPort, kqueue edition. Each watched handle gets a read and a
// write filter; both stay armed for the life of the binding.
type readinessPort struct {
	kq  int
	buf [128]unix.Kevent_t
}

func (p *readinessPort) open() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	return nil
}

func (p *readinessPort) watch(fd int) error {
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE},
	}, nil, nil)
	return err
}

func (p *readinessPort) await(ready []int, timeoutMs int) (int, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1e6,
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.buf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n > len(ready) {
		n = len(ready)
	}
	for i := 0; i < n; i++ {
		ready[i] = int(p.buf[i].Ident)
	}
	return n, nil
}

func (p *readinessPort) shut() error {
	return unix.Close(p.kq)
}
