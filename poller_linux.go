//go:build linux

package threadpool

import "golang.org/x/sys/unix"

// readinessPort, epoll edition. Interest is fixed at bind time
// (read/write/peer-hangup, level-triggered); the backend never narrows
// or re-arms it after watch.
type readinessPort struct {
	epfd int
	buf  [128]unix.EpollEvent
}

func (p *readinessPort) open() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	return nil
}

func (p *readinessPort) watch(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	})
}

// await blocks up to timeoutMs, copies the handles that woke into
// ready, and returns how many. EINTR reports as zero events so the
// serve loop simply polls again.
func (p *readinessPort) await(ready []int, timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
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
		ready[i] = int(p.buf[i].Fd)
	}
	return n, nil
}

func (p *readinessPort) shut() error {
	return unix.Close(p.epfd)
}
