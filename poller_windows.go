//go:build windows

package threadpool

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// readinessPort, native-IOCP edition. Watched handles are associated
// with the port using the handle value itself as the completion key, so
// await can attribute a packet to its handle without a side table.
type readinessPort struct {
	port windows.Handle
}

func (p *readinessPort) open() error {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return err
	}
	p.port = port
	return nil
}

func (p *readinessPort) watch(fd int) error {
	_, err := windows.CreateIoCompletionPort(windows.Handle(fd), p.port, uintptr(fd), 0)
	return err
}

// await dequeues at most one completion packet per call; the port
// coalesces the backlog, so draining one at a time keeps the serve loop
// responsive to shutdown without an event buffer.
func (p *readinessPort) await(ready []int, timeoutMs int) (int, error) {
	timeout := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		timeout = uint32(timeoutMs)
	}
	var bytes uint32
	var key uintptr
	var ov *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(p.port, &bytes, &key, &ov, timeout)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok && errno == windows.WAIT_TIMEOUT {
			return 0, nil
		}
		return 0, err
	}
	if len(ready) == 0 {
		return 0, nil
	}
	ready[0] = int(key)
	return 1, nil
}

func (p *readinessPort) shut() error {
	return windows.CloseHandle(p.port)
}
