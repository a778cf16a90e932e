//go:build linux

package threadpool

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// cpuTimeSampler computes process CPU utilization, normalized across
// GOMAXPROCS, from consecutive getrusage(2) snapshots. Follows the same
// per-OS build-tag convention as the poller files (poller_linux.go);
// library: golang.org/x/sys/unix, mirroring the poller's own dependency
// so the gate thread's CPU sampling shares the same syscall surface the
// I/O dispatcher already pulls in.
type cpuTimeSampler struct {
	haveLast bool
	lastCPU  time.Duration
	lastWall time.Time
}

func newCPUSampler() cpuSampler {
	return &cpuTimeSampler{}
}

func (s *cpuTimeSampler) Sample() (float64, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	now := time.Now()
	cpu := time.Duration(ru.Utime.Nano()) + time.Duration(ru.Stime.Nano())

	if !s.haveLast {
		s.haveLast = true
		s.lastCPU, s.lastWall = cpu, now
		return 0, false
	}

	cpuDelta := cpu - s.lastCPU
	wallDelta := now.Sub(s.lastWall)
	s.lastCPU, s.lastWall = cpu, now
	if wallDelta <= 0 {
		return 0, false
	}

	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	util := 100 * cpuDelta.Seconds() / (wallDelta.Seconds() * float64(n))
	if util < 0 {
		util = 0
	}
	if util > 100 {
		util = 100
	}
	return util, true
}
