//go:build windows

package threadpool

import (
	"runtime"
	"time"

	"golang.org/x/sys/windows"
)

// cpuTimeSampler samples process CPU utilization via GetProcessTimes,
// the Windows analogue of cpu_linux.go/cpu_darwin.go's getrusage
// sampler. Library: golang.org/x/sys/windows, the same module the
// poller_windows.go IOCP binding already depends on.
type cpuTimeSampler struct {
	haveLast bool
	lastCPU  time.Duration
	lastWall time.Time
}

func newCPUSampler() cpuSampler {
	return &cpuTimeSampler{}
}

func filetimeTicks(ft windows.Filetime) int64 {
	return int64(uint64(ft.HighDateTime)<<32 | uint64(ft.LowDateTime))
}

func (s *cpuTimeSampler) Sample() (float64, bool) {
	var creation, exit, kernel, user windows.Filetime
	if err := windows.GetProcessTimes(windows.CurrentProcess(), &creation, &exit, &kernel, &user); err != nil {
		return 0, false
	}
	now := time.Now()
	cpu := time.Duration((filetimeTicks(kernel) + filetimeTicks(user)) * 100)

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
