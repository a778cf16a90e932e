//go:build darwin

package threadpool

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// cpuTimeSampler mirrors cpu_linux.go's getrusage(2)-based sampler; see
// that file's doc comment for the rationale. Darwin's unix.Rusage shares
// the same Utime/Stime Timeval shape, so the sampling logic is
// byte-for-byte identical, only the build tag differs.
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
