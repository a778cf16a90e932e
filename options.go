// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package threadpool

import (
	"runtime"
	"time"
)

// poolOptions holds configuration resolved from Option values passed to
// New.
type poolOptions struct {
	minWorkers                 int
	maxWorkers                 int
	minIOCP                    int
	maxIOCP                    int
	hillClimbingSampleInterval time.Duration
	gateTick                   time.Duration
	workerIdleTimeout          time.Duration
	waitThreadIdleTimeout      time.Duration
	enableWorkerTracking       bool
	disableStarvationDetection bool
	logger                     Logger
	notifyRateWindow           time.Duration
	notifyRateBurst            int
}

// --- Pool Options ---

// Option configures a Pool instance.
type Option interface {
	apply(*poolOptions) error
}

// optionFunc implements Option.
type optionFunc struct {
	fn func(*poolOptions) error
}

func (o *optionFunc) apply(opts *poolOptions) error {
	return o.fn(opts)
}

// WithMinWorkers sets the floor on active workers (default: runtime.NumCPU()).
func WithMinWorkers(n int) Option {
	return &optionFunc{func(opts *poolOptions) error {
		if n < 0 {
			return newInvalidArgumentError("min_workers must be >= 0, got %d", n)
		}
		opts.minWorkers = n
		return nil
	}}
}

// WithMaxWorkers sets the ceiling on active workers.
func WithMaxWorkers(n int) Option {
	return &optionFunc{func(opts *poolOptions) error {
		if n <= 0 {
			return newInvalidArgumentError("max_workers must be > 0, got %d", n)
		}
		opts.maxWorkers = n
		return nil
	}}
}

// WithIOCPLimits sets the floor and ceiling on the I/O completion
// dispatcher's worker count.
func WithIOCPLimits(min, max int) Option {
	return &optionFunc{func(opts *poolOptions) error {
		if min < 0 || max <= 0 || min > max {
			return newInvalidArgumentError("invalid iocp limits: min=%d max=%d", min, max)
		}
		opts.minIOCP = min
		opts.maxIOCP = max
		return nil
	}}
}

// WithHillClimbingSampleInterval overrides the initial hill-climbing
// sample interval (default 100ms).
func WithHillClimbingSampleInterval(d time.Duration) Option {
	return &optionFunc{func(opts *poolOptions) error {
		if d <= 0 {
			return newInvalidArgumentError("hill_climbing_sample_interval_ms must be > 0")
		}
		opts.hillClimbingSampleInterval = d
		return nil
	}}
}

// WithGateTick overrides the gate thread's tick period (default 500ms).
func WithGateTick(d time.Duration) Option {
	return &optionFunc{func(opts *poolOptions) error {
		if d <= 0 {
			return newInvalidArgumentError("gate_tick_ms must be > 0")
		}
		opts.gateTick = d
		return nil
	}}
}

// WithWorkerIdleTimeout overrides how long an idle worker waits on the
// activation semaphore before exiting (default 20s).
func WithWorkerIdleTimeout(d time.Duration) Option {
	return &optionFunc{func(opts *poolOptions) error {
		if d <= 0 {
			return newInvalidArgumentError("worker_idle_timeout_ms must be > 0")
		}
		opts.workerIdleTimeout = d
		return nil
	}}
}

// WithWaitThreadIdleTimeout overrides how long a wait thread with zero
// registrations waits before self-terminating (default 5m). See
// DESIGN.md's "wait thread self-termination" resolution.
func WithWaitThreadIdleTimeout(d time.Duration) Option {
	return &optionFunc{func(opts *poolOptions) error {
		if d <= 0 {
			return newInvalidArgumentError("wait thread idle timeout must be > 0")
		}
		opts.waitThreadIdleTimeout = d
		return nil
	}}
}

// WithWorkerTracking enables the gate thread's max-working-since-last-sample
// telemetry, and makes worker-tracking one of the gate's "needs gate"
// predicates (it keeps the gate alive even when otherwise idle).
func WithWorkerTracking(enabled bool) Option {
	return &optionFunc{func(opts *poolOptions) error {
		opts.enableWorkerTracking = enabled
		return nil
	}}
}

// WithStarvationDetectionDisabled disables the gate's starvation-injection
// step. Intended for tests and diagnostics.
func WithStarvationDetectionDisabled(disabled bool) Option {
	return &optionFunc{func(opts *poolOptions) error {
		opts.disableStarvationDetection = disabled
		return nil
	}}
}

// WithLogger installs a Logger for this Pool only, overriding the global
// default installed via SetGlobalLogger.
func WithLogger(l Logger) Option {
	return &optionFunc{func(opts *poolOptions) error {
		opts.logger = l
		return nil
	}}
}

// WithNotifyRateWindow configures the notify-arrival-rate starvation
// signal (see dispatch.go's notifyRateWindow): more than burst calls to
// NotifyWorkAvailable within window is reported to the gate thread as a
// throttling signal. Disabled by default (window == 0).
func WithNotifyRateWindow(window time.Duration, burst int) Option {
	return &optionFunc{func(opts *poolOptions) error {
		opts.notifyRateWindow = window
		opts.notifyRateBurst = burst
		return nil
	}}
}

// resolvePoolOptions applies Option values over the package defaults.
func resolvePoolOptions(opts []Option) (*poolOptions, error) {
	cfg := &poolOptions{
		minWorkers:                 runtime.NumCPU(),
		maxWorkers:                 defaultMaxWorkers(),
		minIOCP:                    runtime.NumCPU(),
		maxIOCP:                    defaultMaxWorkers(),
		hillClimbingSampleInterval: 100 * time.Millisecond,
		gateTick:                   500 * time.Millisecond,
		workerIdleTimeout:          20 * time.Second,
		waitThreadIdleTimeout:      5 * time.Minute,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.maxWorkers < cfg.minWorkers {
		return nil, newInvalidArgumentError("max_workers (%d) must be >= min_workers (%d)", cfg.maxWorkers, cfg.minWorkers)
	}
	if cfg.maxIOCP < cfg.minIOCP {
		return nil, newInvalidArgumentError("max_iocp (%d) must be >= min_iocp (%d)", cfg.maxIOCP, cfg.minIOCP)
	}
	return cfg, nil
}

// defaultMaxWorkers replaces a virtual-address-space/stack-size default
// that makes sense for OS threads: Go goroutines have no fixed stack
// reservation, so this package instead bounds the default to a generous,
// CPU-scaled ceiling.
func defaultMaxWorkers() int {
	n := runtime.NumCPU() * 256
	if n < 1024 {
		n = 1024
	}
	return n
}
