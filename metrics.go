package threadpool

import "sync/atomic"

// completionCounter is the process-wide tally of dispatched work items.
// HillClimber samples deltas off it to derive throughput for its own
// adjustment windows, and the gate's optional worker-tracking telemetry
// reads the same running total directly (fireWorkerTrackingTelemetry)
// rather than maintaining a second, independently-bucketed rate counter.
type completionCounter struct {
	n atomic.Int64
}

func (c *completionCounter) Increment() { c.n.Add(1) }

func (c *completionCounter) Load() int64 { return c.n.Load() }
