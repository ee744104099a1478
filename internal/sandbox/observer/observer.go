// Package observer defines metrics hooks for sandbox execution.
package observer

import (
	"context"
	"time"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveRejected(ctx context.Context, pattern string)
	ObserveCompile(ctx context.Context, ok bool, timedOut bool, duration time.Duration)
	ObserveRun(ctx context.Context, outcome string, wall time.Duration, memoryKB int64)
	ObserveJob(ctx context.Context, kind string, duration time.Duration)
	SetInFlight(n int64)
}

// NoopMetricsRecorder discards all metrics.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveRejected(context.Context, string)                   {}
func (NoopMetricsRecorder) ObserveCompile(context.Context, bool, bool, time.Duration) {}
func (NoopMetricsRecorder) ObserveRun(context.Context, string, time.Duration, int64)  {}
func (NoopMetricsRecorder) ObserveJob(context.Context, string, time.Duration)         {}
func (NoopMetricsRecorder) SetInFlight(int64)                                         {}
