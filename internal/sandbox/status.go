package sandbox

import (
	"context"
	"time"
)

// JobState is a lifecycle stage of a job.
type JobState string

const (
	StateReceived       JobState = "Received"
	StateScreened       JobState = "Screened"
	StateRejected       JobState = "Rejected"
	StateCompiling      JobState = "Compiling"
	StateCompileFailed  JobState = "CompileFailed"
	StateCompiled       JobState = "Compiled"
	StateRunning        JobState = "Running"
	StateTimedOut       JobState = "TimedOut"
	StateMemoryExceeded JobState = "MemoryExceeded"
	StateRuntimeError   JobState = "RuntimeError"
	StateCompleted      JobState = "Completed"
	StateCanceled       JobState = "Canceled"
	StateFailed         JobState = "Failed"
)

// Terminal reports whether no further transition follows s.
func (s JobState) Terminal() bool {
	switch s {
	case StateRejected, StateCompileFailed, StateTimedOut, StateMemoryExceeded,
		StateRuntimeError, StateCompleted, StateCanceled, StateFailed:
		return true
	}
	return false
}

// StatusUpdate carries one state transition.
type StatusUpdate struct {
	JobID string
	State JobState
	At    time.Time
}

// StatusReporter receives state transitions. Errors are logged and never
// affect the job.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}
