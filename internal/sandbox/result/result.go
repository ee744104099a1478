// Package result defines sandbox outcomes and the caller-facing result shape.
package result

import (
	"time"

	appErr "phcode/pkg/errors"
)

// Kind is the terminal classification of a job.
type Kind string

const (
	KindCompleted           Kind = "Completed"
	KindSecurityViolation   Kind = "SecurityViolation"
	KindToolchainNotFound   Kind = "ToolchainNotFound"
	KindCompileFailure      Kind = "CompileFailure"
	KindCompileTimeout      Kind = "CompileTimeout"
	KindRuntimeError        Kind = "RuntimeError"
	KindExecutionTimeout    Kind = "ExecutionTimeout"
	KindMemoryLimitExceeded Kind = "MemoryLimitExceeded"
	KindOutputLimitExceeded Kind = "OutputLimitExceeded"
	KindCanceled            Kind = "Canceled"
	KindInternalError       Kind = "InternalError"
)

var kindCodes = map[Kind]appErr.ErrorCode{
	KindCompleted:           appErr.Success,
	KindSecurityViolation:   appErr.SecurityViolation,
	KindToolchainNotFound:   appErr.ToolchainNotFound,
	KindCompileFailure:      appErr.CompilationError,
	KindCompileTimeout:      appErr.CompileTimeout,
	KindRuntimeError:        appErr.RuntimeError,
	KindExecutionTimeout:    appErr.TimeLimitExceeded,
	KindMemoryLimitExceeded: appErr.MemoryLimitExceeded,
	KindOutputLimitExceeded: appErr.OutputLimitExceeded,
	KindCanceled:            appErr.Canceled,
	KindInternalError:       appErr.InternalServerError,
}

// Code returns the error code logged and counted for a job of this kind.
func (k Kind) Code() appErr.ErrorCode {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return appErr.InternalServerError
}

// CompileOutcome contains compilation outcomes.
type CompileOutcome struct {
	Success     bool
	Diagnostics string
	Warnings    string
	TimedOut    bool
	ExitCode    int
	Duration    time.Duration
}

// RunOutcome captures raw sandbox execution data.
type RunOutcome struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	// Signal names the terminating signal, empty for a normal exit.
	Signal   string
	WallTime time.Duration
	CPUTime  time.Duration
	// MemoryKB is the peak resident memory when the platform reports it.
	MemoryKB       int64
	TimedOut       bool
	MemoryExceeded bool
	OutputExceeded bool
	// MemoryLimited reports whether a memory ceiling was actually applied.
	MemoryLimited bool
}

// Result is the single terminal report produced for every job.
type Result struct {
	JobID           string
	Kind            Kind
	Output          string
	Errors          string
	Warnings        string
	Stats           string
	ViolatedPattern string
	Compile         *CompileOutcome
	Run             *RunOutcome
}

// Response is the wire shape the front end consumes. Field names are fixed.
type Response struct {
	Result   string `json:"Result"`
	Errors   string `json:"Errors"`
	Warnings string `json:"Warnings"`
	Stats    string `json:"Stats"`
}

// Response projects the result onto the caller contract.
func (r Result) Response() Response {
	return Response{
		Result:   r.Output,
		Errors:   r.Errors,
		Warnings: r.Warnings,
		Stats:    r.Stats,
	}
}

// Succeeded reports whether the program ran to a clean exit.
func (r Result) Succeeded() bool {
	return r.Kind == KindCompleted
}
