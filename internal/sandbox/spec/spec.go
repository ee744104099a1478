// Package spec defines the execution specification and resource limits.
package spec

import "time"

// ResourceLimit describes hard limits enforced by the sandbox.
// Zero means "not enforced" for every field.
type ResourceLimit struct {
	WallTimeMs  int64 `json:"wallTimeMs"`
	CPUTimeMs   int64 `json:"cpuTimeMs"`
	MemoryMB    int64 `json:"memoryMB"`
	StackMB     int64 `json:"stackMB"`
	OutputBytes int64 `json:"outputBytes"`
	PIDs        int64 `json:"pids"`
}

// WallTime returns the wall-clock limit as a duration.
func (l ResourceLimit) WallTime() time.Duration {
	return time.Duration(l.WallTimeMs) * time.Millisecond
}

// RunSpec is the execution specification for one job binary.
type RunSpec struct {
	JobID      string
	WorkDir    string
	Cmd        []string
	Stdin      string
	StdinPath  string
	StdoutPath string
	StderrPath string
	Limits     ResourceLimit
}

// HelperFailureExit is the exit status sandbox-init uses when it cannot set
// up the child. The exit status and stderr are only informational: a setup
// failure is reported on HelperStatusFD, which closes on exec so the user
// program can never write to it.
const (
	HelperFailureExit  = 125
	HelperStderrPrefix = "sandbox-init: "
	// HelperRequestFD is the descriptor the init request is passed on.
	HelperRequestFD = 3
	// HelperStatusFD carries a setup failure message back to the engine.
	HelperStatusFD = 4
)

// InitRequest is the payload handed to sandbox-init before it execs the
// user binary.
type InitRequest struct {
	Cmd            []string      `json:"cmd"`
	Env            []string      `json:"env"`
	Limits         ResourceLimit `json:"limits"`
	SeccompProfile string        `json:"seccompProfile,omitempty"`
}
