// Package engine provides sandbox execution backends for compiled programs.
package engine

import (
	"context"
	"path/filepath"

	"phcode/internal/sandbox/result"
	"phcode/internal/sandbox/spec"
	appErr "phcode/pkg/errors"
)

// Engine executes a single binary under resource limits.
type Engine interface {
	// Run executes rs.Cmd and blocks until it exits, is killed on a limit,
	// or ctx is done. Limit violations are reported in the outcome; the
	// error is reserved for cancellation and sandbox faults.
	Run(ctx context.Context, rs spec.RunSpec) (result.RunOutcome, error)
	// Capabilities reports what the backend enforces on this host.
	Capabilities() Capabilities
	Close() error
}

// Capabilities is probed once when the engine is constructed.
type Capabilities struct {
	Backend          string `json:"backend"`
	MemoryLimit      bool   `json:"memoryLimit"`
	MemoryLimitNote  string `json:"memoryLimitNote,omitempty"`
	ProcessGroupKill bool   `json:"processGroupKill"`
	Cgroup           bool   `json:"cgroup"`
	Seccomp          bool   `json:"seccomp"`
}

// New builds the engine selected by cfg.Backend.
func New(cfg Config) (Engine, error) {
	switch cfg.Backend {
	case "", BackendProcess:
		return NewProcessEngine(cfg), nil
	case BackendDocker:
		return NewDockerEngine(cfg.Docker)
	default:
		return nil, appErr.Newf(appErr.ConfigInvalid, "unknown sandbox backend %q", cfg.Backend)
	}
}

func validateRunSpec(rs spec.RunSpec) error {
	if len(rs.Cmd) == 0 || rs.Cmd[0] == "" {
		return appErr.ValidationError("cmd", "required")
	}
	if rs.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if !filepath.IsAbs(rs.WorkDir) {
		return appErr.ValidationError("work_dir", "must be absolute")
	}
	if rs.Limits.WallTimeMs < 0 || rs.Limits.MemoryMB < 0 || rs.Limits.OutputBytes < 0 {
		return appErr.ValidationError("limits", "must not be negative")
	}
	return nil
}

// withDefaultPaths fills the stdio file paths inside the work dir.
func withDefaultPaths(rs spec.RunSpec) spec.RunSpec {
	if rs.StdinPath == "" {
		rs.StdinPath = filepath.Join(rs.WorkDir, "stdin.txt")
	}
	if rs.StdoutPath == "" {
		rs.StdoutPath = filepath.Join(rs.WorkDir, "stdout.txt")
	}
	if rs.StderrPath == "" {
		rs.StderrPath = filepath.Join(rs.WorkDir, "stderr.txt")
	}
	return rs
}
