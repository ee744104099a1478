// Package workspace allocates and removes the private directory each job
// compiles and runs in.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"

	"phcode/internal/sandbox/proc"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	sourceFile     = "source.cpp"
	executableBase = "program"
	inputFile      = "stdin.txt"
	stdoutFile     = "stdout.txt"
	stderrFile     = "stderr.txt"
)

// Workspace is the directory owned by one job and the fixed paths inside it.
type Workspace struct {
	JobID          string
	Root           string
	SourcePath     string
	ExecutablePath string
	InputPath      string
	StdoutPath     string
	StderrPath     string

	released atomic.Bool
}

// Manager creates workspaces under a base directory.
type Manager struct {
	baseDir string
}

// NewManager returns a manager rooted at baseDir; an empty baseDir means the
// system temp directory.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &Manager{baseDir: baseDir}
}

// BaseDir returns the directory workspaces are created in.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Acquire creates a fresh, empty directory for jobID. Two calls never share a
// directory, even with the same jobID.
func (m *Manager) Acquire(ctx context.Context, jobID string) (*Workspace, error) {
	if jobID == "" {
		return nil, appErr.ValidationError("job_id", "required")
	}
	if err := ctx.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.Canceled, "acquire workspace canceled")
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace base %s failed", m.baseDir)
	}
	root, err := os.MkdirTemp(m.baseDir, "job-"+jobID+"-")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "create workspace failed")
	}
	// Other users need to traverse into the directory when the sandbox drops
	// privileges or bind mounts it into a container.
	if err := os.Chmod(root, 0o755); err != nil {
		_ = os.RemoveAll(root)
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "chmod workspace failed")
	}

	ws := &Workspace{
		JobID:          jobID,
		Root:           root,
		SourcePath:     filepath.Join(root, sourceFile),
		ExecutablePath: filepath.Join(root, proc.ExecutableName(executableBase)),
		InputPath:      filepath.Join(root, inputFile),
		StdoutPath:     filepath.Join(root, stdoutFile),
		StderrPath:     filepath.Join(root, stderrFile),
	}
	logger.Debug(ctx, "workspace acquired", zap.String("path", root))
	return ws, nil
}

// Release removes the workspace and everything in it. It is idempotent and
// never fails the caller: removal errors are logged.
func (m *Manager) Release(ctx context.Context, ws *Workspace) {
	if ws == nil || !ws.released.CompareAndSwap(false, true) {
		return
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		logger.Warn(ctx, "workspace cleanup failed", zap.String("path", ws.Root), zap.Error(err))
		return
	}
	logger.Debug(ctx, "workspace released", zap.String("path", ws.Root))
}

// With acquires a workspace, runs fn and releases the workspace on every
// return path, including a panic in fn.
func (m *Manager) With(ctx context.Context, jobID string, fn func(*Workspace) error) error {
	ws, err := m.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer m.Release(context.WithoutCancel(ctx), ws)
	return fn(ws)
}
