package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"phcode/internal/sandbox/proc"
	"phcode/internal/sandbox/result"
	"phcode/internal/sandbox/spec"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// processEngine runs the program as a host child process. Platform files
// supply probe, buildCommand and the isolation handle.
type processEngine struct {
	cfg    Config
	helper string
	caps   Capabilities
}

// NewProcessEngine probes the host and returns the process backend. Missing
// isolation features degrade the reported capabilities instead of failing.
func NewProcessEngine(cfg Config) Engine {
	e := &processEngine{cfg: cfg}
	e.probe()
	logger.Info(context.Background(), "sandbox engine ready",
		zap.String("backend", BackendProcess),
		zap.Bool("memory_limit", e.caps.MemoryLimit),
		zap.String("memory_note", e.caps.MemoryLimitNote),
		zap.Bool("cgroup", e.caps.Cgroup),
		zap.Bool("seccomp", e.caps.Seccomp),
	)
	return e
}

func (e *processEngine) Capabilities() Capabilities {
	return e.caps
}

func (e *processEngine) Close() error {
	return nil
}

// outputDrainDelay bounds how long Wait keeps copying capped streams after
// the program exited while a leftover child still holds them open.
const outputDrainDelay = time.Second

type runFiles struct {
	stdin, stdout, stderr *os.File
}

func openRunFiles(rs spec.RunSpec) (*runFiles, error) {
	if err := os.WriteFile(rs.StdinPath, []byte(rs.Stdin), 0o644); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "write stdin failed")
	}
	files := &runFiles{}
	var err error
	if files.stdin, err = os.Open(rs.StdinPath); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "open stdin failed")
	}
	if files.stdout, err = os.OpenFile(rs.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
		_ = files.close()
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "open stdout failed")
	}
	if files.stderr, err = os.OpenFile(rs.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err != nil {
		_ = files.close()
		return nil, appErr.Wrapf(err, appErr.WorkspaceError, "open stderr failed")
	}
	return files, nil
}

func (f *runFiles) close() error {
	var err error
	for _, file := range []*os.File{f.stdin, f.stdout, f.stderr} {
		if file != nil {
			err = multierr.Append(err, file.Close())
		}
	}
	return err
}

func (e *processEngine) Run(ctx context.Context, rs spec.RunSpec) (result.RunOutcome, error) {
	if err := validateRunSpec(rs); err != nil {
		return result.RunOutcome{}, err
	}
	rs = withDefaultPaths(rs)

	files, err := openRunFiles(rs)
	if err != nil {
		return result.RunOutcome{}, err
	}
	defer func() {
		if err := files.close(); err != nil {
			logger.Warn(ctx, "close run files failed", zap.Error(err))
		}
	}()

	cmd, iso, err := e.buildCommand(ctx, rs)
	if err != nil {
		return result.RunOutcome{}, err
	}
	defer iso.release(ctx)

	cmd.Dir = rs.WorkDir
	cmd.Stdin = files.stdin
	cmd.Stdout = files.stdout
	cmd.Stderr = files.stderr

	overflow := make(chan struct{})
	if e.helper == "" && rs.Limits.OutputBytes > 0 {
		// No RLIMIT_FSIZE without the helper: cap the streams and kill the
		// group as soon as either passes the limit.
		var once sync.Once
		exceeded := func() { once.Do(func() { close(overflow) }) }
		cmd.Stdout = newLimitWriter(files.stdout, rs.Limits.OutputBytes, exceeded)
		cmd.Stderr = newLimitWriter(files.stderr, rs.Limits.OutputBytes, exceeded)
		cmd.WaitDelay = outputDrainDelay
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "executable not found: %s", cmd.Path)
		}
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "start sandboxed process failed")
	}
	iso.started()

	var timedOut, canceled atomic.Bool
	done := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		var timeout <-chan time.Time
		if wall := rs.Limits.WallTime(); wall > 0 {
			timer := time.NewTimer(wall)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-done:
			return
		case <-timeout:
			timedOut.Store(true)
		case <-ctx.Done():
			canceled.Store(true)
		case <-overflow:
		}
		if err := iso.kill(cmd.Process); err != nil {
			logger.Warn(ctx, "kill sandboxed process failed", zap.Error(err))
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	<-watcherDone
	wall := time.Since(start)
	// Background children the program left in its group.
	_ = iso.kill(cmd.Process)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return result.RunOutcome{}, appErr.Wrapf(waitErr, appErr.SandboxSetupFailed, "wait sandboxed process failed")
	}

	state := cmd.ProcessState
	exit := proc.Describe(state)
	outcome := result.RunOutcome{
		ExitStatus:    exit.Code,
		Signal:        exit.Signal,
		WallTime:      wall,
		CPUTime:       state.UserTime() + state.SystemTime(),
		MemoryKB:      iso.peakMemoryKB(state),
		TimedOut:      timedOut.Load(),
		MemoryLimited: e.caps.MemoryLimit && rs.Limits.MemoryMB > 0,
	}

	stdout, stdoutCut, err := readLimitedFile(rs.StdoutPath, rs.Limits.OutputBytes)
	if err != nil {
		return outcome, appErr.Wrapf(err, appErr.WorkspaceError, "read stdout failed")
	}
	stderr, stderrCut, err := readLimitedFile(rs.StderrPath, rs.Limits.OutputBytes)
	if err != nil {
		return outcome, appErr.Wrapf(err, appErr.WorkspaceError, "read stderr failed")
	}
	outcome.Stdout = stdout
	outcome.Stderr = stderr

	if canceled.Load() {
		return outcome, appErr.Wrapf(ctx.Err(), appErr.Canceled, "execution canceled")
	}
	if msg := iso.setupFailure(ctx); msg != "" {
		return outcome, appErr.Newf(appErr.SandboxSetupFailed, "%s", msg)
	}

	outcome.MemoryExceeded = iso.oomKilled() || memoryExhausted(stderr)
	outcome.OutputExceeded = stdoutCut || stderrCut || exit.FileSizeExceeded
	return outcome, nil
}
