//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"os/exec"

	"phcode/internal/sandbox/proc"
	"phcode/internal/sandbox/spec"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// maxRequestBytes keeps the init request inside one pipe buffer so writing it
// before the helper starts cannot block.
const maxRequestBytes = 60 << 10

// maxStatusBytes caps how much of a helper failure report is read.
const maxStatusBytes = 4 << 10

func (e *processEngine) probe() {
	ctx := context.Background()
	e.caps = Capabilities{Backend: BackendProcess, ProcessGroupKill: true}

	if e.cfg.HelperPath != "" {
		path, err := exec.LookPath(e.cfg.HelperPath)
		if err != nil {
			logger.Warn(ctx, "sandbox-init helper unavailable, running programs directly",
				zap.String("helper", e.cfg.HelperPath), zap.Error(err))
		} else {
			e.helper = path
		}
	}
	if e.cfg.EnableCgroup {
		if err := cgroupUsable(e.cfg.CgroupRoot); err != nil {
			logger.Warn(ctx, "cgroup limits disabled", zap.String("root", e.cfg.CgroupRoot), zap.Error(err))
		} else {
			e.caps.Cgroup = true
		}
	}

	e.caps.MemoryLimit = e.helper != "" || e.caps.Cgroup
	if !e.caps.MemoryLimit {
		e.caps.MemoryLimitNote = "not enforced (sandbox-init helper unavailable)"
	}
	e.caps.Seccomp = e.helper != "" && e.cfg.EnableSeccomp && e.cfg.SeccompProfile != ""
}

// isolation tracks the per-run kernel resources around one child.
type isolation struct {
	cgroupPath string
	cgroupDir  *os.File
	request    *os.File
	// status is the read end of the helper's close-on-exec failure pipe.
	status       *os.File
	statusWriter *os.File
	helper       bool
}

func (e *processEngine) buildCommand(ctx context.Context, rs spec.RunSpec) (*exec.Cmd, *isolation, error) {
	iso := &isolation{}

	if e.caps.Cgroup {
		path, err := createRunCgroup(e.cfg.CgroupRoot, rs.JobID)
		if err != nil {
			return nil, nil, err
		}
		iso.cgroupPath = path
		if err := applyCgroupLimits(path, rs.Limits); err != nil {
			iso.release(ctx)
			return nil, nil, err
		}
		dir, err := os.Open(path)
		if err != nil {
			iso.release(ctx)
			return nil, nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "open cgroup failed")
		}
		iso.cgroupDir = dir
	}

	var cmd *exec.Cmd
	if e.helper != "" {
		req := spec.InitRequest{
			Cmd:    rs.Cmd,
			Env:    proc.MinimalEnv(),
			Limits: rs.Limits,
		}
		if e.caps.Seccomp {
			req.SeccompProfile = e.cfg.SeccompProfile
		}
		reqFile, err := requestPipe(req)
		if err != nil {
			iso.release(ctx)
			return nil, nil, err
		}
		iso.request = reqFile
		iso.helper = true
		statusR, statusW, err := os.Pipe()
		if err != nil {
			iso.release(ctx)
			return nil, nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create status pipe failed")
		}
		iso.status, iso.statusWriter = statusR, statusW
		cmd = exec.Command(e.helper)
		// Order matches spec.HelperRequestFD and spec.HelperStatusFD.
		cmd.ExtraFiles = []*os.File{reqFile, statusW}
	} else {
		cmd = exec.Command(rs.Cmd[0], rs.Cmd[1:]...)
	}
	cmd.Env = proc.MinimalEnv()
	proc.Prepare(cmd)
	if iso.cgroupDir != nil {
		// Joining at clone time leaves no window where the child runs
		// outside its limits.
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(iso.cgroupDir.Fd())
	}
	return cmd, iso, nil
}

// requestPipe writes the encoded request into a pipe and returns its read end.
func requestPipe(req spec.InitRequest) (*os.File, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "encode init request failed")
	}
	if len(payload) > maxRequestBytes {
		return nil, appErr.Newf(appErr.SandboxSetupFailed, "init request too large: %d bytes", len(payload))
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create init pipe failed")
	}
	_, werr := w.Write(payload)
	if err := multierr.Append(werr, w.Close()); err != nil {
		_ = r.Close()
		return nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "write init request failed")
	}
	return r, nil
}

// started drops the parent's copies of descriptors the child inherited.
func (iso *isolation) started() {
	if iso.request != nil {
		_ = iso.request.Close()
		iso.request = nil
	}
	if iso.statusWriter != nil {
		_ = iso.statusWriter.Close()
		iso.statusWriter = nil
	}
}

// setupFailure returns what the helper reported on its status pipe. The
// pipe closes on exec, so an empty read means the program itself ran and
// its exit status belongs to it. Call only after the child was waited for.
func (iso *isolation) setupFailure(ctx context.Context) string {
	if iso.status == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(iso.status, maxStatusBytes))
	if err != nil {
		logger.Warn(ctx, "read sandbox-init status failed", zap.Error(err))
	}
	return strings.TrimSpace(string(data))
}

func (iso *isolation) kill(p *os.Process) error {
	err := proc.KillTree(p)
	if iso.cgroupPath != "" {
		err = multierr.Append(err, killCgroup(iso.cgroupPath))
	}
	return err
}

func (iso *isolation) oomKilled() bool {
	return wasOomKilled(iso.cgroupPath)
}

func (iso *isolation) peakMemoryKB(state *os.ProcessState) int64 {
	if iso.cgroupPath != "" {
		if val, err := readCgroupInt(iso.cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val / 1024
		}
	}
	// Rusage keeps the helper's own high water mark across exec, which
	// would dwarf small programs.
	if iso.helper {
		return 0
	}
	return proc.PeakMemoryKB(state)
}

func (iso *isolation) release(ctx context.Context) {
	var err error
	for _, f := range []**os.File{&iso.request, &iso.status, &iso.statusWriter} {
		if *f != nil {
			err = multierr.Append(err, (*f).Close())
			*f = nil
		}
	}
	if iso.cgroupDir != nil {
		err = multierr.Append(err, iso.cgroupDir.Close())
		iso.cgroupDir = nil
	}
	if iso.cgroupPath != "" {
		err = multierr.Append(err, removeCgroup(iso.cgroupPath))
		iso.cgroupPath = ""
	}
	if err != nil {
		logger.Warn(ctx, "release sandbox isolation failed", zap.Error(err))
	}
}
