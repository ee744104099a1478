//go:build !linux

package engine

import (
	"context"
	"os"
	"os/exec"
	"runtime"

	"phcode/internal/sandbox/proc"
	"phcode/internal/sandbox/spec"
	"phcode/pkg/utils/logger"

	"go.uber.org/zap"
)

func (e *processEngine) probe() {
	e.caps = Capabilities{
		Backend:          BackendProcess,
		MemoryLimitNote:  "unsupported on this platform",
		ProcessGroupKill: runtime.GOOS != "windows",
	}
	if e.cfg.HelperPath != "" || e.cfg.EnableCgroup || e.cfg.EnableSeccomp {
		logger.Warn(context.Background(), "sandbox isolation options ignored on this platform",
			zap.String("goos", runtime.GOOS))
	}
}

type isolation struct{}

func (e *processEngine) buildCommand(_ context.Context, rs spec.RunSpec) (*exec.Cmd, *isolation, error) {
	cmd := exec.Command(rs.Cmd[0], rs.Cmd[1:]...)
	cmd.Env = proc.MinimalEnv()
	proc.Prepare(cmd)
	return cmd, &isolation{}, nil
}

func (iso *isolation) started() {}

func (iso *isolation) setupFailure(context.Context) string {
	return ""
}

func (iso *isolation) kill(p *os.Process) error {
	return proc.KillTree(p)
}

func (iso *isolation) oomKilled() bool {
	return false
}

func (iso *isolation) peakMemoryKB(state *os.ProcessState) int64 {
	return proc.PeakMemoryKB(state)
}

func (iso *isolation) release(context.Context) {}
