//go:build unix

package proc

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

const (
	defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	exeSuffix   = ""
)

func extraEnv() []string { return nil }

func prepare(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	setParentDeathSignal(cmd.SysProcAttr)
}

func killTree(p *os.Process) error {
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Not a group leader (Prepare was not applied): fall back to the process.
	if kerr := p.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		return kerr
	}
	return nil
}

func describe(state *os.ProcessState) Exit {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return Exit{Code: state.ExitCode()}
	}
	sig := ws.Signal()
	return Exit{
		Code:             -1,
		Signal:           sig.String(),
		Killed:           sig == syscall.SIGKILL,
		FileSizeExceeded: sig == syscall.SIGXFSZ,
	}
}

// PeakMemoryKB reads the maximum resident set size from rusage.
func PeakMemoryKB(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	// darwin reports bytes, everything else kilobytes.
	if runtime.GOOS == "darwin" {
		return int64(ru.Maxrss) / 1024
	}
	return int64(ru.Maxrss)
}
