//go:build !unix

package proc

import (
	"errors"
	"os"
	"os/exec"
)

const (
	defaultPath = `C:\Windows\system32;C:\Windows`
	exeSuffix   = ".exe"
)

// Windows programs misbehave without SystemRoot.
func extraEnv() []string {
	if root := os.Getenv("SystemRoot"); root != "" {
		return []string{"SystemRoot=" + root}
	}
	return nil
}

func prepare(*exec.Cmd) {}

// killTree only reaches the direct child; grandchildren survive on these
// platforms.
func killTree(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func describe(state *os.ProcessState) Exit {
	return Exit{Code: state.ExitCode()}
}

// PeakMemoryKB is not available on this platform.
func PeakMemoryKB(*os.ProcessState) int64 {
	return 0
}
