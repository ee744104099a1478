// Package proc holds the platform specific process-tree handling shared by the
// compiler invoker and the process execution engine.
package proc

import (
	"os"
	"os/exec"
	"strings"
)

// Exit describes how a child terminated.
type Exit struct {
	Code             int
	Signal           string
	Killed           bool
	FileSizeExceeded bool
}

// Describe decodes a finished process state. A nil state yields Code -1.
func Describe(state *os.ProcessState) Exit {
	if state == nil {
		return Exit{Code: -1}
	}
	return describe(state)
}

// MinimalEnv returns the environment handed to untrusted children: PATH and
// whatever the platform cannot run without.
func MinimalEnv() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	return append([]string{"PATH=" + path}, extraEnv()...)
}

// Prepare puts cmd in its own process group where the platform supports it.
func Prepare(cmd *exec.Cmd) {
	prepare(cmd)
}

// KillTree kills the process and everything in its process group.
func KillTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	return killTree(p)
}

// ExecutableName adds the platform suffix to a binary name.
func ExecutableName(base string) string {
	if exeSuffix != "" && !strings.HasSuffix(base, exeSuffix) {
		return base + exeSuffix
	}
	return base
}
