//go:build linux

// sandbox-init is exec'd by the process engine in place of the user binary.
// It reads an init request from fd 3, locks itself down and then replaces
// itself with the program, so limits are in force before user code runs.
// Setup failures are written to fd 4 before exiting.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"phcode/internal/sandbox/spec"

	"golang.org/x/sys/unix"
)

func main() {
	// The status pipe must not survive exec: EOF tells the engine the
	// program started.
	unix.CloseOnExec(spec.HelperStatusFD)
	status := os.NewFile(uintptr(spec.HelperStatusFD), "init-status")

	if err := run(); err != nil {
		msg := fmt.Sprintf("%s%v\n", spec.HelperStderrPrefix, err)
		_, _ = status.WriteString(msg)
		_, _ = os.Stderr.WriteString(msg)
		os.Exit(spec.HelperFailureExit)
	}
}

func run() error {
	reqFile := os.NewFile(uintptr(spec.HelperRequestFD), "init-request")
	if reqFile == nil {
		return fmt.Errorf("init request descriptor missing")
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	env := buildEnv(req.Env)
	cmdPath, err := resolveCommand(req.Cmd[0], env)
	if err != nil {
		return err
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if req.SeccompProfile != "" {
		profile, err := loadProfile(req.SeccompProfile)
		if err != nil {
			return err
		}
		if err := applySeccomp(profile); err != nil {
			return err
		}
	}
	// Last step before exec: the address space ceiling also constrains this
	// process from here on.
	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest(r io.Reader) (spec.InitRequest, error) {
	var req spec.InitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return spec.InitRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req spec.InitRequest) error {
	if len(req.Cmd) == 0 || req.Cmd[0] == "" {
		return fmt.Errorf("command is required")
	}
	if req.Limits.MemoryMB < 0 || req.Limits.CPUTimeMs < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// resolveCommand looks the program up using the PATH it will run with, not
// the helper's own.
func resolveCommand(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		if _, err := os.Stat(name); err != nil {
			return "", fmt.Errorf("resolve command: %w", err)
		}
		return name, nil
	}
	for _, kv := range env {
		if path, ok := strings.CutPrefix(kv, "PATH="); ok {
			_ = os.Setenv("PATH", path)
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve command: %w", err)
	}
	return path, nil
}

func buildEnv(env []string) []string {
	if len(env) > 0 {
		return env
	}
	return []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
}

func applyRlimits(limits spec.ResourceLimit) error {
	set := func(resource int, value uint64, name string) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}

	if limits.CPUTimeMs > 0 {
		if err := set(unix.RLIMIT_CPU, uint64((limits.CPUTimeMs+999)/1000), "cpu"); err != nil {
			return err
		}
	}
	if limits.OutputBytes > 0 {
		// One byte of slack lets the engine tell "exactly at the limit" from
		// "over it".
		if err := set(unix.RLIMIT_FSIZE, uint64(limits.OutputBytes+1), "fsize"); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(limits.StackMB<<20), "stack"); err != nil {
			return err
		}
	}
	if limits.PIDs > 0 {
		if err := set(unix.RLIMIT_NPROC, uint64(limits.PIDs), "nproc"); err != nil {
			return err
		}
	}
	if limits.MemoryMB > 0 {
		if err := set(unix.RLIMIT_AS, uint64(limits.MemoryMB<<20), "as"); err != nil {
			return err
		}
	}
	return nil
}
