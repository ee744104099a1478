//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"phcode/internal/sandbox/spec"
	appErr "phcode/pkg/errors"
)

// cgroupUsable checks that root is a writable cgroup v2 directory by creating
// and removing a probe child.
func cgroupUsable(root string) error {
	if root == "" {
		return appErr.ValidationError("cgroup_root", "required")
	}
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err != nil {
		return fmt.Errorf("%s is not a cgroup v2 directory: %w", root, err)
	}
	probe := filepath.Join(root, fmt.Sprintf("phcode-probe-%d", os.Getpid()))
	if err := os.Mkdir(probe, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create probe cgroup: %w", err)
	}
	return os.Remove(probe)
}

func createRunCgroup(root, jobID string) (string, error) {
	if root == "" {
		return "", appErr.ValidationError("cgroup_root", "required")
	}
	path := filepath.Join(root, fmt.Sprintf("phcode-%s-%d", jobID, time.Now().UnixNano()))
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxSetupFailed, "create cgroup failed")
	}
	return path, nil
}

func applyCgroupLimits(path string, limits spec.ResourceLimit) error {
	pids := "max"
	if limits.PIDs > 0 {
		pids = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(path, "pids.max", pids); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := writeCgroupValue(path, "memory.max", strconv.FormatInt(limits.MemoryMB<<20, 10)); err != nil {
			return err
		}
		// Without this the kernel swaps instead of OOM killing.
		if err := writeCgroupValue(path, "memory.swap.max", "0"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func killCgroup(path string) error {
	err := writeCgroupValue(path, "cgroup.kill", "1")
	if errors.Is(err, os.ErrNotExist) {
		// cgroup.kill needs linux 5.14.
		return nil
	}
	return err
}

// removeCgroup rmdirs the cgroup. The kernel refuses while exiting tasks are
// still accounted, so retry briefly.
func removeCgroup(path string) error {
	var err error
	for i := 0; i < 20; i++ {
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

func wasOomKilled(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func readCgroupInt(path, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(path, name, value string) error {
	if err := os.WriteFile(filepath.Join(path, name), []byte(value), 0o644); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSetupFailed, "write %s failed", name)
	}
	return nil
}
