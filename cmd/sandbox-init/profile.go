package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// seccompProfile is the on-disk syscall filter description.
type seccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []syscallRule `json:"syscalls"`
}

type syscallRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

type filterAction int

const (
	actionAllow filterAction = iota
	actionKill
	actionErrno
)

func parseAction(action string) (filterAction, error) {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case "SCMP_ACT_ALLOW":
		return actionAllow, nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return actionKill, nil
	case "SCMP_ACT_ERRNO":
		return actionErrno, nil
	default:
		return actionKill, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

func loadProfile(path string) (seccompProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return seccompProfile{}, fmt.Errorf("read seccomp profile: %w", err)
	}
	return parseProfile(data)
}

func parseProfile(data []byte) (seccompProfile, error) {
	var p seccompProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return seccompProfile{}, fmt.Errorf("parse seccomp profile: %w", err)
	}
	if _, err := parseAction(p.DefaultAction); err != nil {
		return seccompProfile{}, err
	}
	for i, rule := range p.Syscalls {
		if len(rule.Names) == 0 {
			return seccompProfile{}, fmt.Errorf("seccomp rule %d has no syscall names", i)
		}
		if _, err := parseAction(rule.Action); err != nil {
			return seccompProfile{}, err
		}
	}
	return p, nil
}
