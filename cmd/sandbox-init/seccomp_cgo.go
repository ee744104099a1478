//go:build linux && cgo

package main

import (
	"fmt"
	"syscall"

	seccomp "github.com/seccomp/libseccomp-golang"
)

func toScmpAction(a filterAction) seccomp.ScmpAction {
	switch a {
	case actionAllow:
		return seccomp.ActAllow
	case actionErrno:
		return seccomp.ActErrno.SetReturnCode(int16(syscall.EPERM))
	default:
		return seccomp.ActKillProcess
	}
}

func applySeccomp(p seccompProfile) error {
	def, err := parseAction(p.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(toScmpAction(def))
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	for _, rule := range p.Syscalls {
		action, err := parseAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Syscalls missing on this architecture are skipped.
				continue
			}
			if err := filter.AddRule(call, toScmpAction(action)); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
