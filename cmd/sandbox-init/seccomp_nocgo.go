//go:build linux && !cgo

package main

import "fmt"

func applySeccomp(seccompProfile) error {
	return fmt.Errorf("seccomp requires a cgo build of sandbox-init")
}
