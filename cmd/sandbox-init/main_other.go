//go:build !linux

package main

import (
	"fmt"
	"os"

	"phcode/internal/sandbox/spec"
)

func main() {
	_, _ = fmt.Fprintf(os.Stderr, "%ssandbox-init is only supported on linux\n", spec.HelperStderrPrefix)
	os.Exit(spec.HelperFailureExit)
}
