// Package sandbox runs untrusted C++ jobs end to end: screening, workspace
// setup, compilation, limited execution and reporting.
package sandbox

import (
	"context"

	"phcode/internal/sandbox/result"

	"github.com/google/uuid"
)

// Job is one compile-and-run request. SourceCode and Stdin are untrusted.
type Job struct {
	ID         string
	SourceCode string
	Stdin      string
}

// NewJob assigns a fresh job ID.
func NewJob(source, stdin string) Job {
	return Job{ID: uuid.NewString(), SourceCode: source, Stdin: stdin}
}

// Backend executes jobs. Every job yields exactly one Result; failures are
// folded into it rather than returned.
type Backend interface {
	Execute(ctx context.Context, job Job) result.Result
}
