package result

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"phcode/internal/sandbox/screen"
	appErr "phcode/pkg/errors"
)

const (
	statsSecurity       = "Compilation aborted due to security violation."
	statsCompileFailed  = "Compilation Failed."
	statsToolchain      = "Toolchain not found."
	statsCanceled       = "Canceled."
	statsInternal       = "Internal Error."
	memoryUnsupported   = "unsupported on this platform"
	internalErrorPrefix = "Server Internal Error: "
)

// Limits carries the configured ceilings quoted in the report texts.
type Limits struct {
	CompileTimeout time.Duration
	RunTimeout     time.Duration
	MemoryMB       int64
	OutputBytes    int64
	// MemoryNote replaces the memory figure when no ceiling was applied.
	MemoryNote string
}

// Rejected reports a job stopped by the pre-screener.
func Rejected(jobID string, v screen.Verdict) Result {
	return Result{
		JobID:           jobID,
		Kind:            KindSecurityViolation,
		Errors:          v.Message(),
		Stats:           statsSecurity,
		ViolatedPattern: v.ViolatedPattern,
	}
}

// Failed reports a job that could not reach a compile or run verdict.
func Failed(jobID string, err error) Result {
	switch {
	case appErr.Is(err, appErr.ToolchainNotFound):
		return Result{JobID: jobID, Kind: KindToolchainNotFound, Errors: err.Error(), Stats: statsToolchain}
	case appErr.Is(err, appErr.Canceled), stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return Result{JobID: jobID, Kind: KindCanceled, Errors: "[Error] Execution Canceled", Stats: statsCanceled}
	}
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return Result{JobID: jobID, Kind: KindInternalError, Errors: internalErrorPrefix + msg, Stats: statsInternal}
}

// Report builds the terminal result from a compile outcome and, when the
// binary was produced and executed, its run outcome.
func Report(jobID string, compile CompileOutcome, run *RunOutcome, lim Limits) Result {
	c := compile
	res := Result{JobID: jobID, Compile: &c, Warnings: compile.Warnings}

	if !compile.Success {
		res.Kind = KindCompileFailure
		errs := []string{compile.Diagnostics}
		if compile.TimedOut {
			res.Kind = KindCompileTimeout
			errs = append(errs, fmt.Sprintf("[Error] Compilation Timed Out (Limit: %s)", lim.CompileTimeout))
		}
		res.Errors = joinSections(errs...)
		res.Stats = statsCompileFailed
		return res
	}

	if run == nil {
		res.Kind = KindInternalError
		res.Errors = internalErrorPrefix + "binary compiled but was not executed"
		res.Stats = statsInternal
		return res
	}

	r := *run
	res.Run = &r
	res.Output = run.Stdout

	switch {
	case run.TimedOut:
		res.Kind = KindExecutionTimeout
		res.Errors = joinSections(run.Stderr, fmt.Sprintf("[Error] Execution Timed Out (Limit: %s)", lim.RunTimeout))
		res.Stats = fmt.Sprintf("Time Limit Exceeded (Limit: %s)", lim.RunTimeout)
	case run.MemoryExceeded:
		res.Kind = KindMemoryLimitExceeded
		res.Errors = joinSections(run.Stderr, fmt.Sprintf("[Error] Memory Limit Exceeded (%dMB)", lim.MemoryMB))
		res.Stats = "Memory Limit Exceeded | " + runStats(run, lim)
	case run.OutputExceeded:
		res.Kind = KindOutputLimitExceeded
		res.Errors = joinSections(run.Stderr, fmt.Sprintf("[Error] Output Limit Exceeded (%s)", formatBytes(lim.OutputBytes)))
		res.Stats = "Output Limit Exceeded | " + runStats(run, lim)
	case run.ExitStatus != 0 || run.Signal != "":
		res.Kind = KindRuntimeError
		res.Errors = joinSections("[Runtime Error]", run.Stderr, exitLine(run))
		res.Stats = runStats(run, lim)
	default:
		res.Kind = KindCompleted
		res.Errors = run.Stderr
		res.Stats = runStats(run, lim)
	}
	return res
}

func runStats(run *RunOutcome, lim Limits) string {
	mem := fmt.Sprintf("%dMB", lim.MemoryMB)
	if !run.MemoryLimited {
		mem = lim.MemoryNote
		if mem == "" {
			mem = memoryUnsupported
		}
	}
	stats := fmt.Sprintf("Run time: %.2fs | Mem Limit: %s", run.WallTime.Seconds(), mem)
	if run.MemoryKB > 0 {
		stats += fmt.Sprintf(" | Peak Mem: %.1fMB", float64(run.MemoryKB)/1024)
	}
	return stats
}

func exitLine(run *RunOutcome) string {
	if run.Signal != "" {
		return "Terminated by signal: " + run.Signal
	}
	return fmt.Sprintf("Exit code: %d", run.ExitStatus)
}

func joinSections(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.TrimRight(p, "\n")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
