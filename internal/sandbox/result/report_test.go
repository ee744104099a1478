package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"phcode/internal/sandbox/screen"
	appErr "phcode/pkg/errors"
)

var testLimits = Limits{
	CompileTimeout: 10 * time.Second,
	RunTimeout:     time.Second,
	MemoryMB:       512,
	OutputBytes:    64 << 10,
}

func TestReportCompleted(t *testing.T) {
	run := &RunOutcome{Stdout: "hi", WallTime: 10 * time.Millisecond, MemoryLimited: true}
	res := Report("job", CompileOutcome{Success: true}, run, testLimits)

	if res.Kind != KindCompleted || !res.Succeeded() {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Output != "hi" || res.Errors != "" {
		t.Fatalf("output=%q errors=%q", res.Output, res.Errors)
	}
	if res.Stats != "Run time: 0.01s | Mem Limit: 512MB" {
		t.Fatalf("stats = %q", res.Stats)
	}
}

func TestReportCompletedWithPeakAndNoMemoryLimit(t *testing.T) {
	run := &RunOutcome{Stdout: "ok", WallTime: 250 * time.Millisecond, MemoryKB: 2048}
	res := Report("job", CompileOutcome{Success: true}, run, testLimits)

	want := "Run time: 0.25s | Mem Limit: unsupported on this platform | Peak Mem: 2.0MB"
	if res.Stats != want {
		t.Fatalf("stats = %q, want %q", res.Stats, want)
	}

	lim := testLimits
	lim.MemoryNote = "disabled"
	res = Report("job", CompileOutcome{Success: true}, &RunOutcome{}, lim)
	if !strings.Contains(res.Stats, "Mem Limit: disabled") {
		t.Fatalf("stats = %q", res.Stats)
	}
}

func TestReportCompileFailure(t *testing.T) {
	compile := CompileOutcome{Success: false, Diagnostics: "source.cpp:1:1: error: expected unqualified-id\n"}
	res := Report("job", compile, nil, testLimits)

	if res.Kind != KindCompileFailure {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Stats != "Compilation Failed." {
		t.Fatalf("stats = %q", res.Stats)
	}
	if !strings.Contains(res.Errors, "expected unqualified-id") {
		t.Fatalf("errors = %q", res.Errors)
	}
	if res.Run != nil || res.Output != "" {
		t.Fatal("compile failure must not carry a run outcome")
	}
}

func TestReportCompileTimeout(t *testing.T) {
	res := Report("job", CompileOutcome{TimedOut: true}, nil, testLimits)
	if res.Kind != KindCompileTimeout || res.Stats != "Compilation Failed." {
		t.Fatalf("kind=%s stats=%q", res.Kind, res.Stats)
	}
	if res.Errors != "[Error] Compilation Timed Out (Limit: 10s)" {
		t.Fatalf("errors = %q", res.Errors)
	}
}

func TestReportWarningsKeptOnSuccess(t *testing.T) {
	compile := CompileOutcome{Success: true, Warnings: "warning: unused variable 'x'"}
	res := Report("job", compile, &RunOutcome{Stdout: "1"}, testLimits)
	if res.Warnings != compile.Warnings {
		t.Fatalf("warnings = %q", res.Warnings)
	}
}

func TestReportRunClassification(t *testing.T) {
	tests := []struct {
		name      string
		run       RunOutcome
		kind      Kind
		errorsHas string
		statsHas  string
	}{
		{
			name:      "timeout wins over everything",
			run:       RunOutcome{Stdout: "partial", TimedOut: true, MemoryExceeded: true, ExitStatus: -1, Signal: "killed"},
			kind:      KindExecutionTimeout,
			errorsHas: "[Error] Execution Timed Out (Limit: 1s)",
			statsHas:  "Time Limit Exceeded (Limit: 1s)",
		},
		{
			name:      "memory",
			run:       RunOutcome{Stderr: "terminate called after throwing an instance of 'std::bad_alloc'", MemoryExceeded: true, ExitStatus: 134, Signal: "aborted", MemoryLimited: true},
			kind:      KindMemoryLimitExceeded,
			errorsHas: "[Error] Memory Limit Exceeded (512MB)",
			statsHas:  "Memory Limit Exceeded | Run time:",
		},
		{
			name:      "output",
			run:       RunOutcome{OutputExceeded: true, MemoryLimited: true},
			kind:      KindOutputLimitExceeded,
			errorsHas: "[Error] Output Limit Exceeded (64KB)",
			statsHas:  "Output Limit Exceeded",
		},
		{
			name:      "non-zero exit",
			run:       RunOutcome{Stderr: "boom", ExitStatus: 3, MemoryLimited: true},
			kind:      KindRuntimeError,
			errorsHas: "[Runtime Error]\nboom\nExit code: 3",
			statsHas:  "Mem Limit: 512MB",
		},
		{
			name:      "signal",
			run:       RunOutcome{ExitStatus: -1, Signal: "segmentation fault"},
			kind:      KindRuntimeError,
			errorsHas: "Terminated by signal: segmentation fault",
			statsHas:  "Run time:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := tt.run
			res := Report("job", CompileOutcome{Success: true}, &run, testLimits)
			if res.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", res.Kind, tt.kind)
			}
			if !strings.Contains(res.Errors, tt.errorsHas) {
				t.Fatalf("errors = %q, want substring %q", res.Errors, tt.errorsHas)
			}
			if !strings.Contains(res.Stats, tt.statsHas) {
				t.Fatalf("stats = %q, want substring %q", res.Stats, tt.statsHas)
			}
		})
	}
}

func TestReportTimeoutKeepsPartialOutputWithoutMemoryStat(t *testing.T) {
	run := &RunOutcome{Stdout: "1\n2\n", TimedOut: true, MemoryKB: 4096, MemoryLimited: true}
	res := Report("job", CompileOutcome{Success: true}, run, testLimits)
	if res.Output != "1\n2\n" {
		t.Fatalf("output = %q", res.Output)
	}
	if strings.Contains(res.Stats, "Mem") {
		t.Fatalf("timeout stats should not mention memory: %q", res.Stats)
	}
}

func TestReportCompiledButNotRun(t *testing.T) {
	res := Report("job", CompileOutcome{Success: true}, nil, testLimits)
	if res.Kind != KindInternalError {
		t.Fatalf("kind = %s", res.Kind)
	}
}

func TestRejected(t *testing.T) {
	res := Rejected("job", screen.Verdict{ViolatedPattern: "system("})
	resp := res.Response()

	if res.Kind != KindSecurityViolation || res.ViolatedPattern != "system(" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if resp.Result != "" {
		t.Fatalf("Result = %q", resp.Result)
	}
	if resp.Errors != "Security Alert: Detected forbidden pattern 'system('" {
		t.Fatalf("Errors = %q", resp.Errors)
	}
	if resp.Stats != "Compilation aborted due to security violation." {
		t.Fatalf("Stats = %q", resp.Stats)
	}
}

func TestFailed(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  Kind
		stats string
	}{
		{"toolchain", appErr.Newf(appErr.ToolchainNotFound, "Toolchain not found: g++"), KindToolchainNotFound, "Toolchain not found."},
		{"coded cancel", appErr.New(appErr.Canceled), KindCanceled, "Canceled."},
		{"context cancel", fmt.Errorf("run: %w", context.Canceled), KindCanceled, "Canceled."},
		{"internal", errors.New("disk full"), KindInternalError, "Internal Error."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Failed("job", tt.err)
			if res.Kind != tt.kind || res.Stats != tt.stats {
				t.Fatalf("kind=%s stats=%q", res.Kind, res.Stats)
			}
		})
	}

	res := Failed("job", errors.New("disk full"))
	if res.Errors != "Server Internal Error: disk full" {
		t.Fatalf("errors = %q", res.Errors)
	}
}

func TestResponseJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Result{Output: "hi", Stats: "s"}.Response())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"Result":"hi","Errors":"","Warnings":"","Stats":"s"}`
	if string(data) != want {
		t.Fatalf("json = %s, want %s", data, want)
	}
}

func TestKindCode(t *testing.T) {
	tests := []struct {
		kind Kind
		want appErr.ErrorCode
	}{
		{KindCompleted, appErr.Success},
		{KindSecurityViolation, appErr.SecurityViolation},
		{KindCompileFailure, appErr.CompilationError},
		{KindCompileTimeout, appErr.CompileTimeout},
		{KindRuntimeError, appErr.RuntimeError},
		{KindExecutionTimeout, appErr.TimeLimitExceeded},
		{KindMemoryLimitExceeded, appErr.MemoryLimitExceeded},
		{KindOutputLimitExceeded, appErr.OutputLimitExceeded},
		{KindCanceled, appErr.Canceled},
		{Kind("Bogus"), appErr.InternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.Code(); got != tt.want {
			t.Errorf("%s.Code() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
