// Package compiler turns a job's source text into an executable inside its
// workspace using the configured native toolchain.
package compiler

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"phcode/internal/sandbox/proc"
	"phcode/internal/sandbox/result"
	"phcode/internal/sandbox/workspace"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

// commandTemplate is fixed; submitters cannot influence compiler flags.
const commandTemplate = "{toolchain} {src} -o {bin} -O2 -Wall -std=c++14"

const (
	defaultTimeout         = 10 * time.Second
	defaultDiagnosticBytes = 64 << 10
	killGrace              = 2 * time.Second
)

var templateFields = mustSplit(commandTemplate)

func mustSplit(tpl string) []string {
	fields, err := shlex.Split(tpl)
	if err != nil || len(fields) == 0 {
		panic("compiler: invalid command template: " + tpl)
	}
	return fields
}

// Config holds compiler settings.
type Config struct {
	// ToolchainPath is a binary name resolved through PATH or an absolute path.
	ToolchainPath   string
	Timeout         time.Duration
	DiagnosticBytes int64
}

// Invoker compiles C++ sources.
type Invoker struct {
	cfg Config
}

// New creates an invoker, filling unset limits with defaults.
func New(cfg Config) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DiagnosticBytes <= 0 {
		cfg.DiagnosticBytes = defaultDiagnosticBytes
	}
	return &Invoker{cfg: cfg}
}

// Timeout returns the effective compilation timeout.
func (c *Invoker) Timeout() time.Duration {
	return c.cfg.Timeout
}

// Resolve locates the configured toolchain.
func (c *Invoker) Resolve() (string, error) {
	name := strings.TrimSpace(c.cfg.ToolchainPath)
	if name == "" {
		return "", appErr.New(appErr.ToolchainNotFound).WithMessage("Toolchain not found: no toolchain configured")
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.ToolchainNotFound, "Toolchain not found: %s", name).
			WithDetail("toolchain", name)
	}
	return path, nil
}

// Compile writes source into the workspace and compiles it. A failed
// compilation is reported through the outcome; the error return is reserved
// for a missing toolchain, cancellation and infrastructure faults.
func (c *Invoker) Compile(ctx context.Context, source string, ws *workspace.Workspace) (result.CompileOutcome, error) {
	if ws == nil {
		return result.CompileOutcome{}, appErr.ValidationError("workspace", "required")
	}
	toolchain, err := c.Resolve()
	if err != nil {
		return result.CompileOutcome{}, err
	}
	if err := os.WriteFile(ws.SourcePath, []byte(source), 0o644); err != nil {
		return result.CompileOutcome{}, appErr.Wrapf(err, appErr.WorkspaceError, "write source failed")
	}

	args := buildArgs(toolchain, ws.SourcePath, ws.ExecutablePath)

	compileCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(compileCtx, args[0], args[1:]...)
	cmd.Dir = ws.Root
	cmd.Env = append(proc.MinimalEnv(), "TMPDIR="+ws.Root)
	proc.Prepare(cmd)
	cmd.Cancel = func() error { return proc.KillTree(cmd.Process) }
	cmd.WaitDelay = killGrace

	stderr := &proc.CappedBuffer{Limit: c.cfg.DiagnosticBytes}
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	outcome := result.CompileOutcome{
		Duration: time.Since(start),
		ExitCode: proc.Describe(cmd.ProcessState).Code,
	}

	if ctx.Err() != nil {
		return outcome, appErr.Wrapf(ctx.Err(), appErr.Canceled, "compilation canceled")
	}
	if errors.Is(compileCtx.Err(), context.DeadlineExceeded) {
		outcome.TimedOut = true
		outcome.Diagnostics = stderr.String()
		logger.Warn(ctx, "compilation timed out", zap.Duration("limit", c.cfg.Timeout))
		return outcome, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		outcome.Diagnostics = stderr.String()
		logger.Debug(ctx, "compilation failed", zap.Int("exit_code", outcome.ExitCode))
		return outcome, nil
	case errors.Is(runErr, exec.ErrNotFound), errors.Is(runErr, os.ErrNotExist):
		return outcome, appErr.Wrapf(runErr, appErr.ToolchainNotFound, "Toolchain not found: %s", c.cfg.ToolchainPath)
	default:
		return outcome, appErr.Wrapf(runErr, appErr.SandboxSetupFailed, "start compiler failed")
	}

	if _, err := os.Stat(ws.ExecutablePath); err != nil {
		return outcome, appErr.Wrapf(err, appErr.InternalServerError, "compiler exited cleanly but produced no executable")
	}
	outcome.Success = true
	outcome.Warnings = stderr.String()
	return outcome, nil
}

// buildArgs substitutes placeholders per token so paths containing spaces
// stay a single argument.
func buildArgs(toolchain, src, bin string) []string {
	replacer := strings.NewReplacer("{toolchain}", toolchain, "{src}", src, "{bin}", bin)
	args := make([]string, len(templateFields))
	for i, field := range templateFields {
		args[i] = replacer.Replace(field)
	}
	return args
}
