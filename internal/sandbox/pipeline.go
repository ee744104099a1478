package sandbox

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"phcode/internal/sandbox/engine"
	"phcode/internal/sandbox/observer"
	"phcode/internal/sandbox/result"
	"phcode/internal/sandbox/screen"
	"phcode/internal/sandbox/spec"
	"phcode/internal/sandbox/workspace"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// cpuGrace keeps RLIMIT_CPU behind the wall timer so a busy loop is reported
// as a timeout rather than a SIGXCPU.
const cpuGrace = time.Second

// Compiler produces the job binary inside a workspace.
type Compiler interface {
	Compile(ctx context.Context, source string, ws *workspace.Workspace) (result.CompileOutcome, error)
	Timeout() time.Duration
}

// Config holds per-run limits and the concurrency bound.
type Config struct {
	RunTimeout        time.Duration
	MemoryLimitMB     int64
	OutputLimitBytes  int64
	StackMB           int64
	PIDs              int64
	MaxConcurrentJobs int64
}

// Deps are the collaborators of a pipeline. Compiler and Engine are required.
type Deps struct {
	Screener   *screen.Screener
	Workspaces *workspace.Manager
	Compiler   Compiler
	Engine     engine.Engine
	Metrics    observer.MetricsRecorder
	Status     StatusReporter
}

// Pipeline is the local Backend.
type Pipeline struct {
	cfg        Config
	screener   *screen.Screener
	workspaces *workspace.Manager
	compiler   Compiler
	engine     engine.Engine
	metrics    observer.MetricsRecorder
	status     StatusReporter
	sem        *semaphore.Weighted
	inFlight   atomic.Int64
}

var _ Backend = (*Pipeline)(nil)

// NewPipeline wires a pipeline, filling optional dependencies with defaults.
func NewPipeline(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Compiler == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("compiler is required")
	}
	if deps.Engine == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("engine is required")
	}
	if cfg.RunTimeout <= 0 {
		return nil, appErr.ValidationError("run_timeout", "must be positive")
	}
	if cfg.MemoryLimitMB < 0 || cfg.OutputLimitBytes < 0 {
		return nil, appErr.ValidationError("limits", "must not be negative")
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if deps.Screener == nil {
		deps.Screener = screen.Default()
	}
	if deps.Workspaces == nil {
		deps.Workspaces = workspace.NewManager("")
	}
	if deps.Metrics == nil {
		deps.Metrics = observer.NoopMetricsRecorder{}
	}
	return &Pipeline{
		cfg:        cfg,
		screener:   deps.Screener,
		workspaces: deps.Workspaces,
		compiler:   deps.Compiler,
		engine:     deps.Engine,
		metrics:    deps.Metrics,
		status:     deps.Status,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentJobs),
	}, nil
}

// Capabilities reports what the execution engine enforces.
func (p *Pipeline) Capabilities() engine.Capabilities {
	return p.engine.Capabilities()
}

// Close releases the execution engine.
func (p *Pipeline) Close() error {
	return p.engine.Close()
}

// Execute runs job to a terminal result. Screening happens before any
// resource is taken; a rejected job never touches the filesystem.
func (p *Pipeline) Execute(ctx context.Context, job Job) (res result.Result) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	ctx = logger.WithJobID(ctx, job.ID)
	start := time.Now()
	p.transition(ctx, job.ID, StateReceived)
	defer func() {
		elapsed := time.Since(start)
		p.metrics.ObserveJob(ctx, string(res.Kind), elapsed)
		logger.Info(ctx, "job finished",
			zap.String("kind", string(res.Kind)),
			zap.Int("code", int(res.Kind.Code())),
			zap.Duration("elapsed", elapsed),
		)
	}()

	verdict := p.screener.Screen(job.SourceCode)
	if !verdict.Allowed {
		p.metrics.ObserveRejected(ctx, verdict.ViolatedPattern)
		logger.Warn(ctx, "source rejected by screener", zap.String("pattern", verdict.ViolatedPattern))
		p.transition(ctx, job.ID, StateRejected)
		return result.Rejected(job.ID, verdict)
	}
	p.transition(ctx, job.ID, StateScreened)

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.fail(ctx, job.ID, appErr.Wrapf(err, appErr.Canceled, "wait for execution slot canceled"))
	}
	defer p.sem.Release(1)
	p.metrics.SetInFlight(p.inFlight.Add(1))
	defer func() { p.metrics.SetInFlight(p.inFlight.Add(-1)) }()

	return p.execute(ctx, job)
}

func (p *Pipeline) execute(ctx context.Context, job Job) (res result.Result) {
	// Registered first so it runs after the workspace release below.
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res = p.fail(ctx, job.ID, appErr.Newf(appErr.InternalServerError, "panic: %v", r))
		}
	}()

	ws, err := p.workspaces.Acquire(ctx, job.ID)
	if err != nil {
		return p.fail(ctx, job.ID, err)
	}
	defer p.workspaces.Release(context.WithoutCancel(ctx), ws)

	p.transition(ctx, job.ID, StateCompiling)
	compiled, err := p.compiler.Compile(ctx, job.SourceCode, ws)
	if err != nil {
		return p.fail(ctx, job.ID, err)
	}
	p.metrics.ObserveCompile(ctx, compiled.Success, compiled.TimedOut, compiled.Duration)
	if !compiled.Success {
		p.transition(ctx, job.ID, StateCompileFailed)
		return result.Report(job.ID, compiled, nil, p.limits())
	}
	p.transition(ctx, job.ID, StateCompiled)

	p.transition(ctx, job.ID, StateRunning)
	run, err := p.engine.Run(ctx, p.runSpec(job, ws))
	if err != nil {
		return p.fail(ctx, job.ID, err)
	}
	res = result.Report(job.ID, compiled, &run, p.limits())
	p.metrics.ObserveRun(ctx, string(res.Kind), run.WallTime, run.MemoryKB)
	p.transition(ctx, job.ID, stateForKind(res.Kind))
	return res
}

func (p *Pipeline) runSpec(job Job, ws *workspace.Workspace) spec.RunSpec {
	wallMs := p.cfg.RunTimeout.Milliseconds()
	return spec.RunSpec{
		JobID:      job.ID,
		WorkDir:    ws.Root,
		Cmd:        []string{ws.ExecutablePath},
		Stdin:      job.Stdin,
		StdinPath:  ws.InputPath,
		StdoutPath: ws.StdoutPath,
		StderrPath: ws.StderrPath,
		Limits: spec.ResourceLimit{
			WallTimeMs:  wallMs,
			CPUTimeMs:   wallMs + cpuGrace.Milliseconds(),
			MemoryMB:    p.cfg.MemoryLimitMB,
			StackMB:     p.cfg.StackMB,
			OutputBytes: p.cfg.OutputLimitBytes,
			PIDs:        p.cfg.PIDs,
		},
	}
}

func (p *Pipeline) limits() result.Limits {
	return result.Limits{
		CompileTimeout: p.compiler.Timeout(),
		RunTimeout:     p.cfg.RunTimeout,
		MemoryMB:       p.cfg.MemoryLimitMB,
		OutputBytes:    p.cfg.OutputLimitBytes,
		MemoryNote:     p.engine.Capabilities().MemoryLimitNote,
	}
}

func (p *Pipeline) fail(ctx context.Context, jobID string, err error) result.Result {
	res := result.Failed(jobID, err)
	state := StateFailed
	if res.Kind == result.KindCanceled {
		state = StateCanceled
		logger.Info(ctx, "job canceled", zap.Error(err))
	} else {
		logger.Error(ctx, "job failed", zap.Error(err), zap.Int("code", int(appErr.GetCode(err))))
	}
	p.transition(ctx, jobID, state)
	return res
}

func (p *Pipeline) transition(ctx context.Context, jobID string, state JobState) {
	logger.Debug(ctx, "job state", zap.String("state", string(state)))
	if p.status == nil {
		return
	}
	update := StatusUpdate{JobID: jobID, State: state, At: time.Now()}
	if err := p.status.ReportStatus(context.WithoutCancel(ctx), update); err != nil {
		logger.Warn(ctx, "report job status failed", zap.String("state", string(state)), zap.Error(err))
	}
}

func stateForKind(kind result.Kind) JobState {
	switch kind {
	case result.KindCompleted:
		return StateCompleted
	case result.KindExecutionTimeout:
		return StateTimedOut
	case result.KindMemoryLimitExceeded:
		return StateMemoryExceeded
	case result.KindRuntimeError, result.KindOutputLimitExceeded:
		return StateRuntimeError
	case result.KindCanceled:
		return StateCanceled
	default:
		return StateFailed
	}
}
