package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"phcode/internal/sandbox/engine"
	"phcode/internal/sandbox/result"
	"phcode/internal/sandbox/spec"
	"phcode/internal/sandbox/workspace"
	appErr "phcode/pkg/errors"
)

type fakeCompiler struct {
	outcome result.CompileOutcome
	err     error
	calls   atomic.Int32
	root    atomic.Value
}

func (f *fakeCompiler) Compile(_ context.Context, source string, ws *workspace.Workspace) (result.CompileOutcome, error) {
	f.calls.Add(1)
	f.root.Store(ws.Root)
	if err := os.WriteFile(ws.SourcePath, []byte(source), 0o644); err != nil {
		return result.CompileOutcome{}, err
	}
	return f.outcome, f.err
}

func (f *fakeCompiler) Timeout() time.Duration { return 10 * time.Second }

func (f *fakeCompiler) workspaceRoot() string {
	root, _ := f.root.Load().(string)
	return root
}

type fakeEngine struct {
	run   func(ctx context.Context, rs spec.RunSpec) (result.RunOutcome, error)
	calls atomic.Int32
	mu    sync.Mutex
	last  spec.RunSpec
}

func (f *fakeEngine) Run(ctx context.Context, rs spec.RunSpec) (result.RunOutcome, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = rs
	f.mu.Unlock()
	if f.run == nil {
		return result.RunOutcome{Stdout: "ok\n", WallTime: 10 * time.Millisecond, MemoryLimited: true}, nil
	}
	return f.run(ctx, rs)
}

func (f *fakeEngine) Capabilities() engine.Capabilities {
	return engine.Capabilities{Backend: "fake", MemoryLimit: true}
}

func (f *fakeEngine) Close() error { return nil }

type recordingStatus struct {
	mu     sync.Mutex
	states []JobState
}

func (r *recordingStatus) ReportStatus(_ context.Context, update StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, update.State)
	return nil
}

func (r *recordingStatus) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := make([]string, len(r.states))
	for i, s := range r.states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func testConfig() Config {
	return Config{RunTimeout: time.Second, MemoryLimitMB: 512, OutputLimitBytes: 64 << 10, MaxConcurrentJobs: 2}
}

func newTestPipeline(t *testing.T, cfg Config, c *fakeCompiler, e *fakeEngine, status StatusReporter) (*Pipeline, string) {
	t.Helper()
	base := t.TempDir()
	p, err := NewPipeline(cfg, Deps{
		Workspaces: workspace.NewManager(base),
		Compiler:   c,
		Engine:     e,
		Status:     status,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p, base
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("%s not cleaned up: %d entries left", dir, len(entries))
	}
}

func TestExecuteRejectedSourceAllocatesNothing(t *testing.T) {
	c := &fakeCompiler{outcome: result.CompileOutcome{Success: true}}
	e := &fakeEngine{}
	status := &recordingStatus{}
	p, base := newTestPipeline(t, testConfig(), c, e, status)

	res := p.Execute(context.Background(), NewJob(`int main(){ system("ls"); }`, ""))
	if res.Kind != result.KindSecurityViolation {
		t.Fatalf("kind = %s", res.Kind)
	}
	resp := res.Response()
	if resp.Result != "" || resp.Errors != "Security Alert: Detected forbidden pattern 'system('" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Stats != "Compilation aborted due to security violation." {
		t.Fatalf("stats = %q", resp.Stats)
	}
	if c.calls.Load() != 0 || e.calls.Load() != 0 {
		t.Fatal("rejected job reached the compiler or engine")
	}
	assertEmptyDir(t, base)
	if got := status.joined(); got != "Received,Rejected" {
		t.Fatalf("states = %s", got)
	}
}

func TestExecuteCompileFailureSkipsRun(t *testing.T) {
	c := &fakeCompiler{outcome: result.CompileOutcome{Diagnostics: "source.cpp:1:1: error: expected unqualified-id\n"}}
	e := &fakeEngine{}
	p, base := newTestPipeline(t, testConfig(), c, e, nil)

	res := p.Execute(context.Background(), NewJob("int main( {", ""))
	if res.Kind != result.KindCompileFailure {
		t.Fatalf("kind = %s", res.Kind)
	}
	if e.calls.Load() != 0 {
		t.Fatal("engine called after a failed compilation")
	}
	if res.Output != "" || res.Stats != "Compilation Failed." || !strings.Contains(res.Errors, "expected unqualified-id") {
		t.Fatalf("result = %+v", res)
	}
	assertEmptyDir(t, base)
}

func TestExecuteCompletedJob(t *testing.T) {
	c := &fakeCompiler{outcome: result.CompileOutcome{Success: true, Warnings: "warning: unused variable 'x'"}}
	e := &fakeEngine{}
	status := &recordingStatus{}
	p, base := newTestPipeline(t, testConfig(), c, e, status)

	job := NewJob("int main(){}", "5 7\n")
	res := p.Execute(context.Background(), job)
	if res.Kind != result.KindCompleted || res.JobID != job.ID {
		t.Fatalf("result = %+v", res)
	}
	resp := res.Response()
	if resp.Result != "ok\n" || resp.Warnings != "warning: unused variable 'x'" || resp.Errors != "" {
		t.Fatalf("response = %+v", resp)
	}
	if !strings.HasPrefix(resp.Stats, "Run time: 0.01s | Mem Limit: 512MB") {
		t.Fatalf("stats = %q", resp.Stats)
	}

	e.mu.Lock()
	rs := e.last
	e.mu.Unlock()
	if rs.Stdin != "5 7\n" || len(rs.Cmd) != 1 || !strings.HasPrefix(rs.Cmd[0], c.workspaceRoot()) {
		t.Fatalf("run spec = %+v", rs)
	}
	if rs.Limits.WallTimeMs != 1000 || rs.Limits.MemoryMB != 512 || rs.Limits.OutputBytes != 64<<10 {
		t.Fatalf("limits = %+v", rs.Limits)
	}
	if rs.Limits.CPUTimeMs <= rs.Limits.WallTimeMs {
		t.Fatalf("cpu limit %d must trail the wall limit", rs.Limits.CPUTimeMs)
	}

	assertEmptyDir(t, base)
	if got := status.joined(); got != "Received,Screened,Compiling,Compiled,Running,Completed" {
		t.Fatalf("states = %s", got)
	}
}

func TestExecuteRunOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		run    result.RunOutcome
		kind   result.Kind
		state  JobState
		errors string
	}{
		{
			name:   "timeout",
			run:    result.RunOutcome{TimedOut: true, WallTime: time.Second},
			kind:   result.KindExecutionTimeout,
			state:  StateTimedOut,
			errors: "[Error] Execution Timed Out (Limit: 1s)",
		},
		{
			name:   "memory",
			run:    result.RunOutcome{MemoryExceeded: true, ExitStatus: 134, Stderr: "std::bad_alloc", MemoryLimited: true},
			kind:   result.KindMemoryLimitExceeded,
			state:  StateMemoryExceeded,
			errors: "[Error] Memory Limit Exceeded (512MB)",
		},
		{
			name:   "runtime error",
			run:    result.RunOutcome{ExitStatus: -1, Signal: "segmentation fault"},
			kind:   result.KindRuntimeError,
			state:  StateRuntimeError,
			errors: "Terminated by signal: segmentation fault",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCompiler{outcome: result.CompileOutcome{Success: true}}
			e := &fakeEngine{run: func(context.Context, spec.RunSpec) (result.RunOutcome, error) { return tt.run, nil }}
			status := &recordingStatus{}
			p, base := newTestPipeline(t, testConfig(), c, e, status)

			res := p.Execute(context.Background(), NewJob("int main(){}", ""))
			if res.Kind != tt.kind {
				t.Fatalf("kind = %s", res.Kind)
			}
			if !strings.Contains(res.Errors, tt.errors) {
				t.Fatalf("errors = %q", res.Errors)
			}
			if !strings.HasSuffix(status.joined(), string(tt.state)) {
				t.Fatalf("states = %s", status.joined())
			}
			assertEmptyDir(t, base)
		})
	}
}

func TestExecuteInfrastructureFailures(t *testing.T) {
	tests := []struct {
		name     string
		compiler *fakeCompiler
		engine   *fakeEngine
		kind     result.Kind
		stats    string
	}{
		{
			name:     "toolchain missing",
			compiler: &fakeCompiler{err: appErr.New(appErr.ToolchainNotFound).WithMessage("Toolchain not found: g++")},
			engine:   &fakeEngine{},
			kind:     result.KindToolchainNotFound,
			stats:    "Toolchain not found.",
		},
		{
			name:     "sandbox setup",
			compiler: &fakeCompiler{outcome: result.CompileOutcome{Success: true}},
			engine: &fakeEngine{run: func(context.Context, spec.RunSpec) (result.RunOutcome, error) {
				return result.RunOutcome{}, appErr.New(appErr.SandboxSetupFailed).WithMessage("sandbox-init: apply rlimits")
			}},
			kind:  result.KindInternalError,
			stats: "Internal Error.",
		},
		{
			name:     "panic",
			compiler: &fakeCompiler{outcome: result.CompileOutcome{Success: true}},
			engine: &fakeEngine{run: func(context.Context, spec.RunSpec) (result.RunOutcome, error) {
				panic("engine exploded")
			}},
			kind:  result.KindInternalError,
			stats: "Internal Error.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := &recordingStatus{}
			p, base := newTestPipeline(t, testConfig(), tt.compiler, tt.engine, status)

			res := p.Execute(context.Background(), NewJob("int main(){}", ""))
			if res.Kind != tt.kind || res.Stats != tt.stats {
				t.Fatalf("result = %+v", res)
			}
			if res.Errors == "" {
				t.Fatal("failure without an explanation")
			}
			if !strings.HasSuffix(status.joined(), string(StateFailed)) {
				t.Fatalf("states = %s", status.joined())
			}
			assertEmptyDir(t, base)
		})
	}
}

func TestExecuteCancellationKillsRun(t *testing.T) {
	c := &fakeCompiler{outcome: result.CompileOutcome{Success: true}}
	e := &fakeEngine{run: func(ctx context.Context, _ spec.RunSpec) (result.RunOutcome, error) {
		<-ctx.Done()
		return result.RunOutcome{}, appErr.Wrapf(ctx.Err(), appErr.Canceled, "execution canceled")
	}}
	status := &recordingStatus{}
	p, base := newTestPipeline(t, testConfig(), c, e, status)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := p.Execute(ctx, NewJob("int main(){ for(;;); }", ""))
	if res.Kind != result.KindCanceled || res.Errors != "[Error] Execution Canceled" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasSuffix(status.joined(), string(StateCanceled)) {
		t.Fatalf("states = %s", status.joined())
	}
	assertEmptyDir(t, base)
}

func TestExecuteCanceledWhileWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	c := &fakeCompiler{outcome: result.CompileOutcome{Success: true}}
	e := &fakeEngine{run: func(context.Context, spec.RunSpec) (result.RunOutcome, error) {
		started <- struct{}{}
		<-release
		return result.RunOutcome{}, nil
	}}
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1
	p, _ := newTestPipeline(t, cfg, c, e, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Execute(context.Background(), NewJob("int main(){}", ""))
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := p.Execute(ctx, NewJob("int main(){}", ""))
	if res.Kind != result.KindCanceled {
		t.Fatalf("kind = %s", res.Kind)
	}
	if c.calls.Load() != 1 {
		t.Fatalf("queued job compiled: %d compiler calls", c.calls.Load())
	}
	close(release)
	<-done
}

func TestExecuteBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	c := &fakeCompiler{outcome: result.CompileOutcome{Success: true}}
	e := &fakeEngine{run: func(context.Context, spec.RunSpec) (result.RunOutcome, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		running.Add(-1)
		return result.RunOutcome{}, nil
	}}
	p, base := newTestPipeline(t, testConfig(), c, e, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := p.Execute(context.Background(), NewJob("int main(){}", "")); res.Kind != result.KindCompleted {
				t.Errorf("kind = %s", res.Kind)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("%d jobs ran concurrently, limit is 2", got)
	}
	assertEmptyDir(t, base)
}

func TestNewPipelineValidatesDeps(t *testing.T) {
	if _, err := NewPipeline(testConfig(), Deps{Engine: &fakeEngine{}}); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("missing compiler: %v", err)
	}
	if _, err := NewPipeline(testConfig(), Deps{Compiler: &fakeCompiler{}}); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("missing engine: %v", err)
	}
	_, err := NewPipeline(Config{}, Deps{Compiler: &fakeCompiler{}, Engine: &fakeEngine{}})
	if !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("zero run timeout: %v", err)
	}
}

func TestNewJobAssignsUniqueIDs(t *testing.T) {
	a, b := NewJob("", ""), NewJob("", "")
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids %q %q", a.ID, b.ID)
	}
}

func TestStatusReporterErrorsDoNotFailJob(t *testing.T) {
	c := &fakeCompiler{outcome: result.CompileOutcome{Success: true}}
	p, _ := newTestPipeline(t, testConfig(), c, &fakeEngine{}, failingStatus{})
	if res := p.Execute(context.Background(), NewJob("int main(){}", "")); res.Kind != result.KindCompleted {
		t.Fatalf("kind = %s", res.Kind)
	}
}

type failingStatus struct{}

func (failingStatus) ReportStatus(context.Context, StatusUpdate) error {
	return errors.New("status store down")
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{StateRejected, StateCompileFailed, StateCompleted, StateCanceled, StateFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []JobState{StateReceived, StateScreened, StateCompiling, StateCompiled, StateRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
