package engine

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"phcode/internal/sandbox/proc"
	"phcode/internal/sandbox/result"
	"phcode/internal/sandbox/spec"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	containerWorkDir   = "/work"
	defaultDockerImage = "gcc:13"
	defaultDockerUser  = "65534:65534"
	dockerCleanupWait  = 10 * time.Second
)

// dockerEngine runs the compiled binary inside a throwaway container with the
// workspace mounted read-only.
type dockerEngine struct {
	cli *client.Client
	cfg DockerConfig
}

// NewDockerEngine connects to the docker daemon and verifies it answers.
func NewDockerEngine(cfg DockerConfig) (Engine, error) {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.User == "" {
		cfg.User = defaultDockerUser
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create docker client failed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "docker daemon unreachable")
	}
	logger.Info(ctx, "sandbox engine ready", zap.String("backend", BackendDocker), zap.String("image", cfg.Image))
	return &dockerEngine{cli: cli, cfg: cfg}, nil
}

func (e *dockerEngine) Capabilities() Capabilities {
	return Capabilities{
		Backend:          BackendDocker,
		MemoryLimit:      true,
		ProcessGroupKill: true,
		Cgroup:           true,
		Seccomp:          true,
	}
}

func (e *dockerEngine) Close() error {
	return e.cli.Close()
}

// containerCommand maps the host binary path to its location under the
// read-only mount.
func containerCommand(rs spec.RunSpec) ([]string, error) {
	rel, err := filepath.Rel(rs.WorkDir, rs.Cmd[0])
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, appErr.ValidationError("cmd", "executable must live inside the work dir")
	}
	cmd := []string{path.Join(containerWorkDir, filepath.ToSlash(rel))}
	return append(cmd, rs.Cmd[1:]...), nil
}

func (e *dockerEngine) containerConfig(cmd []string) *container.Config {
	return &container.Config{
		Image:           e.cfg.Image,
		Cmd:             cmd,
		Env:             []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
		WorkingDir:      containerWorkDir,
		User:            e.cfg.User,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: true,
	}
}

func (e *dockerEngine) hostConfig(rs spec.RunSpec) *container.HostConfig {
	hc := &container.HostConfig{
		Binds:          []string{rs.WorkDir + ":" + containerWorkDir + ":ro"},
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,size=16m"},
		Resources: container.Resources{
			NanoCPUs: int64(e.cfg.CPUs * 1e9),
		},
	}
	if rs.Limits.MemoryMB > 0 {
		hc.Resources.Memory = rs.Limits.MemoryMB << 20
		hc.Resources.MemorySwap = rs.Limits.MemoryMB << 20
	}
	if rs.Limits.PIDs > 0 {
		pids := rs.Limits.PIDs
		hc.Resources.PidsLimit = &pids
	}
	return hc
}

func (e *dockerEngine) create(ctx context.Context, rs spec.RunSpec, cmd []string) (string, error) {
	created, err := e.cli.ContainerCreate(ctx, e.containerConfig(cmd), e.hostConfig(rs), nil, nil, "")
	if err != nil && e.cfg.PullImage && client.IsErrNotFound(err) {
		logger.Info(ctx, "pulling sandbox image", zap.String("image", e.cfg.Image))
		reader, perr := e.cli.ImagePull(ctx, e.cfg.Image, image.PullOptions{})
		if perr != nil {
			return "", appErr.Wrapf(perr, appErr.SandboxSetupFailed, "pull image %s failed", e.cfg.Image)
		}
		_, _ = io.Copy(io.Discard, reader)
		_ = reader.Close()
		created, err = e.cli.ContainerCreate(ctx, e.containerConfig(cmd), e.hostConfig(rs), nil, nil, "")
	}
	if err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxSetupFailed, "create container failed")
	}
	return created.ID, nil
}

func (e *dockerEngine) Run(ctx context.Context, rs spec.RunSpec) (result.RunOutcome, error) {
	if err := validateRunSpec(rs); err != nil {
		return result.RunOutcome{}, err
	}
	cmd, err := containerCommand(rs)
	if err != nil {
		return result.RunOutcome{}, err
	}

	id, err := e.create(ctx, rs, cmd)
	if err != nil {
		return result.RunOutcome{}, err
	}
	// The caller's context may already be gone; removal must still happen.
	bg := context.WithoutCancel(ctx)
	defer func() {
		rmCtx, cancel := context.WithTimeout(bg, dockerCleanupWait)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn(ctx, "remove container failed", zap.String("container", id), zap.Error(err))
		}
	}()

	hijack, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdin: true, Stdout: true, Stderr: true})
	if err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "attach container failed")
	}
	defer hijack.Close()

	var stdout, stderr proc.CappedBuffer
	if rs.Limits.OutputBytes > 0 {
		stdout.Limit = rs.Limits.OutputBytes
		stderr.Limit = rs.Limits.OutputBytes
	}
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(&stdout, &stderr, hijack.Reader)
	}()

	// Registered before start so a fast exit is not missed.
	waitCh, waitErrCh := e.cli.ContainerWait(bg, id, container.WaitConditionNextExit)

	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "start container failed")
	}
	start := time.Now()
	go func() {
		_, _ = io.WriteString(hijack.Conn, rs.Stdin)
		_ = hijack.CloseWrite()
	}()

	var timeout <-chan time.Time
	if wall := rs.Limits.WallTime(); wall > 0 {
		timer := time.NewTimer(wall)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		status   int64
		timedOut bool
	)
	select {
	case w := <-waitCh:
		status = w.StatusCode
	case err := <-waitErrCh:
		return result.RunOutcome{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "wait container failed")
	case <-timeout:
		timedOut = true
		status = e.killAndWait(bg, id, waitCh)
	case <-ctx.Done():
		e.killAndWait(bg, id, waitCh)
		return result.RunOutcome{}, appErr.Wrapf(ctx.Err(), appErr.Canceled, "execution canceled")
	}
	wall := time.Since(start)

	select {
	case <-copied:
	case <-time.After(time.Second):
		logger.Warn(ctx, "container output stream did not drain", zap.String("container", id))
	}

	outcome := result.RunOutcome{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		ExitStatus:    int(status),
		Signal:        signalFromStatus(status),
		WallTime:      wall,
		TimedOut:      timedOut,
		MemoryLimited: rs.Limits.MemoryMB > 0,
	}
	if outcome.Signal != "" {
		outcome.ExitStatus = -1
	}

	oom := false
	if info, err := e.cli.ContainerInspect(bg, id); err != nil {
		logger.Warn(ctx, "inspect container failed", zap.String("container", id), zap.Error(err))
	} else if info.State != nil {
		oom = info.State.OOMKilled
	}
	outcome.MemoryExceeded = oom || memoryExhausted(outcome.Stderr)
	outcome.OutputExceeded = stdout.Truncated() || stderr.Truncated() || outcome.Signal == signalNames[25]
	return outcome, nil
}

func (e *dockerEngine) killAndWait(ctx context.Context, id string, waitCh <-chan container.WaitResponse) int64 {
	if err := e.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		logger.Warn(ctx, "kill container failed", zap.String("container", id), zap.Error(err))
	}
	select {
	case w := <-waitCh:
		return w.StatusCode
	case <-time.After(dockerCleanupWait):
		return -1
	}
}

var signalNames = map[int64]string{
	6:  "aborted",
	8:  "floating point exception",
	9:  "killed",
	11: "segmentation fault",
	24: "CPU time limit exceeded",
	25: "file size limit exceeded",
}

// signalFromStatus decodes the shell convention of 128+signal used by the
// container runtime.
func signalFromStatus(status int64) string {
	if status <= 128 || status > 128+64 {
		return ""
	}
	sig := status - 128
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", sig)
}
