package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"phcode/internal/sandbox"
	"phcode/internal/sandbox/compiler"
	"phcode/internal/sandbox/engine"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "PHCODE_"

	defaultToolchain         = "g++"
	defaultCompileTimeout    = 10 * time.Second
	defaultRunTimeout        = time.Second
	defaultMemoryLimitMB     = 512
	defaultOutputLimitBytes  = 64 << 10
	defaultStackMB           = 64
	defaultMaxConcurrentJobs = 4
	defaultDockerImage       = "gcc:13"
)

// SandboxConfig holds compile and execution settings.
type SandboxConfig struct {
	Toolchain         string        `yaml:"toolchain" env:"TOOLCHAIN"`
	WorkRoot          string        `yaml:"workRoot" env:"WORK_ROOT"`
	CompileTimeout    time.Duration `yaml:"compileTimeout" env:"COMPILE_TIMEOUT"`
	RunTimeout        time.Duration `yaml:"runTimeout" env:"RUN_TIMEOUT"`
	MemoryLimitMB     int64         `yaml:"memoryLimitMB" env:"MEMORY_LIMIT_MB"`
	OutputLimitBytes  int64         `yaml:"outputLimitBytes" env:"OUTPUT_LIMIT_BYTES"`
	StackMB           int64         `yaml:"stackMB" env:"STACK_MB"`
	PIDs              int64         `yaml:"pids" env:"PIDS"`
	MaxConcurrentJobs int64         `yaml:"maxConcurrentJobs" env:"MAX_CONCURRENT_JOBS"`
	Backend           string        `yaml:"backend" env:"BACKEND"`
	HelperPath        string        `yaml:"helperPath" env:"HELPER_PATH"`
	SeccompProfile    string        `yaml:"seccompProfile" env:"SECCOMP_PROFILE"`
	EnableSeccomp     bool          `yaml:"enableSeccomp" env:"ENABLE_SECCOMP"`
	EnableCgroup      bool          `yaml:"enableCgroup" env:"ENABLE_CGROUP"`
	CgroupRoot        string        `yaml:"cgroupRoot" env:"CGROUP_ROOT"`
	Docker            DockerConfig  `yaml:"docker" envPrefix:"DOCKER_"`
}

// DockerConfig holds container backend settings.
type DockerConfig struct {
	Image     string  `yaml:"image" env:"IMAGE"`
	Host      string  `yaml:"host" env:"HOST"`
	CPUs      float64 `yaml:"cpus" env:"CPUS"`
	User      string  `yaml:"user" env:"USER"`
	PullImage bool    `yaml:"pullImage" env:"PULL_IMAGE"`
}

// MetricsConfig holds metrics export settings.
type MetricsConfig struct {
	// TextfilePath receives the registry in text exposition format after a
	// run, for node_exporter's textfile collector. Empty disables export.
	TextfilePath string `yaml:"textfilePath" env:"TEXTFILE_PATH"`
}

// AppConfig holds phcode config.
type AppConfig struct {
	Logger  logger.Config `yaml:"logger" envPrefix:"LOG_"`
	Sandbox SandboxConfig `yaml:"sandbox" envPrefix:"SANDBOX_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig layers the YAML file, .env and PHCODE_* variables, then
// fills defaults. A missing file is only an error when required is set.
func loadAppConfig(path string, required bool) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			if required || !errors.Is(err, fs.ErrNotExist) {
				return nil, appErr.Wrap(err, appErr.ConfigLoadFailed)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, appErr.Wrapf(err, appErr.ConfigLoadFailed, "load .env failed")
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigInvalid, "parse environment failed")
	}

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}

	sb := &cfg.Sandbox
	if sb.Toolchain == "" {
		sb.Toolchain = defaultToolchain
	}
	if sb.CompileTimeout == 0 {
		sb.CompileTimeout = defaultCompileTimeout
	}
	if sb.RunTimeout == 0 {
		sb.RunTimeout = defaultRunTimeout
	}
	if sb.MemoryLimitMB == 0 {
		sb.MemoryLimitMB = defaultMemoryLimitMB
	}
	if sb.OutputLimitBytes == 0 {
		sb.OutputLimitBytes = defaultOutputLimitBytes
	}
	if sb.StackMB == 0 {
		sb.StackMB = defaultStackMB
	}
	if sb.MaxConcurrentJobs <= 0 {
		sb.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if sb.Backend == "" {
		sb.Backend = engine.BackendProcess
	}
	if sb.Docker.Image == "" {
		sb.Docker.Image = defaultDockerImage
	}
}

func validateConfig(cfg *AppConfig) error {
	sb := cfg.Sandbox
	switch sb.Backend {
	case engine.BackendProcess, engine.BackendDocker:
	default:
		return appErr.Newf(appErr.ConfigInvalid, "sandbox.backend must be %q or %q, got %q",
			engine.BackendProcess, engine.BackendDocker, sb.Backend)
	}
	if sb.CompileTimeout < 0 || sb.RunTimeout < 0 {
		return appErr.New(appErr.ConfigInvalid).WithMessage("sandbox timeouts must be positive")
	}
	if sb.MemoryLimitMB < 0 || sb.OutputLimitBytes < 0 || sb.StackMB < 0 || sb.PIDs < 0 {
		return appErr.New(appErr.ConfigInvalid).WithMessage("sandbox limits must not be negative")
	}
	if sb.EnableSeccomp && sb.SeccompProfile == "" {
		return appErr.New(appErr.ConfigInvalid).WithMessage("sandbox.seccompProfile is required when seccomp is enabled")
	}
	return nil
}

func (c SandboxConfig) engineConfig() engine.Config {
	return engine.Config{
		Backend:        c.Backend,
		HelperPath:     c.HelperPath,
		SeccompProfile: c.SeccompProfile,
		EnableSeccomp:  c.EnableSeccomp,
		EnableCgroup:   c.EnableCgroup,
		CgroupRoot:     c.CgroupRoot,
		Docker: engine.DockerConfig{
			Image:     c.Docker.Image,
			Host:      c.Docker.Host,
			CPUs:      c.Docker.CPUs,
			User:      c.Docker.User,
			PullImage: c.Docker.PullImage,
		},
	}
}

func (c SandboxConfig) compilerConfig() compiler.Config {
	return compiler.Config{
		ToolchainPath:   c.Toolchain,
		Timeout:         c.CompileTimeout,
		DiagnosticBytes: c.OutputLimitBytes,
	}
}

func (c SandboxConfig) pipelineConfig() sandbox.Config {
	return sandbox.Config{
		RunTimeout:        c.RunTimeout,
		MemoryLimitMB:     c.MemoryLimitMB,
		OutputLimitBytes:  c.OutputLimitBytes,
		StackMB:           c.StackMB,
		PIDs:              c.PIDs,
		MaxConcurrentJobs: c.MaxConcurrentJobs,
	}
}
