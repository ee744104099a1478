// phcode compiles and runs untrusted C++ sources under sandbox limits and
// prints the result as JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"phcode/internal/sandbox"
	"phcode/internal/sandbox/compiler"
	"phcode/internal/sandbox/engine"
	"phcode/internal/sandbox/observer"
	"phcode/internal/sandbox/screen"
	"phcode/internal/sandbox/workspace"
	appErr "phcode/pkg/errors"
	"phcode/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/phcode.yaml"

type app struct {
	configPath string
	cfg        *AppConfig
}

func main() {
	os.Exit(execute())
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		_ = logger.Sync()
	}()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "phcode: %v\n", err)
		return appErr.GetCode(err).ExitCode()
	}
	return 0
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "phcode",
		Short:         "Compile and run untrusted C++ programs in a sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", defaultConfigPath, "Path to config file")
	root.AddCommand(newRunCommand(a), newCheckCommand(a), newCapsCommand(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := loadAppConfig(a.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return appErr.Wrapf(err, appErr.ConfigInvalid, "init logger failed")
	}
	a.cfg = cfg
	return nil
}

func (a *app) newEngine() (engine.Engine, error) {
	return engine.New(a.cfg.Sandbox.engineConfig())
}

// newPipeline wires the sandbox; reg may be nil to skip metrics.
func (a *app) newPipeline(reg prometheus.Registerer) (*sandbox.Pipeline, error) {
	eng, err := a.newEngine()
	if err != nil {
		return nil, err
	}
	var metrics observer.MetricsRecorder = observer.NoopMetricsRecorder{}
	if reg != nil {
		recorder, err := observer.NewPrometheusRecorder(reg)
		if err != nil {
			_ = eng.Close()
			return nil, appErr.Wrapf(err, appErr.InternalServerError, "register metrics failed")
		}
		metrics = recorder
	}

	sb := a.cfg.Sandbox
	p, err := sandbox.NewPipeline(sb.pipelineConfig(), sandbox.Deps{
		Screener:   screen.Default(),
		Workspaces: workspace.NewManager(sb.WorkRoot),
		Compiler:   compiler.New(sb.compilerConfig()),
		Engine:     eng,
		Metrics:    metrics,
	})
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	logger.Debug(context.Background(), "pipeline ready",
		zap.String("backend", sb.Backend),
		zap.String("toolchain", sb.Toolchain),
		zap.Int64("max_concurrent_jobs", sb.MaxConcurrentJobs),
	)
	return p, nil
}
