// Package main provides the CLI entry point for fanbench, a harness that
// measures how a shared processing resource degrades as fan-out branches
// are added to a streaming topology.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/weiihann/fanbench/config"
	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/engine/gstlaunch"
	"github.com/weiihann/fanbench/engine/sim"
	"github.com/weiihann/fanbench/harness"
	"github.com/weiihann/fanbench/observability"
	"github.com/weiihann/fanbench/samples"
	"github.com/weiihann/fanbench/stats"
	"github.com/weiihann/fanbench/topology"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitConfig   = 2
	exitPipeline = 3
	exitData     = 4
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if closeErr := a.close(ctx); err == nil {
		err = closeErr
	}

	if err != nil {
		a.logger.Error("fanbench failed", slog.String("error", err.Error()))

		return exitCode(err)
	}

	return exitOK
}

func exitCode(err error) int {
	var (
		cfgErr  *topology.ConfigurationError
		pipeErr *harness.PipelineError
		ioErr   *samples.IOError
	)

	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &pipeErr):
		return exitPipeline
	case errors.As(err, &ioErr), errors.Is(err, stats.ErrEmptySampleSet):
		return exitData
	default:
		return exitFailure
	}
}

// app carries state shared by all commands. It is populated by the root
// command's pre-run hook once the configuration is loaded.
type app struct {
	configPath string
	logLevel   string

	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	shutdown observability.Shutdown

	stdout io.Writer
	stderr io.Writer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		logger:   newLogger(stderr, slog.LevelInfo),
		registry: prometheus.NewRegistry(),
		stdout:   stdout,
		stderr:   stderr,
	}
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "fanbench",
		Short: "Fan-out topology benchmarking harness",
		Long: `Fanbench runs a streaming topology that fans one source out into N
branches for a fixed duration, records per-frame timing and throughput from
the single measured branch, and plots how they degrade as N grows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "",
		"Path to a YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "",
		"Log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(a),
		newScanCmd(a),
		newPlotCmd(a),
		newReportCmd(a),
	)

	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Observability.LogLevel = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Observability.LogLevel)); err != nil {
		return &topology.ConfigurationError{Field: "log level", Value: cfg.Observability.LogLevel, Err: err}
	}

	a.cfg = cfg
	a.logger = newLogger(a.stderr, level)

	shutdown, err := observability.InitTracer(a.logger,
		cfg.Observability.Tracing, "fanbench", cfg.Observability.OTLPEndpoint, a.stderr)
	if err != nil {
		return err
	}

	a.shutdown = shutdown

	return nil
}

// close flushes traces and writes the metrics textfile.
func (a *app) close(ctx context.Context) error {
	var errs []error

	if a.shutdown != nil {
		errs = append(errs, a.shutdown(ctx))
	}

	errs = append(errs, observability.WriteMetrics(a.registry, a.cfg.Observability.MetricsFile))

	return errors.Join(errs...)
}

func (a *app) engine() (engine.Engine, error) {
	ec := a.cfg.Engine

	switch ec.Name {
	case "sim":
		return sim.New(sim.Config{
			Units:         ec.Sim.Units,
			AnalysisCost:  ec.Sim.AnalysisCost,
			UploadCost:    ec.Sim.UploadCost,
			DecodeCost:    ec.Sim.DecodeCost,
			FrameInterval: ec.Sim.FrameInterval,
			FPSInterval:   ec.Sim.FPSInterval,
		}, a.logger), nil
	case "gst-launch":
		binary, err := gstlaunch.ResolveBinary(ec.GstLaunch.Binary)
		if err != nil {
			return nil, &harness.PipelineError{Op: "resolve engine", Err: err}
		}

		return gstlaunch.New(gstlaunch.Config{
			Binary:       binary,
			Env:          ec.GstLaunch.Env,
			StartTimeout: ec.GstLaunch.StartTimeout,
			StopTimeout:  ec.GstLaunch.StopTimeout,
		}, a.logger), nil
	default:
		return nil, &topology.ConfigurationError{Field: "engine", Value: ec.Name, Err: errors.New("unknown engine")}
	}
}

func (a *app) runner() (*harness.Runner, error) {
	eng, err := a.engine()
	if err != nil {
		return nil, err
	}

	return harness.NewRunner(eng, a.logger, harness.NewMetrics(a.registry)), nil
}

func (a *app) topologyOptions() []topology.Option {
	return []topology.Option{
		topology.WithResolution(a.cfg.Run.Width, a.cfg.Run.Height),
		topology.WithInput(a.cfg.Run.Input),
	}
}

// override copies a flag value into dst when the flag was set on the
// command line, so unset flags keep the configured value.
func override[T any](fs *pflag.FlagSet, name string, get func(string) (T, error), dst *T) error {
	if !fs.Changed(name) {
		return nil
	}

	v, err := get(name)
	if err != nil {
		return fmt.Errorf("flag --%s: %w", name, err)
	}

	*dst = v

	return nil
}
