package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiihann/fanbench/harness"
	"github.com/weiihann/fanbench/report"
	"github.com/weiihann/fanbench/stats"
	"github.com/weiihann/fanbench/topology"
)

func newRunCmd(a *app) *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one benchmark at a fixed branch count",
		Long: `Build the topology for --kind with --branches branches, play it for
--duration and print the aggregate timing and throughput of the measured
branch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			rc := &a.cfg.Run

			errs := errors.Join(
				override(fs, "kind", fs.GetString, &rc.Kind),
				override(fs, "branches", fs.GetInt, &rc.Branches),
				override(fs, "duration", fs.GetDuration, &rc.Duration),
				override(fs, "throughput", fs.GetString, &rc.Throughput),
				override(fs, "output", fs.GetString, &rc.Output),
				override(fs, "engine", fs.GetString, &a.cfg.Engine.Name),
			)
			if errs != nil {
				return errs
			}

			if err := a.cfg.Validate(); err != nil {
				return err
			}

			return runBenchmark(cmd, a, outputJSON)
		},
	}

	flags := cmd.Flags()
	flags.String("kind", "cpu",
		"Benchmark kind: cpu, gpu-upload, gpu-upload-shared, gpu-decode")
	flags.Int("branches", 1,
		"Number of fan-out branches")
	flags.Duration("duration", 10*time.Second,
		"Wall-clock duration of the run")
	flags.String("throughput", "current",
		"Throughput field to record: current or average")
	flags.String("output", "",
		"File to write the timing samples to")
	flags.String("engine", "sim",
		"Execution engine: sim or gst-launch")
	flags.BoolVar(&outputJSON, "json", false,
		"Output the run summary as JSON")

	return cmd
}

type runSummary struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Branches   int           `json:"branches"`
	Duration   string        `json:"duration"`
	Timing     *stats.Result `json:"timing,omitempty"`
	Throughput *stats.Result `json:"throughput,omitempty"`
	LateEvents int64         `json:"late_events"`
	Overflows  int64         `json:"overflows"`
	Dropped    float64       `json:"dropped"`
}

func runBenchmark(cmd *cobra.Command, a *app, outputJSON bool) error {
	ctx := cmd.Context()
	rc := a.cfg.Run

	kind, err := topology.ParseKind(rc.Kind)
	if err != nil {
		return err
	}

	field, err := harness.ParseThroughputField(rc.Throughput)
	if err != nil {
		return err
	}

	runner, err := a.runner()
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "starting benchmark",
		slog.String("kind", kind.String()),
		slog.Int("branches", rc.Branches),
		slog.Duration("duration", rc.Duration),
		slog.String("engine", runner.Engine.Name()),
	)

	run, err := runner.Run(ctx, harness.RunConfig{
		Kind:          kind,
		Branches:      rc.Branches,
		Duration:      rc.Duration,
		Throughput:    field,
		Topology:      a.topologyOptions(),
		QueueCapacity: rc.QueueCapacity,
	})
	if err != nil {
		return fmt.Errorf("run %s x%d: %w", kind, rc.Branches, err)
	}

	if rc.Output != "" {
		if err := run.Save(rc.Output); err != nil {
			return err
		}

		a.logger.InfoContext(ctx, "samples saved", slog.String("path", rc.Output))
	}

	summary := runSummary{
		ID:         run.ID.String(),
		Kind:       run.Kind.String(),
		Branches:   run.Branches,
		Duration:   run.Duration.String(),
		LateEvents: run.LateEvents,
		Overflows:  run.Overflows,
		Dropped:    run.Dropped,
	}

	timing, timingErr := run.Aggregate()
	if timingErr == nil {
		summary.Timing = &timing
	}

	if tp, err := run.AggregateThroughput(); err == nil {
		summary.Throughput = &tp
	}

	if outputJSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
	} else {
		printSummary(a, summary)
	}

	if timingErr != nil {
		return fmt.Errorf("aggregate timing: %w", timingErr)
	}

	return nil
}

func printSummary(a *app, s runSummary) {
	fmt.Fprintf(a.stdout, "run %s: %s x%d for %s\n", s.ID, s.Kind, s.Branches, s.Duration)

	if s.Timing != nil {
		fmt.Fprintf(a.stdout, "  timing:     mean %.6fs  stddev %.6fs  n=%d\n",
			s.Timing.Mean, s.Timing.StdDev, s.Timing.Count)
	} else {
		fmt.Fprintln(a.stdout, "  timing:     no samples")
	}

	if s.Throughput != nil {
		fmt.Fprintf(a.stdout, "  throughput: mean %.2f fps  stddev %.2f  n=%d\n",
			s.Throughput.Mean, s.Throughput.StdDev, s.Throughput.Count)
	}

	if s.LateEvents > 0 || s.Overflows > 0 {
		fmt.Fprintf(a.stdout, "  late events: %d  overflows: %d\n", s.LateEvents, s.Overflows)
	}
}

func newScanCmd(a *app) *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one benchmark per branch count in [begin, end]",
		Long: `Run the benchmark for every branch count from --begin to --end, one
at a time in ascending order, persist each run's samples to
{prefix}/{series}{size} and print a comparison table.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			sc := &a.cfg.Scan
			rc := &a.cfg.Run

			errs := errors.Join(
				override(fs, "kind", fs.GetString, &rc.Kind),
				override(fs, "duration", fs.GetDuration, &rc.Duration),
				override(fs, "throughput", fs.GetString, &rc.Throughput),
				override(fs, "engine", fs.GetString, &a.cfg.Engine.Name),
				override(fs, "begin", fs.GetInt, &sc.Begin),
				override(fs, "end", fs.GetInt, &sc.End),
				override(fs, "metric", fs.GetString, &sc.Metric),
				override(fs, "prefix", fs.GetString, &sc.Prefix),
				override(fs, "series", fs.GetString, &sc.Series),
				override(fs, "stop-on-error", fs.GetBool, &sc.StopOnError),
			)
			if errs != nil {
				return errs
			}

			if err := a.cfg.Validate(); err != nil {
				return err
			}

			return runScan(cmd, a, outputJSON)
		},
	}

	flags := cmd.Flags()
	flags.String("kind", "cpu",
		"Benchmark kind: cpu, gpu-upload, gpu-upload-shared, gpu-decode")
	flags.Duration("duration", 10*time.Second,
		"Wall-clock duration of each run")
	flags.String("throughput", "current",
		"Throughput field to record: current or average")
	flags.String("engine", "sim",
		"Execution engine: sim or gst-launch")
	flags.Int("begin", 1,
		"Smallest branch count")
	flags.Int("end", 10,
		"Largest branch count")
	flags.String("metric", "timing",
		"Series to aggregate and persist: timing or throughput")
	flags.String("prefix", "results",
		"Output directory for sample files")
	flags.String("series", "",
		"Series name for sample files (default: the kind)")
	flags.Bool("stop-on-error", false,
		"Abort the scan at the first failed size")
	flags.BoolVar(&outputJSON, "json", false,
		"Output results as JSON instead of table")

	return cmd
}

func runScan(cmd *cobra.Command, a *app, outputJSON bool) error {
	ctx := cmd.Context()
	rc, sc := a.cfg.Run, a.cfg.Scan

	kind, err := topology.ParseKind(rc.Kind)
	if err != nil {
		return err
	}

	field, err := harness.ParseThroughputField(rc.Throughput)
	if err != nil {
		return err
	}

	metric, err := harness.ParseMetric(sc.Metric)
	if err != nil {
		return err
	}

	series := sc.Series
	if series == "" {
		series = kind.String()
	}

	runner, err := a.runner()
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "starting scan",
		slog.String("kind", kind.String()),
		slog.Int("begin", sc.Begin),
		slog.Int("end", sc.End),
		slog.Duration("duration", rc.Duration),
		slog.String("series", series),
	)

	result, scanErr := runner.Scan(ctx, harness.ScanConfig{
		Kind:          kind,
		Sizes:         harness.Range(sc.Begin, sc.End),
		Duration:      rc.Duration,
		Throughput:    field,
		Metric:        metric,
		Topology:      a.topologyOptions(),
		Prefix:        sc.Prefix,
		Series:        series,
		StopOnError:   sc.StopOnError,
		QueueCapacity: rc.QueueCapacity,
	})

	if len(result) > 0 {
		if outputJSON {
			err = report.GenerateJSON(a.stdout, result)
		} else {
			err = report.Generate(a.stdout, series, metric, result)
		}

		if err != nil {
			return fmt.Errorf("generate report: %w", err)
		}
	}

	if scanErr != nil {
		return scanErr
	}

	if failed := result.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d sizes failed, first at size %d: %w",
			len(failed), len(result), failed[0].Size, failed[0].Err)
	}

	a.logger.InfoContext(ctx, "scan complete", slog.Int("sizes", len(result)))

	return nil
}
