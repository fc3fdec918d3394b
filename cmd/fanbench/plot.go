package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gonum.org/v1/plot/vg"

	"github.com/weiihann/fanbench/harness"
	"github.com/weiihann/fanbench/report"
	"github.com/weiihann/fanbench/topology"
)

func newPlotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Render plots from persisted sample files",
	}

	cmd.PersistentFlags().String("prefix", "results",
		"Directory holding sample files; plots go to {prefix}/plots")
	cmd.PersistentFlags().StringSlice("series", []string{"cpu", "gpu"},
		"Series names to plot")
	cmd.PersistentFlags().String("format", "png",
		"Image format: png, svg, pdf, eps, jpg, tif")

	cmd.AddCommand(newPlotHistCmd(a), newPlotDegradCmd(a))

	return cmd
}

func (a *app) plotOverrides(cmd *cobra.Command) ([]report.Series, error) {
	fs := cmd.Flags()
	pc := &a.cfg.Plot

	names := []string{"cpu", "gpu"}

	err := errors.Join(
		override(fs, "prefix", fs.GetString, &pc.Prefix),
		override(fs, "format", fs.GetString, &pc.Format),
		override(fs, "series", fs.GetStringSlice, &names),
	)
	if err != nil {
		return nil, err
	}

	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}

	if len(names) == 0 {
		return nil, errors.New("at least one series is required")
	}

	series := make([]report.Series, len(names))
	for i, n := range names {
		series[i] = report.Series{Name: n, Label: pc.Labels[n]}
	}

	return series, nil
}

func (a *app) canvas() report.Canvas {
	return report.Canvas{
		Format: a.cfg.Plot.Format,
		Width:  vg.Length(a.cfg.Plot.Width) * vg.Inch,
		Height: vg.Length(a.cfg.Plot.Height) * vg.Inch,
	}
}

func newPlotHistCmd(a *app) *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "hist",
		Short: "Overlay the timing histograms of several series at one size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			series, err := a.plotOverrides(cmd)
			if err != nil {
				return err
			}

			if size < 1 {
				return &topology.ConfigurationError{Field: "size", Value: size, Err: topology.ErrInvalidBranchCount}
			}

			pc := a.cfg.Plot

			rep, err := report.Histogram(report.HistogramJob{
				Prefix: pc.Prefix,
				Size:   size,
				Series: series,
				Bound:  report.BoundConfig{Divisor: pc.Divisor, Decimals: pc.Decimals},
				Edges:  pc.Edges,
				Canvas: a.canvas(),
			})
			if err != nil {
				return fmt.Errorf("histogram for size %d: %w", size, err)
			}

			for name, n := range rep.Outliers {
				if n > 0 {
					a.logger.Warn("samples beyond histogram bound",
						slog.String("series", name),
						slog.Int("count", n),
						slog.Float64("bound", rep.Bound),
					)
				}
			}

			a.logger.Info("histogram written", slog.String("path", rep.Path))
			fmt.Fprintln(a.stdout, rep.Path)

			return nil
		},
	}

	cmd.Flags().IntVar(&size, "size", 1, "Branch count whose sample files are plotted")

	return cmd
}

func newPlotDegradCmd(a *app) *cobra.Command {
	var begin, end int

	cmd := &cobra.Command{
		Use:   "degrad",
		Short: "Plot mean and stddev against branch count for each series",
		RunE: func(cmd *cobra.Command, _ []string) error {
			series, err := a.plotOverrides(cmd)
			if err != nil {
				return err
			}

			path, err := report.Degradation(report.DegradationJob{
				Prefix: a.cfg.Plot.Prefix,
				Begin:  begin,
				End:    end,
				Series: series,
				Canvas: a.canvas(),
			})
			if err != nil {
				return fmt.Errorf("degradation plot: %w", err)
			}

			a.logger.Info("degradation plot written", slog.String("path", path))
			fmt.Fprintln(a.stdout, path)

			return nil
		},
	}

	cmd.Flags().IntVar(&begin, "begin", 1, "Smallest branch count")
	cmd.Flags().IntVar(&end, "end", 10, "Largest branch count")

	return cmd
}

func newReportCmd(a *app) *cobra.Command {
	var (
		series     string
		metric     string
		begin, end int
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a comparison table from persisted sample files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			prefix := a.cfg.Scan.Prefix
			if err := override(fs, "prefix", fs.GetString, &prefix); err != nil {
				return err
			}

			m, err := harness.ParseMetric(metric)
			if err != nil {
				return err
			}

			result, err := report.Load(prefix, series, begin, end)
			if err != nil {
				return err
			}

			if outputJSON {
				return report.GenerateJSON(a.stdout, result)
			}

			return report.Generate(a.stdout, series, m, result)
		},
	}

	flags := cmd.Flags()
	flags.String("prefix", "results", "Directory holding sample files")
	flags.StringVar(&series, "series", "cpu", "Series name")
	flags.StringVar(&metric, "metric", "timing", "What the files hold: timing or throughput")
	flags.IntVar(&begin, "begin", 1, "Smallest branch count")
	flags.IntVar(&end, "end", 10, "Largest branch count")
	flags.BoolVar(&outputJSON, "json", false, "Output results as JSON instead of table")

	return cmd
}
