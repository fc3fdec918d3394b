package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weiihann/fanbench/samples"
	"github.com/weiihann/fanbench/stats"
	"github.com/weiihann/fanbench/topology"
)

// Metric selects which series of a run a scan aggregates and persists.
type Metric int

const (
	MetricTiming Metric = iota
	MetricThroughput
)

func (m Metric) String() string {
	if m == MetricThroughput {
		return "throughput"
	}

	return "timing"
}

// ParseMetric resolves "timing" or "throughput".
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "timing", "":
		return MetricTiming, nil
	case "throughput":
		return MetricThroughput, nil
	default:
		return 0, &topology.ConfigurationError{
			Field: "metric",
			Value: s,
			Err:   errors.New(`must be "timing" or "throughput"`),
		}
	}
}

func (m Metric) values(r *Run) []float64 {
	if m == MetricThroughput {
		return r.Throughput
	}

	return r.Samples
}

// ScanConfig describes a sequence of runs over increasing branch counts.
type ScanConfig struct {
	Kind       topology.Kind
	Sizes      []int
	Duration   time.Duration
	Throughput ThroughputField
	Metric     Metric
	Topology   []topology.Option

	// Prefix and Series, when both set, persist each run's values to
	// {Prefix}/{Series}{size}.
	Prefix string
	Series string

	// StopOnError aborts the scan at the first failed size.
	StopOnError bool

	QueueCapacity int
}

// ScanEntry is one size of a scan. Result is nil when the run failed or
// produced no samples; Err says why.
type ScanEntry struct {
	Size   int
	Result *stats.Result
	Err    error
}

// ScanResult is ordered ascending by size.
type ScanResult []ScanEntry

// Failed returns the entries that carry an error.
func (s ScanResult) Failed() []ScanEntry {
	var out []ScanEntry
	for _, e := range s {
		if e.Err != nil {
			out = append(out, e)
		}
	}

	return out
}

// Range returns the inclusive sizes begin..end.
func Range(begin, end int) []int {
	if end < begin {
		return nil
	}

	sizes := make([]int, 0, end-begin+1)
	for i := begin; i <= end; i++ {
		sizes = append(sizes, i)
	}

	return sizes
}

// Scan runs one benchmark per size, strictly one at a time in ascending
// order. Each run is fully released before the next starts. A failed size
// is recorded with a nil Result; the scan continues unless StopOnError is
// set, in which case the partial result and the error are returned.
func (r *Runner) Scan(ctx context.Context, cfg ScanConfig) (ScanResult, error) {
	sizes := slices.Clone(cfg.Sizes)
	slices.Sort(sizes)
	sizes = slices.Compact(sizes)

	ctx, span := r.tracer.Start(ctx, "harness.Scan", trace.WithAttributes(
		attribute.String("scan.kind", cfg.Kind.String()),
		attribute.IntSlice("scan.sizes", sizes),
		attribute.String("scan.metric", cfg.Metric.String()),
	))
	defer span.End()

	result := make(ScanResult, 0, len(sizes))

	for _, size := range sizes {
		entry := r.scanOne(ctx, cfg, size)
		result = append(result, entry)

		if entry.Err != nil && cfg.StopOnError {
			span.SetStatus(codes.Error, entry.Err.Error())

			return result, fmt.Errorf("scan size %d: %w", size, entry.Err)
		}
	}

	if failed := result.Failed(); len(failed) > 0 {
		span.SetAttributes(attribute.Int("scan.failed", len(failed)))
	}

	return result, nil
}

func (r *Runner) scanOne(ctx context.Context, cfg ScanConfig, size int) ScanEntry {
	entry := ScanEntry{Size: size}

	run, err := r.Run(ctx, RunConfig{
		Kind:          cfg.Kind,
		Branches:      size,
		Duration:      cfg.Duration,
		Throughput:    cfg.Throughput,
		Topology:      cfg.Topology,
		QueueCapacity: cfg.QueueCapacity,
	})
	if err != nil {
		r.Logger.Warn("scan entry failed",
			slog.Int("size", size),
			slog.String("error", err.Error()),
		)
		entry.Err = err

		return entry
	}

	values := cfg.Metric.values(run)

	res, err := stats.Aggregate(values)
	if err != nil {
		entry.Err = fmt.Errorf("aggregate %s: %w", cfg.Metric, err)

		return entry
	}

	entry.Result = &res

	if cfg.Prefix != "" && cfg.Series != "" {
		path := samples.Path(cfg.Prefix, cfg.Series, size)
		if err := samples.Save(path, values); err != nil {
			entry.Err = err

			return entry
		}

		r.Logger.Debug("samples saved", slog.String("path", path))
	}

	return entry
}
