package harness

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/topology"
)

// ErrInvalidDuration is returned for a non-positive run duration.
var ErrInvalidDuration = errors.New("duration must be positive")

// RunConfig holds parameters for a single benchmark run.
type RunConfig struct {
	Kind       topology.Kind
	Branches   int
	Duration   time.Duration
	Throughput ThroughputField
	Topology   []topology.Option
	// QueueCapacity bounds pending loop callbacks; zero uses the default.
	QueueCapacity int
}

// Validate rejects configurations that cannot produce a run.
func (c RunConfig) Validate() error {
	if !slices.Contains(topology.Kinds(), c.Kind) {
		return &topology.ConfigurationError{Field: "kind", Value: int(c.Kind), Err: topology.ErrUnsupportedKind}
	}

	if c.Branches < 1 {
		return &topology.ConfigurationError{Field: "branch count", Value: c.Branches, Err: topology.ErrInvalidBranchCount}
	}

	if c.Duration <= 0 {
		return &topology.ConfigurationError{Field: "duration", Value: c.Duration, Err: ErrInvalidDuration}
	}

	return nil
}

// Runner executes runs against one engine.
type Runner struct {
	Engine  engine.Engine
	Logger  *slog.Logger
	Metrics *Metrics

	tracer trace.Tracer
}

// NewRunner creates a Runner. A nil metrics gets a private registry.
func NewRunner(eng engine.Engine, logger *slog.Logger, metrics *Metrics) *Runner {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}

	return &Runner{
		Engine:  eng,
		Logger:  logger.With(slog.String("engine", eng.Name())),
		Metrics: metrics,
		tracer:  otel.Tracer("github.com/weiihann/fanbench/harness"),
	}
}

// Run executes one benchmark and blocks until its pipeline is released.
// The returned run is frozen. On failure the run is also returned, in
// state Failed, with err equal to run.Err.
//
// ctx is passed to the engine and to tracing; cancelling it does not end
// the run early. The stop timer is the only way a run ends.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Run, error) {
	run := newRun(cfg)

	ctx, span := r.tracer.Start(ctx, "harness.Run", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("run.kind", cfg.Kind.String()),
		attribute.Int("run.branches", cfg.Branches),
		attribute.String("run.duration", cfg.Duration.String()),
	))
	defer span.End()

	logger := r.Logger.With(
		slog.String("run_id", run.ID.String()),
		slog.String("kind", cfg.Kind.String()),
		slog.Int("branches", cfg.Branches),
	)

	loop := NewLoop(cfg.QueueCapacity)
	collector := NewCollector(run, cfg.Throughput, r.Metrics)
	ctrl := NewController(cfg, r.Engine, loop, run, collector, r.Metrics, logger)

	if err := loop.Post(func() { _ = ctrl.Start(ctx) }); err != nil {
		return nil, err
	}

	loop.Run()
	<-ctrl.Done()

	run.LateEvents = collector.Late()
	run.Overflows = ctrl.Overflows()

	span.SetAttributes(
		attribute.Int("run.samples", len(run.Samples)),
		attribute.Int("run.throughput_samples", len(run.Throughput)),
		attribute.Int64("run.late_events", run.LateEvents),
	)

	if run.State == StateFailed {
		span.RecordError(run.Err)
		span.SetStatus(codes.Error, run.Err.Error())

		return run, run.Err
	}

	logger.Info("run finished",
		slog.Int("samples", len(run.Samples)),
		slog.Int("throughput_samples", len(run.Throughput)),
		slog.Int64("late_events", run.LateEvents),
		slog.Int64("overflows", run.Overflows),
		slog.Duration("wall_time", run.FinishedAt.Sub(run.StartedAt)),
	)

	if collector.Foreign() > 0 {
		logger.Warn("ignored perf messages from non-measurement branches",
			slog.Int("count", collector.Foreign()),
		)
	}

	return run, nil
}
