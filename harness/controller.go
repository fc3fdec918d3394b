package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/topology"
)

var now = time.Now

// ErrEventsDropped fails a run whose events did not all fit in the loop queue.
var ErrEventsDropped = errors.New("events dropped on full event loop queue")

// PipelineError reports an engine failure. It aborts the current run only.
type PipelineError struct {
	Op  string
	Err error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Controller drives one pipeline from NULL to PLAYING and back. Start and
// Stop must be called on the loop.
type Controller struct {
	cfg       RunConfig
	engine    engine.Engine
	loop      *Loop
	run       *Run
	collector *Collector
	metrics   *Metrics
	logger    *slog.Logger

	pipeline engine.Pipeline
	subs     []engine.Subscription
	timer    *time.Timer
	stopped  bool
	done     chan struct{}

	overflows atomic.Int64
}

// NewController wires a controller for run onto loop.
func NewController(
	cfg RunConfig,
	eng engine.Engine,
	loop *Loop,
	run *Run,
	collector *Collector,
	metrics *Metrics,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		cfg:       cfg,
		engine:    eng,
		loop:      loop,
		run:       run,
		collector: collector,
		metrics:   metrics,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Done is closed once Stop has torn the pipeline down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Overflows returns the number of events dropped on a full loop queue.
func (c *Controller) Overflows() int64 { return c.overflows.Load() }

// Start builds the topology, subscribes to engine events, sets the pipeline
// to PLAYING and arms the stop timer. Any failure fails the run and tears
// down immediately.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return c.abort(err)
	}

	desc, err := topology.Build(c.cfg.Kind, c.cfg.Branches, c.cfg.Topology...)
	if err != nil {
		return c.abort(err)
	}

	c.logger.Debug("topology built", slog.String("launch", desc.Launch()))

	p, err := c.engine.Build(ctx, desc)
	if err != nil {
		return c.abort(&PipelineError{Op: "build", Err: err})
	}

	c.pipeline = p
	c.subs = append(c.subs, p.Subscribe(c.onMessage))

	sub, err := p.Connect(engine.FPSSignal, c.onMeasurement)
	if err != nil {
		return c.abort(&PipelineError{Op: "connect " + engine.FPSSignal, Err: err})
	}

	c.subs = append(c.subs, sub)

	if err := p.SetState(engine.StatePlaying); err != nil {
		return c.abort(&PipelineError{Op: "set state " + engine.StatePlaying.String(), Err: err})
	}

	c.run.State = StateRunning
	c.run.StartedAt = now()
	c.timer = c.loop.AfterFunc(c.cfg.Duration, c.Stop)

	c.logger.Info("pipeline playing",
		slog.Int("branches", c.cfg.Branches),
		slog.Duration("duration", c.cfg.Duration),
	)

	return nil
}

func (c *Controller) abort(err error) error {
	c.run.fail(err)
	c.logger.Error("run failed", slog.String("error", err.Error()))
	c.Stop()

	return err
}

// Stop moves the pipeline to NULL, drops all subscriptions, closes the
// collector, releases the pipeline and signals completion. Calls after the
// first are no-ops.
func (c *Controller) Stop() {
	if c.stopped {
		c.logger.Debug("stop ignored, already stopped")

		return
	}

	c.stopped = true

	if c.timer != nil {
		c.timer.Stop()
	}

	if c.pipeline != nil {
		if err := c.pipeline.SetState(engine.StateNull); err != nil {
			c.logger.Warn("set state NULL failed", slog.String("error", err.Error()))
		}
	}

	for _, sub := range c.subs {
		sub.Unsubscribe()
	}

	c.subs = nil

	// No handler can post once unsubscribed, so the count is final.
	if n := c.overflows.Load(); n > 0 {
		c.run.fail(&PipelineError{Op: "collect", Err: fmt.Errorf("%w: %d", ErrEventsDropped, n)})
		c.logger.Error("run failed", slog.Int64("overflows", n))
	}

	c.collector.Close()

	if c.pipeline != nil {
		if err := c.pipeline.Release(); err != nil {
			c.logger.Warn("release failed", slog.String("error", err.Error()))
		}
	}

	kind := c.run.Kind.String()
	c.metrics.Runs.WithLabelValues(kind, c.run.State.String()).Inc()

	if !c.run.StartedAt.IsZero() {
		c.metrics.RunSeconds.WithLabelValues(kind).Observe(
			c.run.FinishedAt.Sub(c.run.StartedAt).Seconds(),
		)
	}

	close(c.done)
	c.loop.Quit()
}

// dispatch runs on the loop.
func (c *Controller) dispatch(m engine.Message) {
	switch {
	case c.collector.Closed():
		c.collector.OnMessage(m)
	case m.Kind == engine.MessageError:
		err := m.Err
		if err == nil {
			err = errors.New("unspecified engine error")
		}

		c.run.fail(&PipelineError{Op: "bus error from " + m.Source, Err: err})
		c.logger.Error("fatal engine error",
			slog.String("source", m.Source),
			slog.String("error", err.Error()),
		)
		c.Stop()
	case m.Kind == engine.MessageEOS:
		c.logger.Info("end of stream before timer expiry")
		c.Stop()
	default:
		c.collector.OnMessage(m)
	}
}

// onMessage and onMeasurement run on engine goroutines.
func (c *Controller) onMessage(m engine.Message) {
	c.post(func() { c.dispatch(m) })
}

func (c *Controller) onMeasurement(m engine.Measurement) {
	c.post(func() { c.collector.OnMeasurement(m) })
}

func (c *Controller) post(fn func()) {
	err := c.loop.Post(fn)

	switch {
	case err == nil:
	case errors.Is(err, ErrLoopClosed):
		c.collector.dropLate()
	default:
		c.metrics.Overflows.WithLabelValues(c.run.Kind.String()).Inc()
		c.overflows.Add(1)
	}
}
