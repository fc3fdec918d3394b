// Package sim is an in-process engine that models a shared processing
// resource. Every branch competes for the same weighted semaphore, so the
// measurement branch's per-frame time grows with the number of branches.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/topology"
)

// Config sets the cost model.
type Config struct {
	// Units is the capacity of the shared resource.
	Units int64
	// AnalysisCost is held on the resource for each analysed frame.
	AnalysisCost time.Duration
	// UploadCost is added per frame for each glupload stage.
	UploadCost time.Duration
	// DecodeCost is added per frame for a hardware decoder in the source.
	DecodeCost time.Duration
	// FrameInterval paces each branch; zero runs as fast as the resource
	// allows. Without an analysis cost it is at least MinFrameInterval.
	FrameInterval time.Duration
	// FPSInterval is the period of the fps-measurements signal.
	FPSInterval time.Duration
}

// DefaultConfig returns a cost model roughly matching a small integrated GPU.
func DefaultConfig() Config {
	return Config{
		Units:        1,
		AnalysisCost: 4 * time.Millisecond,
		UploadCost:   2 * time.Millisecond,
		DecodeCost:   3 * time.Millisecond,
		FPSInterval:  500 * time.Millisecond,
	}
}

// MinFrameInterval paces branches that would otherwise spin.
const MinFrameInterval = time.Millisecond

// ErrNoMeasurementBranch is returned for a description without a measurement sink.
var ErrNoMeasurementBranch = errors.New("description has no measurement branch")

// Engine builds simulated pipelines.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a simulated engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Units <= 0 {
		cfg.Units = 1
	}

	if cfg.FPSInterval <= 0 {
		cfg.FPSInterval = DefaultConfig().FPSInterval
	}

	if cfg.AnalysisCost <= 0 && cfg.FrameInterval < MinFrameInterval {
		cfg.FrameInterval = MinFrameInterval
	}

	return &Engine{cfg: cfg, logger: logger.With(slog.String("engine", "sim"))}
}

func (e *Engine) Name() string { return "sim" }

// Build implements engine.Engine.
func (e *Engine) Build(_ context.Context, d topology.Description) (engine.Pipeline, error) {
	if len(d.Branches) == 0 {
		return nil, fmt.Errorf("build %s: %w", d.Kind, topology.ErrInvalidBranchCount)
	}

	if _, ok := d.Measurement(); !ok {
		return nil, ErrNoMeasurementBranch
	}

	return &pipeline{
		desc:     d,
		cfg:      e.cfg,
		logger:   e.logger,
		handlers: engine.NewHandlers(),
		resource: semaphore.NewWeighted(e.cfg.Units),
	}, nil
}

type pipeline struct {
	desc     topology.Description
	cfg      Config
	logger   *slog.Logger
	handlers *engine.Handlers
	resource *semaphore.Weighted

	mu       sync.Mutex
	state    engine.State
	cancel   context.CancelFunc
	group    *errgroup.Group
	released bool

	frames atomic.Int64
}

func (p *pipeline) Subscribe(h engine.MessageHandler) engine.Subscription {
	return p.handlers.AddMessage(h)
}

func (p *pipeline) Connect(signal string, h engine.MeasurementHandler) (engine.Subscription, error) {
	if signal != engine.FPSSignal {
		return nil, fmt.Errorf("no signal %q on %s", signal, topology.MeasurementSink)
	}

	return p.handlers.AddMeasurement(h), nil
}

func (p *pipeline) SetState(s engine.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return errors.New("pipeline released")
	}

	if s == p.state {
		return nil
	}

	switch s {
	case engine.StatePlaying:
		p.play()
	case engine.StateNull:
		p.cancel()
		if err := p.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			p.state = engine.StateNull

			return err
		}
	default:
		return fmt.Errorf("unsupported state %s", s)
	}

	p.state = s

	return nil
}

func (p *pipeline) Release() error {
	if err := p.SetState(engine.StateNull); err != nil {
		return err
	}

	p.mu.Lock()
	p.released = true
	p.mu.Unlock()

	return nil
}

func (p *pipeline) play() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	p.cancel = cancel
	p.group = g

	shared := p.sharedCost()
	for _, b := range p.desc.Branches {
		cost := shared + p.branchCost(b)
		measure := b.Sink == topology.SinkMeasure

		g.Go(func() error { return p.branch(ctx, cost, measure) })
	}

	g.Go(func() error { return p.fps(ctx) })

	p.logger.Debug("simulated pipeline playing",
		slog.Int("branches", len(p.desc.Branches)),
		slog.Duration("shared_cost", shared),
	)
}

// sharedCost amortizes stages that run once before the fan-out across all
// branches.
func (p *pipeline) sharedCost() time.Duration {
	var cost time.Duration

	for _, s := range p.desc.Source {
		if strings.HasSuffix(element(s), "dec") {
			cost += p.cfg.DecodeCost
		}
	}

	for _, s := range p.desc.Shared {
		if element(s) == "glupload" {
			cost += p.cfg.UploadCost
		}
	}

	return cost / time.Duration(len(p.desc.Branches))
}

func (p *pipeline) branchCost(b topology.Branch) time.Duration {
	var cost time.Duration

	for _, s := range b.Stages {
		switch el := element(s); {
		case el == "glupload":
			cost += p.cfg.UploadCost
		case strings.HasSuffix(el, "analysis"):
			cost += p.cfg.AnalysisCost
		}
	}

	return cost
}

// element returns the factory name of a launch stage.
func element(stage string) string {
	name, _, _ := strings.Cut(stage, " ")

	return name
}

func (p *pipeline) branch(ctx context.Context, cost time.Duration, measure bool) error {
	for {
		start := time.Now()

		if err := p.resource.Acquire(ctx, 1); err != nil {
			return nil
		}

		err := hold(ctx, cost)
		p.resource.Release(1)

		if err != nil {
			return nil
		}

		if measure {
			p.frames.Add(1)
			p.handlers.EmitMessage(engine.Message{
				Kind:   engine.MessageElement,
				Name:   engine.PerfMessage,
				Source: topology.MeasurementAnalysis,
				Value:  time.Since(start).Seconds(),
			})
		}

		if wait := p.cfg.FrameInterval - time.Since(start); wait > 0 {
			if err := hold(ctx, wait); err != nil {
				return nil
			}
		}
	}
}

func (p *pipeline) fps(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FPSInterval)
	defer ticker.Stop()

	start := time.Now()
	last := int64(0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			frames := p.frames.Load()
			p.handlers.EmitMeasurement(engine.Measurement{
				Current: float64(frames-last) / p.cfg.FPSInterval.Seconds(),
				Average: float64(frames) / time.Since(start).Seconds(),
			})
			last = frames
		}
	}
}

func hold(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
