// Package enginetest provides a scripted in-memory engine for harness tests.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/topology"
)

// Script describes the events one pipeline emits.
type Script struct {
	// Perf values are emitted as perf messages when the pipeline starts playing.
	Perf []float64
	// Measurements are emitted on FPSSignal after Perf.
	Measurements []engine.Measurement
	// Foreign perf values are emitted from a non-measurement source.
	Foreign []float64
	// Fatal, if set, is posted as an error message after all other events.
	Fatal error
	// OnNull values are emitted as perf messages while transitioning to NULL,
	// before the harness has unsubscribed.
	OnNull []float64

	BuildErr error
	PlayErr  error
}

// Engine is a scripted engine.Engine.
type Engine struct {
	// ScriptFor returns the script for a pipeline with the given branch count.
	ScriptFor func(branches int) Script

	mu        sync.Mutex
	pipelines []*Pipeline
	active    int
	maxActive int
}

// New returns an engine that runs s for every pipeline.
func New(s Script) *Engine {
	return &Engine{ScriptFor: func(int) Script { return s }}
}

func (e *Engine) Name() string { return "enginetest" }

// Build implements engine.Engine.
func (e *Engine) Build(_ context.Context, d topology.Description) (engine.Pipeline, error) {
	s := e.ScriptFor(len(d.Branches))
	if s.BuildErr != nil {
		return nil, s.BuildErr
	}

	p := &Pipeline{
		engine:      e,
		Description: d,
		script:      s,
		handlers:    engine.NewHandlers(),
	}

	e.mu.Lock()
	e.pipelines = append(e.pipelines, p)
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	e.mu.Unlock()

	return p, nil
}

// Pipelines returns every pipeline built so far.
func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]*Pipeline(nil), e.pipelines...)
}

// MaxActive returns the highest number of simultaneously unreleased pipelines.
func (e *Engine) MaxActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.maxActive
}

// Pipeline is a scripted engine.Pipeline that records its lifecycle.
type Pipeline struct {
	Description topology.Description

	engine   *Engine
	script   Script
	handlers *engine.Handlers

	mu            sync.Mutex
	states        []engine.State
	releases      int
	subsAtRelease int
}

// States returns every state requested, in order.
func (p *Pipeline) States() []engine.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]engine.State(nil), p.states...)
}

// Releases returns how many times Release was called.
func (p *Pipeline) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.releases
}

// SubscriptionsAtRelease returns the live subscription count observed by the
// first Release call.
func (p *Pipeline) SubscriptionsAtRelease() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.subsAtRelease
}

func (p *Pipeline) SetState(s engine.State) error {
	p.mu.Lock()
	p.states = append(p.states, s)
	p.mu.Unlock()

	switch s {
	case engine.StatePlaying:
		if p.script.PlayErr != nil {
			return p.script.PlayErr
		}
		p.emit()
	case engine.StateNull:
		for _, v := range p.script.OnNull {
			p.handlers.EmitMessage(perf(topology.MeasurementAnalysis, v))
		}
	}

	return nil
}

func (p *Pipeline) emit() {
	for _, v := range p.script.Perf {
		p.handlers.EmitMessage(perf(topology.MeasurementAnalysis, v))
	}

	for _, v := range p.script.Foreign {
		p.handlers.EmitMessage(perf("cpuanalysis3", v))
	}

	for _, m := range p.script.Measurements {
		p.handlers.EmitMeasurement(m)
	}

	if p.script.Fatal != nil {
		p.handlers.EmitMessage(engine.Message{
			Kind:   engine.MessageError,
			Source: "pipeline0",
			Err:    p.script.Fatal,
		})
	}
}

func perf(source string, v float64) engine.Message {
	return engine.Message{
		Kind:   engine.MessageElement,
		Name:   engine.PerfMessage,
		Source: source,
		Value:  v,
	}
}

func (p *Pipeline) Subscribe(h engine.MessageHandler) engine.Subscription {
	return p.handlers.AddMessage(h)
}

// ErrUnknownSignal is returned by Connect for signals other than FPSSignal.
var ErrUnknownSignal = errors.New("unknown signal")

func (p *Pipeline) Connect(signal string, h engine.MeasurementHandler) (engine.Subscription, error) {
	if signal != engine.FPSSignal {
		return nil, ErrUnknownSignal
	}

	return p.handlers.AddMeasurement(h), nil
}

func (p *Pipeline) Release() error {
	p.mu.Lock()
	p.releases++
	first := p.releases == 1
	if first {
		p.subsAtRelease = p.handlers.Len()
	}
	p.mu.Unlock()

	if first {
		p.engine.mu.Lock()
		p.engine.active--
		p.engine.mu.Unlock()
	}

	return nil
}
