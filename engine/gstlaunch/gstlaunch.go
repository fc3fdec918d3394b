// Package gstlaunch runs benchmark topologies through an external
// gst-launch-1.0 process and turns its verbose output into engine events.
package gstlaunch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/topology"
)

// DefaultBinary is looked up on PATH when Config.Binary is empty.
const DefaultBinary = "gst-launch-1.0"

// Config holds how the launcher process is started and stopped.
type Config struct {
	Binary string
	// ExtraArgs are inserted before the gst-launch flags.
	ExtraArgs []string
	// Env is appended to the inherited environment.
	Env          []string
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

// ResolveBinary returns the absolute path of the launcher binary.
func ResolveBinary(binary string) (string, error) {
	if binary == "" {
		binary = DefaultBinary
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", binary, err)
	}

	return path, nil
}

// Engine launches one process per pipeline.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine. Zero timeouts get defaults.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}

	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}

	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	return &Engine{
		cfg:    cfg,
		logger: logger.With(slog.String("engine", "gst-launch")),
	}
}

func (e *Engine) Name() string { return "gst-launch" }

// Build implements engine.Engine. The process is not started until the
// pipeline is set to PLAYING.
func (e *Engine) Build(_ context.Context, d topology.Description) (engine.Pipeline, error) {
	if _, ok := d.Measurement(); !ok {
		return nil, errors.New("description has no measurement branch")
	}

	args := make([]string, 0, len(e.cfg.ExtraArgs)+4)
	args = append(args, e.cfg.ExtraArgs...)
	args = append(args, "-m", "-v", "-e", d.Launch())

	return &pipeline{
		cfg:      e.cfg,
		args:     args,
		logger:   e.logger,
		handlers: engine.NewHandlers(),
	}, nil
}

type pipeline struct {
	cfg      Config
	args     []string
	logger   *slog.Logger
	handlers *engine.Handlers

	mu       sync.Mutex
	cmd      *exec.Cmd
	stderr   bytes.Buffer
	playing  chan struct{}
	failed   chan error
	exited   chan struct{}
	released bool

	// stopping is read by the output reader while mu is held by stop.
	stopping atomic.Bool
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

	switch s {
	case engine.StatePlaying:
		return p.start()
	case engine.StateNull:
		return p.stop()
	default:
		return fmt.Errorf("unsupported state %s", s)
	}
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

func (p *pipeline) start() error {
	if p.cmd != nil {
		return nil
	}

	cmd := exec.Command(p.cfg.Binary, p.args...)
	if len(p.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), p.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	cmd.Stderr = &p.stderr

	p.playing = make(chan struct{})
	p.failed = make(chan error, 1)
	p.exited = make(chan struct{})

	p.logger.Info("starting launcher",
		slog.String("binary", p.cfg.Binary),
		slog.Int("args", len(p.args)),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Binary, err)
	}

	p.cmd = cmd

	go p.read(stdout)

	select {
	case <-p.playing:
		return nil
	case err := <-p.failed:
		p.kill()

		return err
	case <-time.After(p.cfg.StartTimeout):
		p.kill()

		return fmt.Errorf("pipeline did not reach PLAYING within %s", p.cfg.StartTimeout)
	}
}

// stop interrupts the launcher so -e can push EOS, and kills it if it does
// not exit within StopTimeout.
func (p *pipeline) stop() error {
	if p.cmd == nil || p.stopping.Swap(true) {
		return nil
	}

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("interrupt failed", slog.String("error", err.Error()))
	}

	select {
	case <-p.exited:
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Warn("launcher ignored interrupt, killing",
			slog.Duration("timeout", p.cfg.StopTimeout),
		)
		p.kill()
	}

	return nil
}

// kill must be called with p.mu held.
func (p *pipeline) kill() {
	p.stopping.Store(true)

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("kill failed", slog.String("error", err.Error()))
	}

	<-p.exited
}

func (p *pipeline) read(stdout io.Reader) {
	defer close(p.exited)

	playing := false
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		ev := parseLine(sc.Text())

		switch ev.kind {
		case eventPlaying:
			if !playing {
				playing = true
				close(p.playing)
			}
		case eventMessage:
			if !playing && ev.message.Kind == engine.MessageError {
				p.reportStartFailure(ev.message.Err)
				continue
			}
			if ev.message.Kind == engine.MessageEOS && p.stopping.Load() {
				continue
			}
			p.handlers.EmitMessage(ev.message)
		case eventMeasurement:
			if ev.sink == topology.MeasurementSink {
				p.handlers.EmitMeasurement(ev.measurement)
			}
		}
	}

	err := p.cmd.Wait()

	switch {
	case !playing:
		p.reportStartFailure(fmt.Errorf("launcher exited before PLAYING: %v\nstderr: %s", err, p.stderr.String()))
	case !p.stopping.Load():
		if err == nil {
			err = errors.New("launcher exited")
		}
		p.handlers.EmitMessage(engine.Message{
			Kind:   engine.MessageError,
			Source: p.cfg.Binary,
			Err:    err,
		})
	}
}

// reportStartFailure keeps the first error seen before PLAYING.
func (p *pipeline) reportStartFailure(err error) {
	select {
	case p.failed <- err:
	default:
	}
}
