// Package harness drives fan-out benchmark pipelines for a fixed duration,
// collects their asynchronous timing and throughput events and runs size
// scans one pipeline at a time.
package harness

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weiihann/fanbench/samples"
	"github.com/weiihann/fanbench/stats"
	"github.com/weiihann/fanbench/topology"
)

// State is the lifecycle state of a Run.
type State int

const (
	StateBuilding State = iota
	StateRunning
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ThroughputField selects which field of a throughput triple is recorded.
type ThroughputField int

const (
	// ThroughputCurrent records the instantaneous value, for distributions.
	ThroughputCurrent ThroughputField = iota
	// ThroughputAverage records the sink's running average; the last value
	// is the per-run summary.
	ThroughputAverage
)

func (f ThroughputField) String() string {
	if f == ThroughputAverage {
		return "average"
	}

	return "current"
}

// ParseThroughputField resolves "current" or "average".
func ParseThroughputField(s string) (ThroughputField, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "current", "":
		return ThroughputCurrent, nil
	case "average":
		return ThroughputAverage, nil
	default:
		return 0, &topology.ConfigurationError{
			Field: "throughput field",
			Value: s,
			Err:   errors.New(`must be "current" or "average"`),
		}
	}
}

// Run is one benchmark execution. It is owned by the harness while active
// and read-only once Finished or Failed.
type Run struct {
	ID         uuid.UUID
	Kind       topology.Kind
	Branches   int
	Duration   time.Duration
	Samples    []float64
	Throughput []float64
	State      State
	Err        error

	// LateEvents counts events that arrived after the collector closed.
	LateEvents int64
	// Overflows counts events dropped because the event loop queue was full.
	// Any overflow fails the run with ErrEventsDropped.
	Overflows int64
	// Dropped is the last dropped-unit count reported by the measurement sink.
	Dropped float64

	StartedAt  time.Time
	FinishedAt time.Time
}

func newRun(cfg RunConfig) *Run {
	return &Run{
		ID:       uuid.New(),
		Kind:     cfg.Kind,
		Branches: cfg.Branches,
		Duration: cfg.Duration,
		State:    StateBuilding,
	}
}

// Frozen reports whether the run has reached a terminal state.
func (r *Run) Frozen() bool {
	return r.State == StateFinished || r.State == StateFailed
}

func (r *Run) appendSample(v float64) bool {
	if r.State != StateRunning {
		return false
	}

	r.Samples = append(r.Samples, v)

	return true
}

func (r *Run) appendThroughput(v float64) bool {
	if r.State != StateRunning {
		return false
	}

	r.Throughput = append(r.Throughput, v)

	return true
}

func (r *Run) fail(err error) {
	if r.Frozen() {
		return
	}

	r.State = StateFailed
	r.Err = err
}

func (r *Run) freeze(now time.Time) {
	if !r.Frozen() {
		r.State = StateFinished
	}

	r.FinishedAt = now
}

// Aggregate reduces the timing samples.
func (r *Run) Aggregate() (stats.Result, error) {
	return stats.Aggregate(r.Samples)
}

// AggregateThroughput reduces the throughput samples.
func (r *Run) AggregateThroughput() (stats.Result, error) {
	return stats.Aggregate(r.Throughput)
}

// Save persists the timing samples to path.
func (r *Run) Save(path string) error {
	return samples.Save(path, r.Samples)
}
