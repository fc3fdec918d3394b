package harness

import (
	"sync/atomic"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/topology"
)

// Collector appends engine events to a run. OnMessage, OnMeasurement and
// Close run on the event loop; Late may be read from anywhere.
type Collector struct {
	run     *Run
	field   ThroughputField
	metrics *Metrics

	closed  bool
	late    atomic.Int64
	foreign int
}

// NewCollector returns an open collector for run.
func NewCollector(run *Run, field ThroughputField, metrics *Metrics) *Collector {
	return &Collector{run: run, field: field, metrics: metrics}
}

// OnMessage records perf messages from the measurement branch.
func (c *Collector) OnMessage(m engine.Message) {
	if c.closed {
		c.dropLate()

		return
	}

	if m.Kind != engine.MessageElement || m.Name != engine.PerfMessage {
		return
	}

	if m.Source != topology.MeasurementAnalysis {
		c.foreign++

		return
	}

	if c.run.appendSample(m.Value) {
		c.metrics.Samples.WithLabelValues(c.run.Kind.String(), "timing").Inc()
	}
}

// OnMeasurement records the configured field of a throughput triple.
func (c *Collector) OnMeasurement(m engine.Measurement) {
	if c.closed {
		c.dropLate()

		return
	}

	v := m.Current
	if c.field == ThroughputAverage {
		v = m.Average
	}

	if c.run.appendThroughput(v) {
		c.run.Dropped = m.Dropped
		c.metrics.Samples.WithLabelValues(c.run.Kind.String(), "throughput").Inc()
	}
}

// Close freezes the run. Every later event is dropped and counted.
func (c *Collector) Close() {
	if c.closed {
		return
	}

	c.closed = true
	c.run.freeze(now())
}

// Closed reports whether Close was called.
func (c *Collector) Closed() bool { return c.closed }

// Late returns the number of events dropped after Close.
func (c *Collector) Late() int64 { return c.late.Load() }

// Foreign returns the number of perf messages from non-measurement sources.
func (c *Collector) Foreign() int { return c.foreign }

// dropLate may be called off the loop, from engine handlers that could not
// post because the loop already quit.
func (c *Collector) dropLate() {
	c.late.Add(1)
	c.metrics.LateEvents.WithLabelValues(c.run.Kind.String()).Inc()
}
