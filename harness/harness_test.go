package harness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/engine/enginetest"
	"github.com/weiihann/fanbench/samples"
	"github.com/weiihann/fanbench/stats"
	"github.com/weiihann/fanbench/topology"
)

const testDuration = 30 * time.Millisecond

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(eng engine.Engine) *Runner {
	return NewRunner(eng, discardLogger(), NewMetrics(prometheus.NewRegistry()))
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}

	return out
}

func TestRunCollectsPerfSamples(t *testing.T) {
	eng := enginetest.New(enginetest.Script{Perf: repeat(0.04, 25)})
	r := newTestRunner(eng)

	run, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindCPU,
		Branches: 1,
		Duration: testDuration,
	})
	require.NoError(t, err)
	assert.Equal(t, StateFinished, run.State)
	assert.Len(t, run.Samples, 25)

	res, err := run.Aggregate()
	require.NoError(t, err)
	assert.InDelta(t, 0.04, res.Mean, 1e-12)
	assert.InDelta(t, 0.0, res.StdDev, 1e-9)
	assert.Equal(t, 25, res.Count)

	assert.Equal(t, 25.0, testutil.ToFloat64(r.Metrics.Samples.WithLabelValues("cpu", "timing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.Runs.WithLabelValues("cpu", "finished")))
}

func TestRunPreservesArrivalOrder(t *testing.T) {
	want := []float64{0.3, 0.1, 0.2, 0.5}
	r := newTestRunner(enginetest.New(enginetest.Script{Perf: want}))

	run, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindGPUUpload,
		Branches: 3,
		Duration: testDuration,
	})
	require.NoError(t, err)
	assert.Equal(t, want, run.Samples)
}

func TestRunTeardownOrder(t *testing.T) {
	eng := enginetest.New(enginetest.Script{Perf: []float64{1}})
	r := newTestRunner(eng)

	_, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindCPU,
		Branches: 4,
		Duration: testDuration,
	})
	require.NoError(t, err)

	pipes := eng.Pipelines()
	require.Len(t, pipes, 1)

	p := pipes[0]
	assert.Equal(t, []engine.State{engine.StatePlaying, engine.StateNull}, p.States())
	assert.Equal(t, 1, p.Releases())
	assert.Equal(t, 0, p.SubscriptionsAtRelease(), "subscriptions must be cleared before release")
	assert.Len(t, p.Description.Branches, 4)
}

func TestRunIgnoresForeignPerf(t *testing.T) {
	r := newTestRunner(enginetest.New(enginetest.Script{
		Perf:    []float64{0.1, 0.2},
		Foreign: []float64{9, 9, 9},
	}))

	run, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindCPU,
		Branches: 2,
		Duration: testDuration,
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, run.Samples)
}

func TestRunThroughputField(t *testing.T) {
	script := enginetest.Script{
		Measurements: []engine.Measurement{
			{Current: 30, Dropped: 0, Average: 29},
			{Current: 31, Dropped: 2, Average: 30},
		},
	}

	tests := []struct {
		field ThroughputField
		want  []float64
	}{
		{ThroughputCurrent, []float64{30, 31}},
		{ThroughputAverage, []float64{29, 30}},
	}

	for _, tt := range tests {
		t.Run(tt.field.String(), func(t *testing.T) {
			r := newTestRunner(enginetest.New(script))

			run, err := r.Run(context.Background(), RunConfig{
				Kind:       topology.KindCPU,
				Branches:   1,
				Duration:   testDuration,
				Throughput: tt.field,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.Throughput)
			assert.Equal(t, 2.0, run.Dropped)
			assert.Empty(t, run.Samples)
		})
	}
}

func TestRunLateEventsAreCounted(t *testing.T) {
	r := newTestRunner(enginetest.New(enginetest.Script{
		Perf:   []float64{0.5},
		OnNull: []float64{7, 8, 9},
	}))

	run, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindCPU,
		Branches: 1,
		Duration: testDuration,
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, run.Samples)
	assert.Equal(t, int64(3), run.LateEvents)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.Metrics.LateEvents.WithLabelValues("cpu")))
}

func TestRunFailsOnQueueOverflow(t *testing.T) {
	r := newTestRunner(enginetest.New(enginetest.Script{
		Perf: []float64{0.1, 0.2, 0.3, 0.4, 0.5},
	}))

	run, err := r.Run(context.Background(), RunConfig{
		Kind:          topology.KindCPU,
		Branches:      1,
		Duration:      testDuration,
		QueueCapacity: 2,
	})
	require.ErrorIs(t, err, ErrEventsDropped)

	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, "collect", pipeErr.Op)

	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, []float64{0.1, 0.2}, run.Samples)
	assert.Equal(t, int64(3), run.Overflows)
	assert.Equal(t, 3.0, testutil.ToFloat64(r.Metrics.Overflows.WithLabelValues("cpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.Runs.WithLabelValues("cpu", "failed")))
	assert.Zero(t, testutil.ToFloat64(r.Metrics.Runs.WithLabelValues("cpu", "finished")))
}

func TestRunPlayingFailure(t *testing.T) {
	playErr := errors.New("no GL context")
	eng := enginetest.New(enginetest.Script{PlayErr: playErr, Perf: []float64{1}})
	r := newTestRunner(eng)

	run, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindGPUUpload,
		Branches: 2,
		Duration: time.Hour,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, playErr)

	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, StateFailed, run.State)
	assert.Empty(t, run.Samples)

	p := eng.Pipelines()[0]
	assert.Equal(t, 1, p.Releases())
	assert.Equal(t, 0, p.SubscriptionsAtRelease())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.Runs.WithLabelValues("gpu-upload", "failed")))
}

func TestRunBuildFailure(t *testing.T) {
	buildErr := errors.New("no element gpuanalysis")
	r := newTestRunner(enginetest.New(enginetest.Script{BuildErr: buildErr}))

	run, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindGPUUploadShared,
		Branches: 2,
		Duration: time.Hour,
	})

	var pErr *PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "build", pErr.Op)
	assert.Equal(t, StateFailed, run.State)
}

func TestRunFatalBusError(t *testing.T) {
	fatal := errors.New("device lost")
	r := newTestRunner(enginetest.New(enginetest.Script{
		Perf:  []float64{0.1, 0.2},
		Fatal: fatal,
	}))

	start := time.Now()
	run, err := r.Run(context.Background(), RunConfig{
		Kind:     topology.KindGPUDecode,
		Branches: 2,
		Duration: time.Hour,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, StateFailed, run.State)
	assert.Equal(t, []float64{0.1, 0.2}, run.Samples)
}

func TestRunInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  RunConfig
		want error
	}{
		{"zero duration", RunConfig{Kind: topology.KindCPU, Branches: 1}, ErrInvalidDuration},
		{"negative duration", RunConfig{Kind: topology.KindCPU, Branches: 1, Duration: -time.Second}, ErrInvalidDuration},
		{"zero branches", RunConfig{Kind: topology.KindCPU, Duration: time.Second}, topology.ErrInvalidBranchCount},
		{"unknown kind", RunConfig{Kind: topology.Kind(99), Branches: 1, Duration: time.Second}, topology.ErrUnsupportedKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.New(enginetest.Script{})
			r := newTestRunner(eng)

			run, err := r.Run(context.Background(), tt.cfg)
			require.ErrorIs(t, err, tt.want)

			var cfgErr *topology.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, StateFailed, run.State)
			assert.Empty(t, eng.Pipelines())
		})
	}
}

func TestControllerStopIsIdempotent(t *testing.T) {
	eng := enginetest.New(enginetest.Script{Perf: []float64{1, 2}})
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := RunConfig{Kind: topology.KindCPU, Branches: 2, Duration: time.Hour}

	loop := NewLoop(0)
	run := newRun(cfg)
	collector := NewCollector(run, ThroughputCurrent, metrics)
	ctrl := NewController(cfg, eng, loop, run, collector, metrics, discardLogger())

	require.NoError(t, ctrl.Start(context.Background()))
	assert.Equal(t, StateRunning, run.State)

	ctrl.Stop()
	ctrl.Stop()

	p := eng.Pipelines()[0]
	assert.Equal(t, []engine.State{engine.StatePlaying, engine.StateNull}, p.States())
	assert.Equal(t, 1, p.Releases())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("cpu", "finished")))
	assert.Equal(t, StateFinished, run.State)

	select {
	case <-ctrl.Done():
	default:
		t.Fatal("done not closed after stop")
	}

	// Events queued before Stop are drained into the closed collector.
	loop.Run()
	assert.Empty(t, run.Samples)
	assert.Equal(t, int64(2), collector.Late())
}

func TestScanOrdersBySize(t *testing.T) {
	fps := map[int]float64{1: 30, 5: 18, 10: 9}
	eng := &enginetest.Engine{ScriptFor: func(branches int) enginetest.Script {
		return enginetest.Script{
			Perf: []float64{float64(branches)},
			Measurements: []engine.Measurement{
				{Current: fps[branches], Average: fps[branches]},
				{Current: fps[branches], Average: fps[branches]},
			},
		}
	}}
	r := newTestRunner(eng)
	prefix := t.TempDir()

	result, err := r.Scan(context.Background(), ScanConfig{
		Kind:     topology.KindGPUUpload,
		Sizes:    []int{10, 1, 5, 5},
		Duration: testDuration,
		Metric:   MetricThroughput,
		Prefix:   prefix,
		Series:   "gpu",
	})
	require.NoError(t, err)
	require.Len(t, result, 3)

	for i, size := range []int{1, 5, 10} {
		require.NoError(t, result[i].Err)
		assert.Equal(t, size, result[i].Size)
		require.NotNil(t, result[i].Result)
		assert.InDelta(t, fps[size], result[i].Result.Mean, 1e-12)
		assert.Equal(t, 2, result[i].Result.Count)

		saved, err := samples.Load(samples.Path(prefix, "gpu", size))
		require.NoError(t, err)
		assert.Equal(t, []float64{fps[size], fps[size]}, saved)
	}

	assert.Equal(t, 1, eng.MaxActive(), "runs must not overlap")
	for _, p := range eng.Pipelines() {
		assert.Equal(t, 1, p.Releases())
	}
}

func TestScanRecordsFailedEntries(t *testing.T) {
	playErr := errors.New("out of video memory")
	eng := &enginetest.Engine{ScriptFor: func(branches int) enginetest.Script {
		if branches == 2 {
			return enginetest.Script{PlayErr: playErr}
		}
		if branches == 3 {
			return enginetest.Script{}
		}

		return enginetest.Script{Perf: []float64{0.01, 0.03}}
	}}
	r := newTestRunner(eng)

	result, err := r.Scan(context.Background(), ScanConfig{
		Kind:     topology.KindGPUUpload,
		Sizes:    Range(1, 4),
		Duration: testDuration,
	})
	require.NoError(t, err)
	require.Len(t, result, 4)

	assert.NotNil(t, result[0].Result)
	assert.Nil(t, result[1].Result)
	assert.ErrorIs(t, result[1].Err, playErr)
	assert.Nil(t, result[2].Result)
	assert.ErrorIs(t, result[2].Err, stats.ErrEmptySampleSet)
	assert.NotNil(t, result[3].Result)
	assert.InDelta(t, 0.02, result[3].Result.Mean, 1e-12)
	assert.Len(t, result.Failed(), 2)
}

func TestScanStopOnError(t *testing.T) {
	playErr := errors.New("boom")
	eng := &enginetest.Engine{ScriptFor: func(branches int) enginetest.Script {
		if branches == 2 {
			return enginetest.Script{PlayErr: playErr}
		}

		return enginetest.Script{Perf: []float64{1}}
	}}
	r := newTestRunner(eng)

	result, err := r.Scan(context.Background(), ScanConfig{
		Kind:        topology.KindCPU,
		Sizes:       []int{1, 2, 3},
		Duration:    testDuration,
		StopOnError: true,
	})
	require.ErrorIs(t, err, playErr)
	assert.Len(t, result, 2)
	assert.Len(t, eng.Pipelines(), 2)
}

func TestRange(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, Range(3, 5))
	assert.Equal(t, []int{7}, Range(7, 7))
	assert.Empty(t, Range(5, 3))
}

func TestParseMetricAndField(t *testing.T) {
	m, err := ParseMetric("Throughput")
	require.NoError(t, err)
	assert.Equal(t, MetricThroughput, m)

	_, err = ParseMetric("latency")
	assert.Error(t, err)

	f, err := ParseThroughputField("average")
	require.NoError(t, err)
	assert.Equal(t, ThroughputAverage, f)

	_, err = ParseThroughputField("peak")
	assert.Error(t, err)
}
