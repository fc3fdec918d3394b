package sim

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/fanbench/engine"
	"github.com/weiihann/fanbench/topology"
)

type recorder struct {
	mu    sync.Mutex
	perf  []float64
	fps   []engine.Measurement
	other int
}

func (r *recorder) onMessage(m engine.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Name == engine.PerfMessage && m.Source == topology.MeasurementAnalysis {
		r.perf = append(r.perf, m.Value)
	} else {
		r.other++
	}
}

func (r *recorder) onMeasurement(m engine.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fps = append(r.fps, m)
}

func (r *recorder) mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.perf) == 0 {
		return 0
	}

	var sum float64
	for _, v := range r.perf {
		sum += v
	}

	return sum / float64(len(r.perf))
}

func testConfig() Config {
	return Config{
		Units:        1,
		AnalysisCost: 2 * time.Millisecond,
		UploadCost:   time.Millisecond,
		FPSInterval:  20 * time.Millisecond,
	}
}

func play(t *testing.T, kind topology.Kind, branches int, d time.Duration) *recorder {
	t.Helper()

	eng := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	desc, err := topology.Build(kind, branches)
	require.NoError(t, err)

	p, err := eng.Build(context.Background(), desc)
	require.NoError(t, err)

	rec := &recorder{}
	msgSub := p.Subscribe(rec.onMessage)
	fpsSub, err := p.Connect(engine.FPSSignal, rec.onMeasurement)
	require.NoError(t, err)

	require.NoError(t, p.SetState(engine.StatePlaying))
	time.Sleep(d)
	require.NoError(t, p.SetState(engine.StateNull))

	msgSub.Unsubscribe()
	fpsSub.Unsubscribe()
	require.NoError(t, p.Release())

	return rec
}

func TestSimEmitsPerfAndFPS(t *testing.T) {
	rec := play(t, topology.KindCPU, 1, 150*time.Millisecond)

	assert.NotEmpty(t, rec.perf)
	assert.NotEmpty(t, rec.fps)
	assert.Zero(t, rec.other)

	for _, v := range rec.perf {
		assert.Greater(t, v, 0.0)
	}
}

func TestSimContentionGrowsWithBranches(t *testing.T) {
	one := play(t, topology.KindCPU, 1, 200*time.Millisecond)
	four := play(t, topology.KindCPU, 4, 200*time.Millisecond)

	require.NotEmpty(t, one.perf)
	require.NotEmpty(t, four.perf)
	assert.Greater(t, four.mean(), 2*one.mean())
}

func TestSimPacesZeroCostBranches(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := New(Config{FPSInterval: 20 * time.Millisecond}, logger)
	assert.Equal(t, MinFrameInterval, eng.cfg.FrameInterval)

	paced := New(Config{FrameInterval: 10 * time.Millisecond}, logger)
	assert.Equal(t, 10*time.Millisecond, paced.cfg.FrameInterval)

	costed := New(testConfig(), logger)
	assert.Zero(t, costed.cfg.FrameInterval)
}

func TestSimCostModel(t *testing.T) {
	eng := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	perBranch, err := topology.Build(topology.KindGPUUpload, 4)
	require.NoError(t, err)
	shared, err := topology.Build(topology.KindGPUUploadShared, 4)
	require.NoError(t, err)

	pb, err := eng.Build(context.Background(), perBranch)
	require.NoError(t, err)
	sh, err := eng.Build(context.Background(), shared)
	require.NoError(t, err)

	pbp := pb.(*pipeline)
	shp := sh.(*pipeline)

	perBranchCost := pbp.sharedCost() + pbp.branchCost(perBranch.Branches[0])
	sharedCost := shp.sharedCost() + shp.branchCost(shared.Branches[0])

	assert.Equal(t, 3*time.Millisecond, perBranchCost)
	assert.Equal(t, 2*time.Millisecond+time.Millisecond/4, sharedCost)
}

func TestSimRejectsUnknownSignal(t *testing.T) {
	eng := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	desc, err := topology.Build(topology.KindCPU, 1)
	require.NoError(t, err)

	p, err := eng.Build(context.Background(), desc)
	require.NoError(t, err)

	_, err = p.Connect("handoff", func(engine.Measurement) {})
	assert.Error(t, err)

	require.NoError(t, p.SetState(engine.StateNull))
	require.NoError(t, p.Release())
	assert.Error(t, p.SetState(engine.StatePlaying))
}

func TestSimRequiresMeasurementBranch(t *testing.T) {
	eng := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := eng.Build(context.Background(), topology.Description{
		Kind:     topology.KindCPU,
		Branches: []topology.Branch{{Index: 0, Sink: topology.SinkDiscard}},
	})
	assert.ErrorIs(t, err, ErrNoMeasurementBranch)
}
