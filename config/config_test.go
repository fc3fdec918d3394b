package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/fanbench/topology"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fanbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  name: gst-launch
  gst_launch:
    binary: /usr/bin/gst-launch-1.0
    env: ["GST_DEBUG=2"]
run:
  kind: gpu-upload-shared
  branches: 4
  duration: 2.5s
  throughput: average
scan:
  begin: 2
  end: 8
  metric: throughput
  series: gpu
plot:
  decimals: 3
  labels:
    cpu: "CPU (i3-7100U)"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gst-launch", cfg.Engine.Name)
	assert.Equal(t, "/usr/bin/gst-launch-1.0", cfg.Engine.GstLaunch.Binary)
	assert.Equal(t, []string{"GST_DEBUG=2"}, cfg.Engine.GstLaunch.Env)
	assert.Equal(t, 10*time.Second, cfg.Engine.GstLaunch.StartTimeout)
	assert.Equal(t, "gpu-upload-shared", cfg.Run.Kind)
	assert.Equal(t, 4, cfg.Run.Branches)
	assert.Equal(t, 2500*time.Millisecond, cfg.Run.Duration)
	assert.Equal(t, "average", cfg.Run.Throughput)
	assert.Equal(t, 1280, cfg.Run.Width)
	assert.Equal(t, 2, cfg.Scan.Begin)
	assert.Equal(t, 8, cfg.Scan.End)
	assert.Equal(t, "throughput", cfg.Scan.Metric)
	assert.Equal(t, 20.0, cfg.Plot.Divisor)
	assert.Equal(t, 3, cfg.Plot.Decimals)
	assert.Equal(t, "CPU (i3-7100U)", cfg.Plot.Labels["cpu"])
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FANBENCH_KIND", "gpu-decode")
	t.Setenv("FANBENCH_BRANCHES", "6")
	t.Setenv("FANBENCH_DURATION", "30s")
	t.Setenv("FANBENCH_PREFIX", "/tmp/out")
	t.Setenv("FANBENCH_LOG_LEVEL", "debug")

	path := writeConfig(t, "run:\n  kind: cpu\n  branches: 2\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpu-decode", cfg.Run.Kind)
	assert.Equal(t, 6, cfg.Run.Branches)
	assert.Equal(t, 30*time.Second, cfg.Run.Duration)
	assert.Equal(t, "/tmp/out", cfg.Scan.Prefix)
	assert.Equal(t, "/tmp/out", cfg.Plot.Prefix)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{name: "unknown field", body: "run:\n  brnaches: 2\n"},
		{name: "malformed yaml", body: "run: [\n"},
		{name: "zero branches", body: "run:\n  branches: 0\n"},
		{name: "negative duration", body: "run:\n  duration: -1s\n"},
		{name: "unsupported kind", body: "run:\n  kind: fpga\n"},
		{name: "scan end before begin", body: "scan:\n  begin: 5\n  end: 2\n"},
		{name: "unpaced zero-cost sim", body: "engine:\n  sim:\n    analysis_cost: 0s\n"},
		{name: "unknown engine", body: "engine:\n  name: ffmpeg\n"},
		{name: "otlp without endpoint", body: "observability:\n  tracing: otlp\n"},
		{name: "bad env int", env: map[string]string{"FANBENCH_BRANCHES": "many"}},
		{name: "bad env duration", env: map[string]string{"FANBENCH_DURATION": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load(writeConfig(t, tt.body))

			var cfgErr *topology.ConfigurationError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestLoadZeroCostPacedSim(t *testing.T) {
	cfg, err := Load(writeConfig(t, "engine:\n  sim:\n    analysis_cost: 0s\n    frame_interval: 5ms\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Engine.Sim.AnalysisCost)
	assert.Equal(t, 5*time.Millisecond, cfg.Engine.Sim.FrameInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	var cfgErr *topology.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateReportsField(t *testing.T) {
	cfg := Default()
	cfg.Plot.Edges = 1

	err := cfg.Validate()

	var cfgErr *topology.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Config.Plot.Edges", cfgErr.Field)
	assert.Equal(t, 1, cfgErr.Value)
}
