package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiihann/fanbench/harness"
	"github.com/weiihann/fanbench/samples"
	"github.com/weiihann/fanbench/stats"
	"github.com/weiihann/fanbench/topology"
)

const testConfig = `
engine:
  name: sim
  sim:
    units: 1
    analysis_cost: 1ms
    upload_cost: 1ms
    fps_interval: 10ms
plot:
  labels:
    cpu: CPU
`

func writeTestConfig(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fanbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	return path
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)

	return code, stdout.String(), stderr.String()
}

func TestScanReportAndPlot(t *testing.T) {
	cfg := writeTestConfig(t)
	dir := t.TempDir()

	code, out, errOut := execute(t, "--config", cfg, "scan",
		"--begin", "1", "--end", "2", "--duration", "80ms",
		"--prefix", dir, "--series", "cpu")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "## cpu (timing)")
	assert.Contains(t, out, "| 1 | ")
	assert.Contains(t, out, "| 2 | ")
	assert.FileExists(t, samples.Path(dir, "cpu", 1))
	assert.FileExists(t, samples.Path(dir, "cpu", 2))

	code, out, errOut = execute(t, "--config", cfg, "report",
		"--prefix", dir, "--series", "cpu", "--begin", "1", "--end", "2")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "| 1 | ")
	assert.Contains(t, out, "1.00x")

	code, out, errOut = execute(t, "--config", cfg, "plot", "degrad",
		"--prefix", dir, "--series", "cpu", "--begin", "1", "--end", "2", "--format", "svg")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, filepath.Join(dir, "plots", "degrad.svg"))
	assert.FileExists(t, filepath.Join(dir, "plots", "degrad.svg"))

	code, _, errOut = execute(t, "--config", cfg, "plot", "hist",
		"--prefix", dir, "--series", "cpu", "--size", "2")
	require.Equal(t, exitOK, code, errOut)
	assert.FileExists(t, filepath.Join(dir, "plots", "2.png"))
}

func TestRunJSON(t *testing.T) {
	cfg := writeTestConfig(t)
	output := filepath.Join(t.TempDir(), "run", "samples")
	metrics := filepath.Join(t.TempDir(), "fanbench.prom")
	t.Setenv("FANBENCH_METRICS_FILE", metrics)

	code, out, errOut := execute(t, "--config", cfg, "run",
		"--kind", "gpu-upload-shared", "--branches", "3", "--duration", "80ms",
		"--output", output, "--json")
	require.Equal(t, exitOK, code, errOut)

	var summary runSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "gpu-upload-shared", summary.Kind)
	assert.Equal(t, 3, summary.Branches)
	require.NotNil(t, summary.Timing)
	assert.Positive(t, summary.Timing.Count)

	saved, err := samples.Load(output)
	require.NoError(t, err)
	assert.Len(t, saved, summary.Timing.Count)

	data, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(data), `fanbench_runs_total{kind="gpu-upload-shared",state="finished"} 1`)
}

func TestExitCodes(t *testing.T) {
	cfg := writeTestConfig(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown kind", []string{"--config", cfg, "run", "--kind", "fpga"}, exitConfig},
		{"zero branches", []string{"--config", cfg, "run", "--branches", "0"}, exitConfig},
		{"bad log level", []string{"--config", cfg, "--log-level", "loud", "report"}, exitConfig},
		{"missing config", []string{"--config", filepath.Join(dir, "nope.yaml"), "report"}, exitConfig},
		{"missing samples", []string{"--config", cfg, "report", "--prefix", dir}, exitData},
		{"unknown command", []string{"frobnicate"}, exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := execute(t, tt.args...)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("wrap: %w", &topology.ConfigurationError{Field: "kind", Err: topology.ErrUnsupportedKind}), exitConfig},
		{fmt.Errorf("run: %w", &harness.PipelineError{Op: "build", Err: errors.New("boom")}), exitPipeline},
		{&samples.IOError{Path: "cpu1", Err: os.ErrNotExist}, exitData},
		{fmt.Errorf("aggregate: %w", stats.ErrEmptySampleSet), exitData},
		{errors.New("other"), exitFailure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}
