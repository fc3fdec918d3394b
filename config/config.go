// Package config loads fanbench settings from defaults, an optional YAML
// file and FANBENCH_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/weiihann/fanbench/topology"
)

// Config is the full fanbench configuration.
type Config struct {
	Engine        EngineConfig        `yaml:"engine"`
	Run           RunConfig           `yaml:"run"`
	Scan          ScanConfig          `yaml:"scan"`
	Plot          PlotConfig          `yaml:"plot"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// EngineConfig selects and tunes the execution engine.
type EngineConfig struct {
	Name      string       `yaml:"name" validate:"oneof=sim gst-launch"`
	Sim       SimConfig    `yaml:"sim"`
	GstLaunch LaunchConfig `yaml:"gst_launch"`
}

// SimConfig is the cost model of the simulated engine.
type SimConfig struct {
	Units         int64         `yaml:"units" validate:"gte=1"`
	AnalysisCost  time.Duration `yaml:"analysis_cost" validate:"required_without=FrameInterval,gte=0"`
	UploadCost    time.Duration `yaml:"upload_cost" validate:"gte=0"`
	DecodeCost    time.Duration `yaml:"decode_cost" validate:"gte=0"`
	FrameInterval time.Duration `yaml:"frame_interval" validate:"gte=0"`
	FPSInterval   time.Duration `yaml:"fps_interval" validate:"gt=0"`
}

// LaunchConfig controls the external gst-launch process.
type LaunchConfig struct {
	Binary       string        `yaml:"binary" validate:"required"`
	Env          []string      `yaml:"env"`
	StartTimeout time.Duration `yaml:"start_timeout" validate:"gt=0"`
	StopTimeout  time.Duration `yaml:"stop_timeout" validate:"gt=0"`
}

// RunConfig describes a single benchmark run.
type RunConfig struct {
	Kind          string        `yaml:"kind" validate:"required"`
	Branches      int           `yaml:"branches" validate:"gte=1"`
	Duration      time.Duration `yaml:"duration" validate:"gt=0"`
	Throughput    string        `yaml:"throughput" validate:"oneof=current average"`
	QueueCapacity int           `yaml:"queue_capacity" validate:"gte=0"`
	Width         int           `yaml:"width" validate:"gte=1"`
	Height        int           `yaml:"height" validate:"gte=1"`
	Input         string        `yaml:"input"`
	// Output, when set, receives the run's timing samples.
	Output string `yaml:"output"`
}

// ScanConfig describes a size scan.
type ScanConfig struct {
	Begin       int    `yaml:"begin" validate:"gte=1"`
	End         int    `yaml:"end" validate:"gtefield=Begin"`
	Metric      string `yaml:"metric" validate:"oneof=timing throughput"`
	Prefix      string `yaml:"prefix"`
	Series      string `yaml:"series"`
	StopOnError bool   `yaml:"stop_on_error"`
}

// PlotConfig holds histogram and degradation plot settings.
type PlotConfig struct {
	Prefix   string  `yaml:"prefix" validate:"required"`
	Divisor  float64 `yaml:"divisor" validate:"gt=0"`
	Decimals int     `yaml:"decimals" validate:"gte=0,lte=6"`
	Edges    int     `yaml:"edges" validate:"gte=2"`
	Format   string  `yaml:"format" validate:"oneof=png svg pdf eps jpg jpeg tif tiff"`
	// Width and Height are in inches.
	Width  float64           `yaml:"width" validate:"gt=0"`
	Height float64           `yaml:"height" validate:"gt=0"`
	Labels map[string]string `yaml:"labels"`
}

// ObservabilityConfig holds logging, tracing and metrics output settings.
type ObservabilityConfig struct {
	LogLevel     string `yaml:"log_level" validate:"oneof=debug info warn error"`
	Tracing      string `yaml:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Tracing otlp"`
	MetricsFile  string `yaml:"metrics_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			Name: "sim",
			Sim: SimConfig{
				Units:        1,
				AnalysisCost: 4 * time.Millisecond,
				UploadCost:   2 * time.Millisecond,
				DecodeCost:   3 * time.Millisecond,
				FPSInterval:  500 * time.Millisecond,
			},
			GstLaunch: LaunchConfig{
				Binary:       "gst-launch-1.0",
				StartTimeout: 10 * time.Second,
				StopTimeout:  5 * time.Second,
			},
		},
		Run: RunConfig{
			Kind:       topology.KindCPU.String(),
			Branches:   1,
			Duration:   10 * time.Second,
			Throughput: "current",
			Width:      1280,
			Height:     720,
			Input:      "input.mp4",
		},
		Scan: ScanConfig{
			Begin:  1,
			End:    10,
			Metric: "timing",
			Prefix: "results",
		},
		Plot: PlotConfig{
			Prefix:   "results",
			Divisor:  20,
			Decimals: 2,
			Edges:    100,
			Format:   "png",
			Width:    8,
			Height:   5,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing:  "none",
		},
	}
}

// Load returns Default overlaid with the YAML file at path (skipped when
// path is empty) and FANBENCH_* environment variables, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &topology.ConfigurationError{Field: "config file", Value: path, Err: err}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil {
		// An empty file decodes to io.EOF and keeps the defaults.
		if errors.Is(err, io.EOF) {
			return nil
		}

		return &topology.ConfigurationError{Field: "config file", Value: path, Err: err}
	}

	return nil
}

// envVars maps FANBENCH_* variables to setters.
var envVars = map[string]func(*Config, string) error{
	"FANBENCH_ENGINE":        func(c *Config, v string) error { c.Engine.Name = v; return nil },
	"FANBENCH_GST_LAUNCH":    func(c *Config, v string) error { c.Engine.GstLaunch.Binary = v; return nil },
	"FANBENCH_SIM_UNITS":     func(c *Config, v string) error { return parseInt64(v, &c.Engine.Sim.Units) },
	"FANBENCH_KIND":          func(c *Config, v string) error { c.Run.Kind = v; return nil },
	"FANBENCH_BRANCHES":      func(c *Config, v string) error { return parseInt(v, &c.Run.Branches) },
	"FANBENCH_DURATION":      func(c *Config, v string) error { return parseDuration(v, &c.Run.Duration) },
	"FANBENCH_THROUGHPUT":    func(c *Config, v string) error { c.Run.Throughput = v; return nil },
	"FANBENCH_INPUT":         func(c *Config, v string) error { c.Run.Input = v; return nil },
	"FANBENCH_PREFIX":        func(c *Config, v string) error { c.Scan.Prefix = v; c.Plot.Prefix = v; return nil },
	"FANBENCH_METRIC":        func(c *Config, v string) error { c.Scan.Metric = v; return nil },
	"FANBENCH_PLOT_FORMAT":   func(c *Config, v string) error { c.Plot.Format = v; return nil },
	"FANBENCH_LOG_LEVEL":     func(c *Config, v string) error { c.Observability.LogLevel = v; return nil },
	"FANBENCH_TRACING":       func(c *Config, v string) error { c.Observability.Tracing = v; return nil },
	"FANBENCH_OTLP_ENDPOINT": func(c *Config, v string) error { c.Observability.OTLPEndpoint = v; return nil },
	"FANBENCH_METRICS_FILE":  func(c *Config, v string) error { c.Observability.MetricsFile = v; return nil },
}

func loadEnv(cfg *Config) error {
	for key, set := range envVars {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}

		if err := set(cfg, v); err != nil {
			return &topology.ConfigurationError{Field: key, Value: v, Err: err}
		}
	}

	return nil
}

func parseInt(v string, dst *int) error {
	i, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = i

	return nil
}

func parseInt64(v string, dst *int64) error {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = i

	return nil
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d

	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and the benchmark kind. The first
// violation is returned as a *topology.ConfigurationError.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]

			return &topology.ConfigurationError{
				Field: fe.Namespace(),
				Value: fe.Value(),
				Err:   fmt.Errorf("failed %q constraint", fe.ActualTag()),
			}
		}

		return err
	}

	if _, err := topology.ParseKind(c.Run.Kind); err != nil {
		return err
	}

	return nil
}
