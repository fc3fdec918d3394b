// Package topology builds fan-out workload descriptions for benchmarking a
// shared analysis stage. Each description has one source that is duplicated
// into N branches; exactly one branch feeds a measurement sink and the rest
// feed discard sinks that only generate load.
package topology

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects which analysis pipeline is replicated across branches.
type Kind int

const (
	// KindCPU runs the CPU analysis element on raw frames.
	KindCPU Kind = iota + 1
	// KindGPUUpload uploads frames to the GPU once per branch.
	KindGPUUpload
	// KindGPUUploadShared uploads once before the fan-out.
	KindGPUUploadShared
	// KindGPUDecode decodes a file on the GPU before the fan-out.
	KindGPUDecode
)

var kindNames = map[Kind]string{
	KindCPU:             "cpu",
	KindGPUUpload:       "gpu-upload",
	KindGPUUploadShared: "gpu-upload-shared",
	KindGPUDecode:       "gpu-decode",
}

// Kinds returns every supported kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindCPU, KindGPUUpload, KindGPUUploadShared, KindGPUDecode}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// IsGPU reports whether the kind runs the GPU analysis element.
func (k Kind) IsGPU() bool {
	return k == KindGPUUpload || k == KindGPUUploadShared || k == KindGPUDecode
}

// ParseKind resolves a kind from its CLI name.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}

	return 0, &ConfigurationError{
		Field: "kind",
		Value: s,
		Err:   ErrUnsupportedKind,
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, &ConfigurationError{Field: "kind", Value: int(k), Err: ErrUnsupportedKind}
	}

	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}

	*k = parsed

	return nil
}

var (
	// ErrUnsupportedKind is returned for a kind outside the closed set.
	ErrUnsupportedKind = errors.New("unsupported benchmark kind")
	// ErrInvalidBranchCount is returned when fewer than one branch is requested.
	ErrInvalidBranchCount = errors.New("branch count must be at least 1")
)

// ConfigurationError reports a rejected benchmark parameter.
type ConfigurationError struct {
	Field string
	Value any
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SinkKind distinguishes the instrumented branch from load-only branches.
type SinkKind int

const (
	SinkDiscard SinkKind = iota
	SinkMeasure
)

func (s SinkKind) String() string {
	if s == SinkMeasure {
		return "measure"
	}

	return "discard"
}

// Element names used on the measurement branch. Collectors only accept
// events whose source matches these.
const (
	MeasurementAnalysis = "measure-analysis"
	MeasurementSink     = "measure"
)

// Branch is one duplicate processing path from the fan-out point to a sink.
type Branch struct {
	Index  int
	Stages []string
	Sink   SinkKind
}

// Description is the engine-independent layout of a benchmark pipeline.
type Description struct {
	Kind Kind
	// Source is the chain producing frames, up to and including caps.
	Source []string
	// Shared stages run once, after the source and before the fan-out.
	Shared   []string
	Branches []Branch
}

// Measurement returns the single measurement-wired branch.
func (d Description) Measurement() (Branch, bool) {
	for _, b := range d.Branches {
		if b.Sink == SinkMeasure {
			return b, true
		}
	}

	return Branch{}, false
}

// CountSinks returns the number of measurement and discard branches.
func (d Description) CountSinks() (measure, discard int) {
	for _, b := range d.Branches {
		if b.Sink == SinkMeasure {
			measure++
		} else {
			discard++
		}
	}

	return measure, discard
}

// Launch renders the description in gst-launch syntax. A single-branch
// description is rendered as a linear pipeline without a tee.
func (d Description) Launch() string {
	head := append(append([]string{}, d.Source...), d.Shared...)

	if len(d.Branches) == 1 {
		return strings.Join(append(head, branchChain(d.Branches[0])...), " ! ")
	}

	var sb strings.Builder

	sb.WriteString(strings.Join(append(head, "tee name=t"), " ! "))

	for _, b := range d.Branches {
		sb.WriteString("  t. ! ")
		sb.WriteString(strings.Join(append([]string{"queue"}, branchChain(b)...), " ! "))
	}

	return sb.String()
}

func branchChain(b Branch) []string {
	chain := append([]string{}, b.Stages...)

	if b.Sink == SinkMeasure {
		return append(chain,
			"fpsdisplaysink name="+MeasurementSink+
				" signal-fps-measurements=true text-overlay=false"+
				" video-sink=fakesink sync=false",
		)
	}

	return append(chain, "fakesink sync=false")
}
