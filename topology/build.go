package topology

import "fmt"

// Options controls the source side of a description.
type Options struct {
	Width  int
	Height int
	// Input is the encoded file decoded by KindGPUDecode.
	Input string
}

// Option mutates Options.
type Option func(*Options)

// WithResolution sets the frame size produced by the source.
func WithResolution(width, height int) Option {
	return func(o *Options) {
		o.Width = width
		o.Height = height
	}
}

// WithInput sets the file decoded by KindGPUDecode.
func WithInput(path string) Option {
	return func(o *Options) { o.Input = path }
}

func defaultOptions() Options {
	return Options{Width: 1280, Height: 720, Input: "input.mp4"}
}

// Build returns the description for kind fanned out into branches paths.
// Branch 0 is measurement-wired; branches 1..n-1 are discard-wired.
func Build(kind Kind, branches int, opts ...Option) (Description, error) {
	if branches < 1 {
		return Description{}, &ConfigurationError{
			Field: "branch count",
			Value: branches,
			Err:   ErrInvalidBranchCount,
		}
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var d Description

	switch kind {
	case KindCPU:
		d = buildCPU(o, branches)
	case KindGPUUpload:
		d = buildGPUUpload(o, branches)
	case KindGPUUploadShared:
		d = buildGPUUploadShared(o, branches)
	case KindGPUDecode:
		d = buildGPUDecode(o, branches)
	default:
		return Description{}, &ConfigurationError{
			Field: "kind",
			Value: int(kind),
			Err:   ErrUnsupportedKind,
		}
	}

	d.Kind = kind

	return d, nil
}

func rawSource(o Options) []string {
	return []string{
		"videotestsrc is-live=false",
		fmt.Sprintf("video/x-raw,width=%d,height=%d", o.Width, o.Height),
	}
}

func fanOut(n int, stages func(measure bool) []string) []Branch {
	out := make([]Branch, n)
	for i := range out {
		sink := SinkDiscard
		if i == 0 {
			sink = SinkMeasure
		}

		out[i] = Branch{
			Index:  i,
			Stages: stages(sink == SinkMeasure),
			Sink:   sink,
		}
	}

	return out
}

func analysis(element string, measure bool) string {
	if measure {
		return element + " name=" + MeasurementAnalysis
	}

	return element
}

func buildCPU(o Options, n int) Description {
	return Description{
		Source: rawSource(o),
		Branches: fanOut(n, func(measure bool) []string {
			return []string{analysis("cpuanalysis", measure)}
		}),
	}
}

// Upload cost grows linearly with the branch count.
func buildGPUUpload(o Options, n int) Description {
	return Description{
		Source: rawSource(o),
		Branches: fanOut(n, func(measure bool) []string {
			return []string{"glupload", "glcolorconvert", analysis("gpuanalysis", measure)}
		}),
	}
}

func buildGPUUploadShared(o Options, n int) Description {
	return Description{
		Source: rawSource(o),
		Shared: []string{"glupload", "glcolorconvert"},
		Branches: fanOut(n, func(measure bool) []string {
			return []string{analysis("gpuanalysis", measure)}
		}),
	}
}

func buildGPUDecode(o Options, n int) Description {
	return Description{
		Source: []string{
			fmt.Sprintf("filesrc location=%s", o.Input),
			"qtdemux",
			"h264parse",
			"vaapih264dec",
		},
		Shared: []string{"glupload", "glcolorconvert"},
		Branches: fanOut(n, func(measure bool) []string {
			return []string{analysis("gpuanalysis", measure)}
		}),
	}
}
