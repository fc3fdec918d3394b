package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/weiihann/fanbench/samples"
	"github.com/weiihann/fanbench/stats"
)

// BoundConfig holds the constants of the histogram upper-bound heuristic
// ceil((sqrt(size)/Divisor) * 10^Decimals) / 10^Decimals. The defaults were
// tuned on specific hardware.
type BoundConfig struct {
	Divisor  float64
	Decimals int
}

// DefaultBoundConfig returns divisor 20 rounded up to two decimals.
func DefaultBoundConfig() BoundConfig {
	return BoundConfig{Divisor: 20, Decimals: 2}
}

// DefaultEdges is the number of bin edges spanning [0, bound].
const DefaultEdges = 100

// HistogramBound returns the shared upper bin edge for a scan size.
func HistogramBound(size int, cfg BoundConfig) float64 {
	m := math.Pow(10, float64(cfg.Decimals))

	return math.Ceil(math.Sqrt(float64(size))/cfg.Divisor*m) / m
}

// Edges returns n evenly spaced values from 0 to upper inclusive.
func Edges(upper float64, n int) []float64 {
	if n < 2 {
		return []float64{0, upper}
	}

	edges := make([]float64, n)
	step := upper / float64(n-1)

	for i := range edges {
		edges[i] = float64(i) * step
	}

	edges[n-1] = upper

	return edges
}

// Bin counts values into the half-open bins [edges[i], edges[i+1]); the last
// bin also includes its upper edge. Values outside the edges are returned as
// the outlier count.
func Bin(values, edges []float64) (counts []float64, outliers int) {
	if len(edges) < 2 {
		return nil, len(values)
	}

	counts = make([]float64, len(edges)-1)
	last := len(edges) - 1

	for _, v := range values {
		if math.IsNaN(v) || v < edges[0] || v > edges[last] {
			outliers++
			continue
		}

		i, found := slices.BinarySearch(edges, v)
		switch {
		case found && i == last:
			i = last - 1
		case !found:
			i--
		}

		counts[i]++
	}

	return counts, outliers
}

// Series names one persisted sample series and its legend label.
type Series struct {
	Name  string
	Label string
}

func (s Series) label() string {
	if s.Label != "" {
		return s.Label
	}

	return s.Name
}

// Canvas sets the output format and image size of a plot.
type Canvas struct {
	Format string
	Width  vg.Length
	Height vg.Length
}

// DefaultCanvas renders 8x5 inch PNG images.
func DefaultCanvas() Canvas {
	return Canvas{Format: "png", Width: 8 * vg.Inch, Height: 5 * vg.Inch}
}

func (c Canvas) path(prefix, id string) (string, error) {
	dir := filepath.Join(prefix, "plots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	format := c.Format
	if format == "" {
		format = "png"
	}

	return filepath.Join(dir, id+"."+format), nil
}

// HistogramJob overlays the sample distributions of several series at one
// size on shared bin edges.
type HistogramJob struct {
	Prefix string
	Size   int
	Series []Series
	Bound  BoundConfig
	Edges  int
	Canvas Canvas
}

// HistogramReport describes a rendered histogram.
type HistogramReport struct {
	Path     string
	Bound    float64
	Outliers map[string]int
}

var histogramColors = []color.NRGBA{
	{R: 0, G: 0, B: 255, A: 128},
	{R: 255, G: 0, B: 0, A: 128},
	{R: 0, G: 160, B: 0, A: 128},
	{R: 255, G: 140, B: 0, A: 128},
}

// Histogram loads every series file of the job and writes
// {Prefix}/plots/{Size}.{Format}. Any load error aborts the job before
// anything is written.
func Histogram(job HistogramJob) (HistogramReport, error) {
	if len(job.Series) == 0 {
		return HistogramReport{}, errors.New("histogram needs at least one series")
	}

	if job.Edges == 0 {
		job.Edges = DefaultEdges
	}

	data := make([][]float64, len(job.Series))
	for i, s := range job.Series {
		values, err := samples.Load(samples.Path(job.Prefix, s.Name, job.Size))
		if err != nil {
			return HistogramReport{}, err
		}
		data[i] = values
	}

	bound := HistogramBound(job.Size, job.Bound)
	edges := Edges(bound, job.Edges)
	rep := HistogramReport{Bound: bound, Outliers: make(map[string]int, len(job.Series))}

	p := plot.New()
	p.Title.Text = sizeTitle(job.Size)
	p.X.Label.Text = "Processing time, seconds"
	p.Y.Label.Text = "Frames"
	p.X.Min = 0
	p.X.Max = bound
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	for i, s := range job.Series {
		counts, outliers := Bin(data[i], edges)
		rep.Outliers[s.Name] = outliers

		bins := make([]plotter.HistogramBin, len(counts))
		for j, c := range counts {
			bins[j] = plotter.HistogramBin{Min: edges[j], Max: edges[j+1], Weight: c}
		}

		h := &plotter.Histogram{
			Bins:      bins,
			Width:     bound / float64(len(counts)),
			FillColor: histogramColors[i%len(histogramColors)],
			LineStyle: plotter.DefaultLineStyle,
		}
		h.LineStyle.Width = vg.Points(0.5)

		p.Add(h)
		p.Legend.Add(s.label(), h)
	}

	path, err := job.Canvas.path(job.Prefix, fmt.Sprint(job.Size))
	if err != nil {
		return HistogramReport{}, err
	}

	if err := p.Save(job.Canvas.Width, job.Canvas.Height, path); err != nil {
		return HistogramReport{}, fmt.Errorf("save %s: %w", path, err)
	}

	rep.Path = path

	return rep, nil
}

// DegradationJob plots mean and standard deviation against size for each
// series over [Begin, End].
type DegradationJob struct {
	Prefix string
	Begin  int
	End    int
	Series []Series
	YLabel string
	Canvas Canvas
}

type errorPoints struct {
	plotter.XYs
	plotter.YErrors
}

var lineColors = []color.RGBA{
	{R: 0, G: 114, B: 178, A: 255},
	{R: 220, G: 53, B: 69, A: 255},
	{R: 100, G: 200, B: 100, A: 255},
	{R: 255, G: 159, B: 64, A: 255},
}

// Degradation loads {Prefix}/{series}{size} for every series and size,
// aggregates each file and writes {Prefix}/plots/degrad.{Format}. Any load
// or aggregation error aborts the job.
func Degradation(job DegradationJob) (string, error) {
	if len(job.Series) == 0 {
		return "", errors.New("degradation needs at least one series")
	}

	if job.End < job.Begin {
		return "", fmt.Errorf("empty size range [%d, %d]", job.Begin, job.End)
	}

	p := plot.New()
	p.X.Label.Text = "Branches"
	p.Y.Label.Text = job.YLabel
	if p.Y.Label.Text == "" {
		p.Y.Label.Text = "Processing time, seconds"
	}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	for i, s := range job.Series {
		pts, err := loadCurve(job.Prefix, s.Name, job.Begin, job.End)
		if err != nil {
			return "", err
		}

		line, points, err := plotter.NewLinePoints(pts.XYs)
		if err != nil {
			return "", fmt.Errorf("plot %s: %w", s.Name, err)
		}

		bars, err := plotter.NewYErrorBars(pts)
		if err != nil {
			return "", fmt.Errorf("plot %s: %w", s.Name, err)
		}

		c := lineColors[i%len(lineColors)]
		line.Color = c
		line.Width = vg.Points(1.5)
		points.Color = c
		bars.Color = c

		p.Add(line, points, bars)
		p.Legend.Add(s.label(), line, points)
	}

	ticks := make([]plot.Tick, 0, job.End-job.Begin+1)
	for size := job.Begin; size <= job.End; size++ {
		ticks = append(ticks, plot.Tick{Value: float64(size), Label: fmt.Sprint(size)})
	}
	p.X.Tick.Marker = plot.ConstantTicks(ticks)
	p.X.Min = float64(job.Begin) - 0.5
	p.X.Max = float64(job.End) + 0.5

	path, err := job.Canvas.path(job.Prefix, "degrad")
	if err != nil {
		return "", err
	}

	if err := p.Save(job.Canvas.Width, job.Canvas.Height, path); err != nil {
		return "", fmt.Errorf("save %s: %w", path, err)
	}

	return path, nil
}

func loadCurve(prefix, series string, begin, end int) (errorPoints, error) {
	n := end - begin + 1
	pts := errorPoints{
		XYs:     make(plotter.XYs, n),
		YErrors: make(plotter.YErrors, n),
	}

	for i := range n {
		size := begin + i
		path := samples.Path(prefix, series, size)

		values, err := samples.Load(path)
		if err != nil {
			return errorPoints{}, err
		}

		res, err := stats.Aggregate(values)
		if err != nil {
			return errorPoints{}, fmt.Errorf("%s: %w", path, err)
		}

		pts.XYs[i].X = float64(size)
		pts.XYs[i].Y = res.Mean
		pts.YErrors[i].Low = res.StdDev
		pts.YErrors[i].High = res.StdDev
	}

	return pts, nil
}

func sizeTitle(size int) string {
	if size == 1 {
		return "1 branch"
	}

	return fmt.Sprintf("%d branches", size)
}
