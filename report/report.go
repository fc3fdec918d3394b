// Package report formats scan results into comparison tables and plots.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/weiihann/fanbench/harness"
	"github.com/weiihann/fanbench/samples"
	"github.com/weiihann/fanbench/stats"
)

// Generate writes a markdown comparison table for one scanned series. Ratio
// is each size's mean relative to the smallest size that produced a result.
func Generate(w io.Writer, series string, metric harness.Metric, result harness.ScanResult) error {
	if len(result) == 0 {
		return fmt.Errorf("no results to report")
	}

	base := baseline(result)

	// Header.
	fmt.Fprintf(w, "## %s (%s)\n", series, metric)
	fmt.Fprintln(w)

	// Table header.
	fmt.Fprintln(w, "| Size | Mean | StdDev | Count | Ratio |")
	fmt.Fprintln(w, "|------|------|--------|-------|-------|")

	for _, e := range result {
		if e.Result == nil {
			fmt.Fprintf(w, "| %d | - | - | - | - |\n", e.Size)
			continue
		}

		ratio := "-"
		if base > 0 {
			ratio = fmt.Sprintf("%.2fx", e.Result.Mean/base)
		}

		fmt.Fprintf(w, "| %d | %s | %s | %d | %s |\n",
			e.Size,
			formatValue(metric, e.Result.Mean),
			formatValue(metric, e.Result.StdDev),
			e.Result.Count,
			ratio,
		)
	}

	failed := result.Failed()
	if len(failed) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Failures:")

	for _, e := range failed {
		fmt.Fprintf(w, "  - %d: %s\n", e.Size, oneLine(e.Err.Error()))
	}

	return nil
}

type jsonEntry struct {
	Size   int           `json:"size"`
	Result *stats.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// GenerateJSON writes result as JSON to w. Failed entries carry an error
// string and no result.
func GenerateJSON(w io.Writer, result harness.ScanResult) error {
	out := make([]jsonEntry, 0, len(result))
	for _, e := range result {
		je := jsonEntry{Size: e.Size, Result: e.Result}
		if e.Err != nil {
			je.Error = e.Err.Error()
		}
		out = append(out, je)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

// Load reads {prefix}/{series}{size} for every size in [begin, end] and
// aggregates each file. The first unreadable file aborts the load.
func Load(prefix, series string, begin, end int) (harness.ScanResult, error) {
	sizes := harness.Range(begin, end)
	if len(sizes) == 0 {
		return nil, fmt.Errorf("empty size range [%d, %d]", begin, end)
	}

	result := make(harness.ScanResult, 0, len(sizes))

	for _, size := range sizes {
		values, err := samples.Load(samples.Path(prefix, series, size))
		if err != nil {
			return nil, err
		}

		entry := harness.ScanEntry{Size: size}

		res, err := stats.Aggregate(values)
		if err != nil {
			entry.Err = fmt.Errorf("%s: %w", samples.Path(prefix, series, size), err)
		} else {
			entry.Result = &res
		}

		result = append(result, entry)
	}

	return result, nil
}

func baseline(result harness.ScanResult) float64 {
	for _, e := range result {
		if e.Result != nil && e.Result.Mean > 0 {
			return e.Result.Mean
		}
	}

	return 0
}

func formatValue(metric harness.Metric, v float64) string {
	if metric == harness.MetricThroughput {
		return fmt.Sprintf("%.2f fps", v)
	}

	return formatSeconds(v)
}

func formatSeconds(s float64) string {
	switch {
	case s < 1e-3:
		return fmt.Sprintf("%.1fus", s*1e6)
	case s < 1:
		return fmt.Sprintf("%.2fms", s*1e3)
	default:
		return fmt.Sprintf("%.2fs", s)
	}
}

func oneLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")

	return s
}
