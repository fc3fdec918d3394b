// Package stats reduces sample sets to descriptive statistics.
package stats

import (
	"errors"
	"math"

	"github.com/viterin/vek"
)

// ErrEmptySampleSet is returned when aggregating zero samples. A mean of
// zero samples is undefined and never reported as 0.
var ErrEmptySampleSet = errors.New("empty sample set")

// Result summarizes one sample set.
type Result struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Count  int     `json:"count"`
}

// Aggregate returns the arithmetic mean and population standard deviation
// (divide by N) of samples. samples is not modified.
func Aggregate(samples []float64) (Result, error) {
	n := len(samples)
	if n == 0 {
		return Result{}, ErrEmptySampleSet
	}

	mean := vek.Mean(samples)
	dev := vek.SubNumber(samples, mean)
	variance := vek.Dot(dev, dev) / float64(n)

	return Result{
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Count:  n,
	}, nil
}
