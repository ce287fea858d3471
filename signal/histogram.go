package signal

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Histogram bins data into nbins equal-width bins spanning [min(data), max(data)] and returns
// the nbins+1 edges and the nbins counts, suitable for a step-mode plot. The maximum falls in
// the last bin. When all values are equal the bins span value±0.5. NaN and infinite values
// are not counted. The input is not modified.
func Histogram(data []float64, nbins int) (edges, counts []float64) {
	if nbins < 1 {
		nbins = 1
	}
	counts = make([]float64, nbins)
	x := make([]float64, 0, len(data))
	for _, v := range data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			x = append(x, v)
		}
	}
	if len(x) == 0 {
		return floats.Span(make([]float64, nbins+1), 0, 1), counts
	}
	sort.Float64s(x)
	lo, hi := x[0], x[len(x)-1]
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	edges = floats.Span(make([]float64, nbins+1), lo, hi)

	dividers := make([]float64, len(edges))
	copy(dividers, edges)
	dividers[nbins] = math.Nextafter(hi, math.Inf(1))
	stat.Histogram(counts, dividers, x, nil)
	return edges, counts
}
