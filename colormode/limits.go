package colormode

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Limits returns the value range of a pixel type. Floats are limited to the range in which
// every integer is exact: ±2^24 for float32 and ±2^53 for float64.
func Limits[T Pixel]() (lo, hi float64) {
	var zero T
	switch any(zero).(type) {
	case int8:
		return math.MinInt8, math.MaxInt8
	case int16:
		return math.MinInt16, math.MaxInt16
	case int32:
		return math.MinInt32, math.MaxInt32
	case int64:
		return math.MinInt64, math.MaxInt64
	case uint8:
		return 0, math.MaxUint8
	case uint16:
		return 0, math.MaxUint16
	case uint32:
		return 0, math.MaxUint32
	case uint64:
		return 0, math.MaxUint64
	case float32:
		return -(1 << 24), 1 << 24
	}
	return -(1 << 53), 1 << 53
}

// Range is a closed interval [Min, Max].
type Range struct {
	Min, Max float64
}

func (r Range) clamp(v float64) float64 {
	return math.Min(math.Max(v, r.Min), r.Max)
}

// Auto-gain percentiles.
const (
	BlackPercentile = 0.01
	WhitePercentile = 99.99
)

// AutoGain picks black and white levels at the 0.01 and 99.99 percentiles of the pixels,
// clamped to the allowed ranges.
func AutoGain[T Pixel](pixels []T, black, white Range) (lo, hi float64) {
	if len(pixels) == 0 {
		return black.clamp(black.Min), white.clamp(white.Max)
	}
	x := make([]float64, len(pixels))
	for i, p := range pixels {
		x[i] = float64(p)
	}
	sort.Float64s(x)
	lo = stat.Quantile(BlackPercentile/100, stat.LinInterp, x, nil)
	hi = stat.Quantile(WhitePercentile/100, stat.LinInterp, x, nil)
	return black.clamp(lo), white.clamp(hi)
}

// MinMax returns the extreme values of pixels as float64.
func MinMax[T Pixel](pixels []T) (lo, hi float64) {
	if len(pixels) == 0 {
		return 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, p := range pixels {
		v := float64(p)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// CountAbove counts the pixels whose value exceeds threshold.
func CountAbove[T Pixel](pixels []T, threshold float64) int {
	n := 0
	for _, p := range pixels {
		if float64(p) > threshold {
			n++
		}
	}
	return n
}
