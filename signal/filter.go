// Package signal holds the per-draw transforms applied to buffered samples before they are
// handed to a renderer: range filter, diff, FFT and PSD, histogram and exponential moving
// average.
package signal

// RangeFilter drops the values of data outside [*lo, *hi]. A nil bound is not applied. When
// t has the same length as data, it is masked identically; otherwise the returned times are nil.
// The inputs are not modified.
func RangeFilter(data, t []float64, lo, hi *float64) ([]float64, []float64) {
	paired := t != nil && len(t) == len(data)
	outD := make([]float64, 0, len(data))
	var outT []float64
	if paired {
		outT = make([]float64, 0, len(t))
	}
	for i, v := range data {
		if lo != nil && v < *lo {
			continue
		}
		if hi != nil && v > *hi {
			continue
		}
		outD = append(outD, v)
		if paired {
			outT = append(outT, t[i])
		}
	}
	return outD, outT
}

// Diff returns the first difference x[i+1]-x[i]. It is empty for fewer than 2 values.
func Diff(x []float64) []float64 {
	if len(x) < 2 {
		return []float64{}
	}
	d := make([]float64, len(x)-1)
	for i := range d {
		d[i] = x[i+1] - x[i]
	}
	return d
}
