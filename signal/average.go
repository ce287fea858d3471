package signal

// initialAverage seeds a new running average.
const initialAverage = 1e-10

// Averager keeps one exponential moving average per curve, with α = 2/(M+1).
type Averager struct {
	M     int
	slots map[string][]float64
}

// NewAverager creates an averager over M updates. M ≤ 1 disables averaging.
func NewAverager(m int) *Averager {
	return &Averager{M: m, slots: make(map[string][]float64)}
}

// Alpha is the smoothing factor 2/(M+1).
func (a *Averager) Alpha() float64 {
	return 2 / float64(a.M+1)
}

// Apply folds x into the running average of curve id and returns a copy of the average. An
// absent or length-mismatched slot is re-initialized to 1e-10 before x is folded in.
func (a *Averager) Apply(id string, x []float64) []float64 {
	if a.M <= 1 {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	avg, ok := a.slots[id]
	if !ok || len(avg) != len(x) {
		avg = make([]float64, len(x))
		for i := range avg {
			avg[i] = initialAverage
		}
		a.slots[id] = avg
	}
	alpha := a.Alpha()
	for i, v := range x {
		avg[i] += alpha * (v - avg[i])
	}
	out := make([]float64, len(avg))
	copy(out, avg)
	return out
}

// Reset forgets every running average.
func (a *Averager) Reset() {
	a.slots = make(map[string][]float64)
}
