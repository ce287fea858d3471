package signal

import (
	"errors"
	"fmt"
)

// Config selects the transforms of a Pipeline.
type Config struct {
	Min, Max  *float64 // range filter bounds, nil for none
	Diff      bool
	Transform Transform
	Window    Window
	Histogram bool
	Bins      int
	Average   int // EMA length; 1 disables
}

// Validate checks that the selected transforms can be combined.
func (c Config) Validate() error {
	if c.Histogram && c.Transform != TransformNone {
		return errors.New("histogram cannot be combined with FFT or PSD")
	}
	if c.Histogram && c.Bins < 1 {
		return fmt.Errorf("histogram needs at least 1 bin, have %d", c.Bins)
	}
	if c.Average < 0 {
		return fmt.Errorf("average length %d is negative", c.Average)
	}
	if c.Window != WindowNone && c.Window != WindowHamming {
		return fmt.Errorf("%w: %v", ErrFilterInvalid, c.Window)
	}
	return nil
}

// SingleAxis is true when every curve must share one (log-log) y axis.
func (c Config) SingleAxis() bool {
	return c.Transform != TransformNone
}

// Output is one transformed curve.
type Output struct {
	X, Y   []float64
	Step   bool // X holds len(Y)+1 bin edges
	LogLog bool
}

// Pipeline applies the configured transforms in order: range filter, diff, then spectrum or
// histogram, then the moving average.
type Pipeline struct {
	Config
	avg *Averager
}

// NewPipeline validates c and creates a Pipeline with empty averages.
func NewPipeline(c Config) (*Pipeline, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{Config: c, avg: NewAverager(c.Average)}, nil
}

// Apply transforms one curve. id names the curve's moving-average slot. t may be nil, in
// which case the sample index is the x axis.
func (p *Pipeline) Apply(id string, data, t []float64) (Output, error) {
	if t != nil && len(t) != len(data) {
		t = nil
	}
	y, x := data, t
	if p.Min != nil || p.Max != nil {
		y, x = RangeFilter(y, x, p.Min, p.Max)
	}
	if p.Diff {
		y = Diff(y)
		if len(x) > 0 {
			x = x[1:]
		}
	}

	var out Output
	switch {
	case p.Transform != TransformNone:
		xf, yf, err := Spectrum(y, x, p.Window, p.Transform)
		if err != nil {
			return Output{}, err
		}
		out = Output{X: xf, Y: yf, LogLog: true}
	case p.Histogram:
		edges, counts := Histogram(y, p.Bins)
		out = Output{X: edges, Y: counts, Step: true}
	default:
		if x == nil {
			x = make([]float64, len(y))
			for i := range x {
				x[i] = float64(i)
			}
		}
		out = Output{X: x, Y: y}
	}
	out.Y = p.avg.Apply(id, out.Y)
	return out, nil
}

// ResetAverages forgets every running average.
func (p *Pipeline) ResetAverages() {
	p.avg.Reset()
}
