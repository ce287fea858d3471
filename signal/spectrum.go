package signal

import (
	"errors"
	"fmt"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// ErrFilterInvalid is returned for an unknown FFT window name.
var ErrFilterInvalid = errors.New("invalid FFT filter")

// Window is the taper applied before a spectrum.
type Window int

// Names for the possible values of Window
const (
	WindowNone Window = iota
	WindowHamming
)

// hammingGain restores the amplitude lost to the Hamming taper.
const hammingGain = 1.853

// Gain returns the amplitude correction of the window.
func (w Window) Gain() float64 {
	if w == WindowHamming {
		return hammingGain
	}
	return 1.0
}

func (w Window) String() string {
	switch w {
	case WindowNone:
		return "none"
	case WindowHamming:
		return "hamming"
	}
	return fmt.Sprintf("Window(%d)", int(w))
}

// ParseWindow reads a window name, "none" or "hamming".
func ParseWindow(s string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return WindowNone, nil
	case "hamming":
		return WindowHamming, nil
	}
	return WindowNone, fmt.Errorf("%w: %q", ErrFilterInvalid, s)
}

// Transform selects the spectral transform of a curve.
type Transform int

// Names for the possible values of Transform
const (
	TransformNone Transform = iota
	TransformFFT
	TransformPSD
)

func (t Transform) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformFFT:
		return "fft"
	case TransformPSD:
		return "psd"
	}
	return fmt.Sprintf("Transform(%d)", int(t))
}

// ParseTransform reads "none", "fft" or "psd".
func ParseTransform(s string) (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TransformNone, nil
	case "fft":
		return TransformFFT, nil
	case "psd":
		return TransformPSD, nil
	}
	return TransformNone, fmt.Errorf("transform %q is not one of none, fft, psd", s)
}

// MeanPeriod is the mean difference of the time values, or 1 with fewer than two of them.
func MeanPeriod(t []float64) float64 {
	n := len(t)
	if n < 2 {
		return 1
	}
	dt := (t[n-1] - t[0]) / float64(n-1)
	if dt <= 0 {
		return 1
	}
	return dt
}

// RFFTFreq returns the n/2+1 frequencies of a real FFT of length n with sample period dt.
func RFFTFreq(n int, dt float64) []float64 {
	f := make([]float64, n/2+1)
	for k := range f {
		f[k] = float64(k) / (float64(n) * dt)
	}
	return f
}

// Spectrum computes the one-sided amplitude spectrum (TransformFFT) or power spectral density
// (TransformPSD) of data. The sample period is the mean difference of t (1 if t is absent).
//
//	FFT: yf[k] = 2·gain·|Y[k]|/N, yf[0] halved
//	PSD: yf[k] = 2·gain²·|Y[k]|²/sr², yf[0] quartered, with sr = 1/Δt
func Spectrum(data, t []float64, w Window, kind Transform) (xf, yf []float64, err error) {
	n := len(data)
	if n < 2 {
		return nil, nil, fmt.Errorf("spectrum needs at least 2 samples, have %d", n)
	}
	dt := MeanPeriod(t)
	seq := make([]float64, n)
	copy(seq, data)
	switch w {
	case WindowNone:
	case WindowHamming:
		window.Hamming(seq)
	default:
		return nil, nil, fmt.Errorf("%w: %v", ErrFilterInvalid, w)
	}

	fft := fourier.NewFFT(n)
	coeff := fft.Coefficients(nil, seq)
	xf = RFFTFreq(n, dt)
	yf = make([]float64, len(coeff))
	gain := w.Gain()
	switch kind {
	case TransformFFT:
		for k, c := range coeff {
			yf[k] = 2 * gain * cmplx.Abs(c) / float64(n)
		}
		yf[0] /= 2
	case TransformPSD:
		sr := 1 / dt
		for k, c := range coeff {
			a := cmplx.Abs(c)
			yf[k] = 2 * gain * gain * a * a / (sr * sr)
		}
		yf[0] /= 4
	default:
		return nil, nil, fmt.Errorf("spectrum of kind %v is not defined", kind)
	}
	return xf, yf, nil
}
