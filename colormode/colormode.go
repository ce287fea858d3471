// Package colormode decodes the flat pixel arrays of NTNDArray images into rasters, following
// the areaDetector color modes.
package colormode

import (
	"errors"
	"fmt"
)

// ErrUnsupportedColorMode is returned for a color mode other than MONO, RGB1, RGB2 or RGB3.
var ErrUnsupportedColorMode = errors.New("unsupported color mode")

// Mode is the areaDetector ColorMode attribute: the order of the color planes in the array.
type Mode int

// Names for the supported values of Mode. The gap at 1 is Bayer, which is not supported.
const (
	Mono Mode = 0 // (Y, X)
	RGB1 Mode = 2 // pixel interleaved (Y, X, 3)
	RGB2 Mode = 3 // row interleaved (Y, 3, X)
	RGB3 Mode = 4 // plane interleaved (3, Y, X)
)

func (m Mode) String() string {
	switch m {
	case Mono:
		return "MONO"
	case RGB1:
		return "RGB1"
	case RGB2:
		return "RGB2"
	case RGB3:
		return "RGB3"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Check returns ErrUnsupportedColorMode for unknown modes.
func (m Mode) Check() error {
	switch m {
	case Mono, RGB1, RGB2, RGB3:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnsupportedColorMode, int(m))
}

// Infer guesses the mode from NDArray dimension sizes (fastest varying first) when no
// ColorMode attribute is sent: two dimensions are MONO, and with three the position of the
// size-3 dimension selects RGB1, RGB2 or RGB3.
func Infer(dims []int) (Mode, error) {
	switch len(dims) {
	case 2:
		return Mono, nil
	case 3:
		for i, mode := range []Mode{RGB1, RGB2, RGB3} {
			if dims[i] == 3 {
				return mode, nil
			}
		}
		return 0, fmt.Errorf("%w: no color dimension of size 3 in %v", ErrUnsupportedColorMode, dims)
	}
	return 0, fmt.Errorf("%w: %d dimensions", ErrUnsupportedColorMode, len(dims))
}

// Shape reads (X, Y, Z) from the NDArray dimension sizes of an image in the given mode. Z is 1
// for MONO.
func Shape(mode Mode, dims []int) (x, y, z int, err error) {
	if err := mode.Check(); err != nil {
		return 0, 0, 0, err
	}
	want := 3
	if mode == Mono {
		want = 2
	}
	if len(dims) != want {
		return 0, 0, 0, fmt.Errorf("color mode %v needs %d dimensions, have %d", mode, want, len(dims))
	}
	switch mode {
	case Mono:
		return dims[0], dims[1], 1, nil
	case RGB1:
		return dims[1], dims[2], dims[0], nil
	case RGB2:
		return dims[0], dims[2], dims[1], nil
	default:
		return dims[0], dims[1], dims[2], nil
	}
}

// Dims is the inverse of Shape: the NDArray dimension sizes of an X×Y×Z image.
func Dims(mode Mode, x, y, z int) []int {
	switch mode {
	case RGB1:
		return []int{z, x, y}
	case RGB2:
		return []int{x, z, y}
	case RGB3:
		return []int{x, y, z}
	}
	return []int{x, y}
}
