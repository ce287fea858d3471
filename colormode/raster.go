package colormode

import "fmt"

// Pixel is the set of NDArray pixel types.
type Pixel interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Raster is an image stored row-major as (Y, X, Z). Z is 1 for a mono image.
type Raster[T Pixel] struct {
	X, Y, Z int
	Data    []T
}

// At returns the value of color plane z at row y, column x.
func (r Raster[T]) At(y, x, z int) T {
	return r.Data[(y*r.X+x)*r.Z+z]
}

// flatIndex is the position in a flat array of mode of the pixel (y, x, z).
func flatIndex(mode Mode, x, y, z, X, Y, Z int) int {
	switch mode {
	case RGB2:
		return y*Z*X + z*X + x
	case RGB3:
		return z*Y*X + y*X + x
	}
	// Mono and RGB1 are already (Y, X, Z).
	return (y*X+x)*Z + z
}

// Transcode turns a flat pixel array of the given mode and X, Y, Z sizes into a (Y, X, Z)
// raster. z is ignored for MONO. Extra values past X·Y·Z are ignored.
func Transcode[T Pixel](flat []T, mode Mode, x, y, z int) (Raster[T], error) {
	if err := mode.Check(); err != nil {
		return Raster[T]{}, err
	}
	if mode == Mono {
		z = 1
	}
	if x < 1 || y < 1 || z < 1 {
		return Raster[T]{}, fmt.Errorf("image size %d×%d×%d is not valid", x, y, z)
	}
	n := x * y * z
	if len(flat) < n {
		return Raster[T]{}, fmt.Errorf("image of %d×%d×%d needs %d values, have %d", x, y, z, n, len(flat))
	}
	out := Raster[T]{X: x, Y: y, Z: z, Data: make([]T, n)}
	if mode == Mono || mode == RGB1 {
		copy(out.Data, flat[:n])
		return out, nil
	}
	for iy := 0; iy < y; iy++ {
		for ix := 0; ix < x; ix++ {
			for iz := 0; iz < z; iz++ {
				out.Data[(iy*x+ix)*z+iz] = flat[flatIndex(mode, ix, iy, iz, x, y, z)]
			}
		}
	}
	return out, nil
}

// Flatten is the inverse of Transcode: it lays the raster out as a flat array of mode.
func Flatten[T Pixel](r Raster[T], mode Mode) ([]T, error) {
	if err := mode.Check(); err != nil {
		return nil, err
	}
	flat := make([]T, len(r.Data))
	for iy := 0; iy < r.Y; iy++ {
		for ix := 0; ix < r.X; ix++ {
			for iz := 0; iz < r.Z; iz++ {
				flat[flatIndex(mode, ix, iy, iz, r.X, r.Y, r.Z)] = r.At(iy, ix, iz)
			}
		}
	}
	return flat, nil
}
