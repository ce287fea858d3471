package pvscope

import (
	"fmt"
	"strings"

	"github.com/epicstools/pvscope/colormode"
)

// Image is a decoded NTNDArray: the flat pixel array and the metadata needed to transcode it.
type Image struct {
	Mode      colormode.Mode
	Dims      []int // NDArray dimension sizes, fastest varying first
	X, Y, Z   int
	Type      ScalarType
	UniqueID  int64
	Timestamp Timestamp
	Pixels    Value // the selected member of the value union
}

// DecodeNDArray reads the NTNDArray fields of an image sample: the value union, the
// dimension sizes, the timeStamp and the ColorMode attribute. When no ColorMode attribute is
// present the mode is inferred from the dimensions.
func DecodeNDArray(s *Sample) (*Image, error) {
	u, ok := s.Field("value")
	if !ok || u.Kind != KindUnion {
		return nil, fmt.Errorf("%w: NTNDArray needs a value union", ErrStructureInvalid)
	}
	sel, ok := u.Selected()
	if !ok || sel.Value.Kind != KindArray || !sel.Value.IsNumeric() {
		return nil, fmt.Errorf("%w: NTNDArray value union holds no pixel array", ErrStructureInvalid)
	}

	dimv, ok := s.Field("dimension")
	if !ok || dimv.Kind != KindStructureArray {
		return nil, fmt.Errorf("%w: NTNDArray needs a dimension array", ErrStructureInvalid)
	}
	dims := make([]int, 0, 3)
	for _, d := range dimv.Elements() {
		sz, ok := d.Field("size")
		if !ok {
			return nil, fmt.Errorf("%w: dimension without size", ErrStructureInvalid)
		}
		n, ok := sz.Int()
		if !ok {
			return nil, fmt.Errorf("%w: dimension size is a %v", ErrStructureInvalid, sz.Type)
		}
		dims = append(dims, int(n))
	}
	if len(dims) != 2 && len(dims) != 3 {
		return nil, fmt.Errorf("%w: NTNDArray has %d dimensions, want 2 or 3", ErrStructureInvalid, len(dims))
	}

	tsv, ok := s.Field("timeStamp")
	if !ok {
		return nil, fmt.Errorf("%w: NTNDArray needs a timeStamp", ErrStructureInvalid)
	}
	ts, ok := timestampFromValue(tsv)
	if !ok {
		return nil, fmt.Errorf("%w: malformed timeStamp", ErrStructureInvalid)
	}

	img := &Image{Dims: dims, Type: sel.Value.Type, Timestamp: ts, Pixels: sel.Value}
	if id, ok := s.Field("uniqueId"); ok {
		img.UniqueID, _ = id.Int()
	}
	mode, found, err := colorModeAttribute(s)
	if err != nil {
		return nil, err
	}
	if !found {
		if mode, err = colormode.Infer(dims); err != nil {
			return nil, err
		}
	}
	img.Mode = mode
	if img.X, img.Y, img.Z, err = colormode.Shape(mode, dims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStructureInvalid, err)
	}
	if need := img.X * img.Y * img.Z; sel.Value.Len() < need {
		return nil, fmt.Errorf("%w: %d pixels for a %d×%d×%d image", ErrStructureInvalid, sel.Value.Len(), img.X, img.Y, img.Z)
	}
	return img, nil
}

// colorModeAttribute finds the ColorMode entry of the NTNDArray attribute list.
func colorModeAttribute(s *Sample) (colormode.Mode, bool, error) {
	attrs, ok := s.Field("attribute")
	if !ok {
		return 0, false, nil
	}
	for _, a := range attrs.Elements() {
		name, _ := a.Field("name")
		if n, _ := name.Str(); !strings.EqualFold(n, "ColorMode") {
			continue
		}
		v, ok := a.Field("value")
		if ok && v.Kind == KindUnion {
			sel, ok2 := v.Selected()
			v, ok = sel.Value, ok2
		}
		if !ok {
			return 0, false, fmt.Errorf("%w: ColorMode attribute has no value", ErrStructureInvalid)
		}
		m, ok := v.Int()
		if !ok {
			return 0, false, fmt.Errorf("%w: ColorMode attribute is not an integer", ErrStructureInvalid)
		}
		mode := colormode.Mode(m)
		if err := mode.Check(); err != nil {
			return 0, false, err
		}
		return mode, true, nil
	}
	return 0, false, nil
}

// ImageFrame is a transcoded image ready to display, with its statistics.
type ImageFrame struct {
	Mode         string
	X, Y, Z      int
	Data         []float64 // row-major (Y, X, Z)
	Min, Max     float64   // excluding embedded data
	Black, White float64   // display levels
	DeadPixels   int
	UniqueID     int64
	Timestamp    Timestamp
}

// ImageProcessor turns NTNDArray samples into ImageFrames. It skips a frame whose timeStamp
// equals that of the previous frame. It is not safe for concurrent use.
type ImageProcessor struct {
	EmbeddedDataLen    int     // leading pixels holding camera metadata
	DeadPixelThreshold float64 // pixels above this count as dead; 0 disables
	AutoGain           bool
	BlackLimits        colormode.Range
	WhiteLimits        colormode.Range

	last     Timestamp
	seen     bool
	Rendered int
	Skipped  int
}

// Process decodes one image. It returns a nil frame and no error for a duplicate.
func (p *ImageProcessor) Process(s *Sample) (*ImageFrame, error) {
	img, err := DecodeNDArray(s)
	if err != nil {
		return nil, err
	}
	if p.seen && img.Timestamp == p.last {
		p.Skipped++
		return nil, nil
	}

	var frame *ImageFrame
	switch a := img.Pixels.data.(type) {
	case []int8:
		frame, err = processPixels(p, img, a)
	case []int16:
		frame, err = processPixels(p, img, a)
	case []int32:
		frame, err = processPixels(p, img, a)
	case []int64:
		frame, err = processPixels(p, img, a)
	case []uint8:
		frame, err = processPixels(p, img, a)
	case []uint16:
		frame, err = processPixels(p, img, a)
	case []uint32:
		frame, err = processPixels(p, img, a)
	case []uint64:
		frame, err = processPixels(p, img, a)
	case []float32:
		frame, err = processPixels(p, img, a)
	case []float64:
		frame, err = processPixels(p, img, a)
	default:
		err = fmt.Errorf("%w: pixel type %v", ErrStructureInvalid, img.Type)
	}
	if err != nil {
		return nil, err
	}
	p.last = img.Timestamp
	p.seen = true
	p.Rendered++
	return frame, nil
}

// Reset forgets the last timeStamp, so the next frame is always rendered.
func (p *ImageProcessor) Reset() {
	p.seen = false
}

func processPixels[T colormode.Pixel](p *ImageProcessor, img *Image, flat []T) (*ImageFrame, error) {
	raster, err := colormode.Transcode(flat, img.Mode, img.X, img.Y, img.Z)
	if err != nil {
		return nil, err
	}
	frame := &ImageFrame{
		Mode:      img.Mode.String(),
		X:         raster.X,
		Y:         raster.Y,
		Z:         raster.Z,
		Data:      make([]float64, len(raster.Data)),
		UniqueID:  img.UniqueID,
		Timestamp: img.Timestamp,
	}
	for i, v := range raster.Data {
		frame.Data[i] = float64(v)
	}

	stats := flat[:img.X*img.Y*img.Z]
	if skip := p.EmbeddedDataLen; skip > 0 {
		stats = stats[min(skip, len(stats)):]
	}
	frame.Min, frame.Max = colormode.MinMax(stats)
	if p.DeadPixelThreshold > 0 {
		frame.DeadPixels = colormode.CountAbove(stats, p.DeadPixelThreshold)
	}

	lo, hi := colormode.Limits[T]()
	black, white := p.BlackLimits, p.WhiteLimits
	if black == (colormode.Range{}) {
		black = colormode.Range{Min: lo, Max: hi}
	}
	if white == (colormode.Range{}) {
		white = colormode.Range{Min: lo, Max: hi}
	}
	if p.AutoGain {
		frame.Black, frame.White = colormode.AutoGain(stats, black, white)
	} else {
		frame.Black, frame.White = frame.Min, frame.Max
	}
	return frame, nil
}
