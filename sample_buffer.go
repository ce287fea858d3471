package pvscope

import (
	"fmt"
	"math"
	"sort"
)

// AcquisitionMode selects how array fields accumulate in a SampleBuffer.
type AcquisitionMode int

// Names for the possible values of AcquisitionMode
const (
	FreeRun        AcquisitionMode = iota // append, keep the last MaxLength values
	SampleMode                            // keep only the latest value of each field
	TriggerCapture                        // append, keep 1.5×MaxLength values for centering
)

func (m AcquisitionMode) String() string {
	switch m {
	case FreeRun:
		return "freerun"
	case SampleMode:
		return "sample"
	case TriggerCapture:
		return "trigger"
	}
	return fmt.Sprintf("AcquisitionMode(%d)", int(m))
}

// column is one field's buffer, holding values of the field's own element type.
type column interface {
	Type() ScalarType
	Len() int
	appendKeepingN(v Value, n int) bool
	trimKeepingN(n int)
	float64s(start, end int) []float64
}

type typedColumn[T Number] struct {
	data []T
}

func (c *typedColumn[T]) Type() ScalarType { return scalarTypeOf[T]() }
func (c *typedColumn[T]) Len() int         { return len(c.data) }

// appendKeepingN appends an array or a scalar of the column's type and trims to the last n
// values. It returns false if v has a different element type.
func (c *typedColumn[T]) appendKeepingN(v Value, n int) bool {
	switch x := v.data.(type) {
	case []T:
		if len(x) >= n {
			// Nothing now in the column survives.
			c.data = append(c.data[:0], x[len(x)-n:]...)
			return true
		}
		c.data = append(c.data, x...)
	case T:
		c.data = append(c.data, x)
	default:
		return false
	}
	c.trimKeepingN(n)
	return true
}

// trimKeepingN discards all but the last n values.
func (c *typedColumn[T]) trimKeepingN(n int) {
	L := len(c.data)
	if n >= L {
		return
	}
	copy(c.data[:n], c.data[L-n:L])
	c.data = c.data[:n]
}

func (c *typedColumn[T]) float64s(start, end int) []float64 {
	out := make([]float64, end-start)
	for i, x := range c.data[start:end] {
		out[i] = float64(x)
	}
	return out
}

func newColumn(t ScalarType) column {
	switch t {
	case TypeInt8:
		return &typedColumn[int8]{}
	case TypeInt16:
		return &typedColumn[int16]{}
	case TypeInt32:
		return &typedColumn[int32]{}
	case TypeInt64:
		return &typedColumn[int64]{}
	case TypeUint8:
		return &typedColumn[uint8]{}
	case TypeUint16:
		return &typedColumn[uint16]{}
	case TypeUint32:
		return &typedColumn[uint32]{}
	case TypeUint64:
		return &typedColumn[uint64]{}
	case TypeFloat32:
		return &typedColumn[float32]{}
	case TypeFloat64:
		return &typedColumn[float64]{}
	}
	return nil
}

// ArrayIDGap records one discontinuity of the array-id counter.
type ArrayIDGap struct {
	From, To int64
}

// Lost is the number of arrays that never arrived in this gap.
func (g ArrayIDGap) Lost() int64 {
	return g.To - g.From - 1
}

// maxGapsRemembered bounds the gap history.
const maxGapsRemembered = 100

// IngestResult summarizes one call to SampleBuffer.Ingest.
type IngestResult struct {
	Lost  int64       // arrays missing before this one, by array id
	Gap   *ArrayIDGap // the gap, when Lost > 0
	Bytes int         // bytes per array, fixed at the first ingest
}

// SampleBuffer keeps per-field buffers of the arrays in a structured PV. It is not safe for
// concurrent use; the owning Scope serializes access.
type SampleBuffer struct {
	MaxLength    int
	Mode         AcquisitionMode
	ArrayIDField string

	columns  map[string]column
	scalars  map[string]Value
	slots    map[string]Value
	channels map[string]bool

	lastArrayID   int64
	haveArrayID   bool
	bytesPerArray int
	sized         bool
	gaps          []ArrayIDGap
}

// NewSampleBuffer creates an empty buffer.
func NewSampleBuffer(maxLength int, mode AcquisitionMode) *SampleBuffer {
	if maxLength < 1 {
		maxLength = 1
	}
	return &SampleBuffer{
		MaxLength: maxLength,
		Mode:      mode,
		columns:   make(map[string]column),
		scalars:   make(map[string]Value),
		slots:     make(map[string]Value),
		channels:  make(map[string]bool),
	}
}

// Capacity is the per-field length limit for the current mode.
func (b *SampleBuffer) Capacity() int {
	return capacityFor(b.MaxLength, b.Mode)
}

func capacityFor(maxLength int, mode AcquisitionMode) int {
	if mode == TriggerCapture {
		return int(math.Ceil(1.5 * float64(maxLength)))
	}
	return maxLength
}

// SetChannels registers the fields being plotted. In sample mode, scalar fields are only
// sampled if registered.
func (b *SampleBuffer) SetChannels(names []string) {
	b.channels = make(map[string]bool, len(names))
	for _, n := range names {
		b.channels[n] = true
	}
}

// SetMode switches acquisition mode, trimming buffers to the new capacity.
func (b *SampleBuffer) SetMode(mode AcquisitionMode) {
	b.Mode = mode
	b.trimAll()
	b.slots = make(map[string]Value)
}

// Resize changes MaxLength, trimming buffers to the new capacity.
func (b *SampleBuffer) Resize(maxLength int) {
	if maxLength < 1 {
		maxLength = 1
	}
	b.MaxLength = maxLength
	b.trimAll()
}

func (b *SampleBuffer) trimAll() {
	n := b.Capacity()
	for _, c := range b.columns {
		c.trimKeepingN(n)
	}
}

// Clear drops all buffered data and array-id history.
func (b *SampleBuffer) Clear() {
	b.columns = make(map[string]column)
	b.scalars = make(map[string]Value)
	b.slots = make(map[string]Value)
	b.haveArrayID = false
	b.sized = false
	b.gaps = nil
}

// Ingest adds one update to the buffer.
func (b *SampleBuffer) Ingest(s *Sample) IngestResult {
	var res IngestResult
	if b.ArrayIDField != "" {
		if v, ok := s.Value.Lookup(b.ArrayIDField); ok {
			if id, ok := v.Int(); ok {
				if b.haveArrayID && id-b.lastArrayID > 1 {
					gap := ArrayIDGap{From: b.lastArrayID, To: id}
					res.Lost = gap.Lost()
					res.Gap = &gap
					b.gaps = append(b.gaps, gap)
					if len(b.gaps) > maxGapsRemembered {
						b.gaps = b.gaps[len(b.gaps)-maxGapsRemembered:]
					}
				}
				b.lastArrayID = id
				b.haveArrayID = true
			}
		}
	}
	if !b.sized {
		b.bytesPerArray = bytesPerUpdate(s.Value)
		b.sized = true
	}
	res.Bytes = b.bytesPerArray

	capacity := b.Capacity()
	for _, f := range s.Fields() {
		b.ingestField(f.Name, f.Value, capacity)
	}
	return res
}

func (b *SampleBuffer) ingestField(name string, v Value, capacity int) {
	switch v.Kind {
	case KindScalar:
		b.scalars[name] = v
		if b.Mode == SampleMode && b.channels[name] && v.IsNumeric() {
			b.slots[name] = v
		}

	case KindArray:
		if v.Len() == 0 {
			return
		}
		if b.Mode == SampleMode {
			if last, ok := v.Last(); ok {
				b.slots[name] = last
			}
			return
		}
		b.appendTo(name, v, capacity)

	case KindStructure:
		for _, f := range v.Fields() {
			b.ingestField(name+"."+f.Name, f.Value, capacity)
		}

	case KindUnion:
		if sel, ok := v.Selected(); ok {
			b.ingestField(name+"."+sel.Name, sel.Value, capacity)
		}
	}
	// Structure arrays carry metadata (dimensions, attributes), not samples.
}

// appendTo appends v to the named column, replacing the column if the element type changed.
func (b *SampleBuffer) appendTo(name string, v Value, capacity int) {
	c, ok := b.columns[name]
	if !ok || c.Type() != v.Type {
		c = newColumn(v.Type)
		if c == nil {
			return
		}
		b.columns[name] = c
	}
	c.appendKeepingN(v, capacity)
}

// CommitSamples appends each sampled value to its field's buffer, keeping MaxLength values.
// It is called once per timer tick in sample mode, so channels with different update rates
// advance together.
func (b *SampleBuffer) CommitSamples() int {
	names := make([]string, 0, len(b.slots))
	for name := range b.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.appendTo(name, b.slots[name], b.MaxLength)
	}
	return len(names)
}

// Fields returns the names of all buffered array fields, sorted.
func (b *SampleBuffer) Fields() []string {
	names := make([]string, 0, len(b.columns))
	for name := range b.columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the buffered length of a field (0 if absent).
func (b *SampleBuffer) Len(field string) int {
	if c, ok := b.columns[field]; ok {
		return c.Len()
	}
	return 0
}

// Type returns the element type of a buffered field.
func (b *SampleBuffer) Type(field string) ScalarType {
	if c, ok := b.columns[field]; ok {
		return c.Type()
	}
	return TypeNone
}

// Float64s returns a copy of the whole buffer of a field.
func (b *SampleBuffer) Float64s(field string) []float64 {
	c, ok := b.columns[field]
	if !ok {
		return nil
	}
	return c.float64s(0, c.Len())
}

// Window returns a copy of values [start, end) of a field, clipped to the buffer.
func (b *SampleBuffer) Window(field string, start, end int) []float64 {
	c, ok := b.columns[field]
	if !ok {
		return nil
	}
	if start < 0 {
		start = 0
	}
	if end > c.Len() {
		end = c.Len()
	}
	if end <= start {
		return []float64{}
	}
	return c.float64s(start, end)
}

// Scalar returns the latest value of a scalar field.
func (b *SampleBuffer) Scalar(field string) (Value, bool) {
	v, ok := b.scalars[field]
	return v, ok
}

// Slot returns the latest sampled value of a field in sample mode.
func (b *SampleBuffer) Slot(field string) (Value, bool) {
	v, ok := b.slots[field]
	return v, ok
}

// BytesPerArray is the size of one update, fixed at the first ingest.
func (b *SampleBuffer) BytesPerArray() int {
	return b.bytesPerArray
}

// Gaps returns the remembered array-id gaps, oldest first.
func (b *SampleBuffer) Gaps() []ArrayIDGap {
	out := make([]ArrayIDGap, len(b.gaps))
	copy(out, b.gaps)
	return out
}

// bytesPerUpdate sums the element sizes of every numeric leaf.
func bytesPerUpdate(v Value) int {
	switch v.Kind {
	case KindScalar, KindArray:
		return v.Len() * v.Type.Size()
	case KindStructure:
		total := 0
		for _, f := range v.Fields() {
			total += bytesPerUpdate(f.Value)
		}
		return total
	case KindUnion:
		if sel, ok := v.Selected(); ok {
			return bytesPerUpdate(sel.Value)
		}
	case KindStructureArray:
		total := 0
		for _, el := range v.Elements() {
			total += bytesPerUpdate(el)
		}
		return total
	}
	return 0
}
