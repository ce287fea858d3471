package pvscope

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Kind says which member of the Value variant is populated.
type Kind int

// Names for the possible values of Kind
const (
	KindScalar         Kind = iota // a single number or string
	KindArray                      // a homogeneous array of numbers
	KindStructure                  // an ordered list of named fields
	KindStructureArray             // an array of structures (e.g. NTNDArray dimension)
	KindUnion                      // exactly one selected named field
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArray:
		return "array"
	case KindStructure:
		return "structure"
	case KindStructureArray:
		return "structure[]"
	case KindUnion:
		return "union"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ScalarType is the element type of scalar and array fields.
type ScalarType int

// Names for the possible values of ScalarType
const (
	TypeNone ScalarType = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeString
)

var scalarTypeNames = map[ScalarType]string{
	TypeNone: "none", TypeInt8: "byte", TypeInt16: "short", TypeInt32: "int", TypeInt64: "long",
	TypeUint8: "ubyte", TypeUint16: "ushort", TypeUint32: "uint", TypeUint64: "ulong",
	TypeFloat32: "float", TypeFloat64: "double", TypeString: "string",
}

func (t ScalarType) String() string {
	if n, ok := scalarTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("ScalarType(%d)", int(t))
}

// Size returns the element size in bytes (0 for strings and TypeNone).
func (t ScalarType) Size() int {
	switch t {
	case TypeInt8, TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt32, TypeUint32, TypeFloat32:
		return 4
	case TypeInt64, TypeUint64, TypeFloat64:
		return 8
	}
	return 0
}

// Number is the set of element types a numeric field can carry.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// scalarTypeOf maps a Go numeric type onto its ScalarType.
func scalarTypeOf[T Number]() ScalarType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return TypeInt8
	case int16:
		return TypeInt16
	case int32:
		return TypeInt32
	case int64:
		return TypeInt64
	case uint8:
		return TypeUint8
	case uint16:
		return TypeUint16
	case uint32:
		return TypeUint32
	case uint64:
		return TypeUint64
	case float32:
		return TypeFloat32
	case float64:
		return TypeFloat64
	}
	return TypeNone
}

// Field is one named member of a structure or the selected member of a union.
type Field struct {
	Name  string
	Value Value
}

// Value is a typed PV value: a scalar, a homogeneous array, a structure, an array of
// structures, or a union. The zero Value is an untyped scalar.
type Value struct {
	Kind Kind
	Type ScalarType // element type for KindScalar and KindArray
	ID   string     // structure type id, e.g. "epics:nt/NTNDArray:1.0"
	data any        // scalar: T or string; array: []T; structure: []Field; structure[]: []Value; union: *Field
}

// Scalar returns a numeric scalar Value.
func Scalar[T Number](v T) Value {
	return Value{Kind: KindScalar, Type: scalarTypeOf[T](), data: v}
}

// Array returns a numeric array Value. The slice is not copied.
func Array[T Number](v []T) Value {
	if v == nil {
		v = []T{}
	}
	return Value{Kind: KindArray, Type: scalarTypeOf[T](), data: v}
}

// String returns a string scalar Value.
func String(s string) Value {
	return Value{Kind: KindScalar, Type: TypeString, data: s}
}

// Struct returns a structure Value holding the given fields in order.
func Struct(id string, fields ...Field) Value {
	return Value{Kind: KindStructure, ID: id, data: fields}
}

// StructArray returns an array-of-structures Value.
func StructArray(elements ...Value) Value {
	return Value{Kind: KindStructureArray, data: elements}
}

// Union returns a union Value with one selected field. An empty name means nothing is selected.
func Union(name string, v Value) Value {
	if name == "" {
		return Value{Kind: KindUnion}
	}
	return Value{Kind: KindUnion, data: &Field{Name: name, Value: v}}
}

// F is shorthand for building a Field.
func F(name string, v Value) Field {
	return Field{Name: name, Value: v}
}

// IsNumeric says whether the value is a numeric scalar or array.
func (v Value) IsNumeric() bool {
	return (v.Kind == KindScalar || v.Kind == KindArray) && v.Type != TypeString && v.Type != TypeNone
}

// Fields returns the fields of a structure (nil for other kinds).
func (v Value) Fields() []Field {
	if v.Kind != KindStructure {
		return nil
	}
	fields, _ := v.data.([]Field)
	return fields
}

// Elements returns the members of a structure array (nil for other kinds).
func (v Value) Elements() []Value {
	if v.Kind != KindStructureArray {
		return nil
	}
	elements, _ := v.data.([]Value)
	return elements
}

// Selected returns the selected member of a union.
func (v Value) Selected() (Field, bool) {
	if v.Kind != KindUnion {
		return Field{}, false
	}
	f, ok := v.data.(*Field)
	if !ok || f == nil {
		return Field{}, false
	}
	return *f, true
}

// Field finds a direct member of a structure by name.
func (v Value) Field(name string) (Value, bool) {
	for _, f := range v.Fields() {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Lookup finds a (possibly nested) member by dotted path such as "timeStamp.nanoseconds".
func (v Value) Lookup(path string) (Value, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		if cur.Kind == KindUnion {
			sel, ok := cur.Selected()
			if !ok {
				return Value{}, false
			}
			cur = sel.Value
		}
		next, ok := cur.Field(part)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Len returns the number of elements of an array or structure array, 1 for a scalar.
func (v Value) Len() int {
	switch v.Kind {
	case KindScalar:
		return 1
	case KindArray:
		switch a := v.data.(type) {
		case []int8:
			return len(a)
		case []int16:
			return len(a)
		case []int32:
			return len(a)
		case []int64:
			return len(a)
		case []uint8:
			return len(a)
		case []uint16:
			return len(a)
		case []uint32:
			return len(a)
		case []uint64:
			return len(a)
		case []float32:
			return len(a)
		case []float64:
			return len(a)
		}
	case KindStructureArray:
		return len(v.Elements())
	}
	return 0
}

// Float returns a numeric scalar as float64.
func (v Value) Float() (float64, bool) {
	if v.Kind != KindScalar {
		return 0, false
	}
	switch x := v.data.(type) {
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// Int returns a numeric scalar as int64 (floats are truncated).
func (v Value) Int() (int64, bool) {
	if v.Kind != KindScalar {
		return 0, false
	}
	switch x := v.data.(type) {
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	case float32:
		return int64(x), true
	case float64:
		return int64(x), true
	}
	return 0, false
}

// Str returns a string scalar.
func (v Value) Str() (string, bool) {
	s, ok := v.data.(string)
	return s, ok && v.Kind == KindScalar
}

// Float64s converts a numeric array (or scalar) to a new []float64.
func (v Value) Float64s() []float64 {
	if v.Kind == KindScalar {
		if f, ok := v.Float(); ok {
			return []float64{f}
		}
		return nil
	}
	if v.Kind != KindArray {
		return nil
	}
	switch a := v.data.(type) {
	case []int8:
		return toFloat64s(a)
	case []int16:
		return toFloat64s(a)
	case []int32:
		return toFloat64s(a)
	case []int64:
		return toFloat64s(a)
	case []uint8:
		return toFloat64s(a)
	case []uint16:
		return toFloat64s(a)
	case []uint32:
		return toFloat64s(a)
	case []uint64:
		return toFloat64s(a)
	case []float32:
		return toFloat64s(a)
	case []float64:
		return toFloat64s(a)
	}
	return nil
}

func toFloat64s[T Number](a []T) []float64 {
	out := make([]float64, len(a))
	for i, x := range a {
		out[i] = float64(x)
	}
	return out
}

// Last returns the final element of a numeric array, or the scalar itself.
func (v Value) Last() (Value, bool) {
	switch v.Kind {
	case KindScalar:
		return v, v.IsNumeric()
	case KindArray:
		n := v.Len()
		if n == 0 {
			return Value{}, false
		}
		switch a := v.data.(type) {
		case []int8:
			return Scalar(a[n-1]), true
		case []int16:
			return Scalar(a[n-1]), true
		case []int32:
			return Scalar(a[n-1]), true
		case []int64:
			return Scalar(a[n-1]), true
		case []uint8:
			return Scalar(a[n-1]), true
		case []uint16:
			return Scalar(a[n-1]), true
		case []uint32:
			return Scalar(a[n-1]), true
		case []uint64:
			return Scalar(a[n-1]), true
		case []float32:
			return Scalar(a[n-1]), true
		case []float64:
			return Scalar(a[n-1]), true
		}
	}
	return Value{}, false
}

// Descriptor describes the shape of a Value without its data: the recursive structure
// descriptor used for field introspection.
type Descriptor struct {
	Name   string
	Kind   Kind
	Type   ScalarType
	ID     string
	Fields []Descriptor
}

// Describe returns the descriptor of a value. Structure arrays are described by their
// first element; unions by their selected member.
func (v Value) Describe(name string) Descriptor {
	d := Descriptor{Name: name, Kind: v.Kind, Type: v.Type, ID: v.ID}
	switch v.Kind {
	case KindStructure:
		for _, f := range v.Fields() {
			d.Fields = append(d.Fields, f.Value.Describe(f.Name))
		}
	case KindStructureArray:
		if el := v.Elements(); len(el) > 0 {
			d.Fields = el[0].Describe("").Fields
		}
	case KindUnion:
		if sel, ok := v.Selected(); ok {
			d.Fields = []Descriptor{sel.Value.Describe(sel.Name)}
		}
	}
	return d
}

// Walk visits every scalar and array leaf of the descriptor tree, giving its dotted path.
// Union members are visited as if they were structure members.
func (d Descriptor) Walk(visit func(path string, leaf Descriptor)) {
	d.walk("", visit)
}

func (d Descriptor) walk(prefix string, visit func(string, Descriptor)) {
	for _, f := range d.Fields {
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		switch f.Kind {
		case KindScalar, KindArray:
			visit(path, f)
		case KindStructure, KindUnion:
			f.walk(path, visit)
		}
	}
}

// FieldNames returns the top-level field names in order.
func (d Descriptor) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for _, f := range d.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Split separates numeric leaves into (arrays and sub-arrays, scalar fields), both sorted.
func (d Descriptor) Split() (arrays []string, scalars []string) {
	d.Walk(func(path string, leaf Descriptor) {
		if leaf.Type == TypeString {
			return
		}
		if leaf.Kind == KindArray {
			arrays = append(arrays, path)
		} else {
			scalars = append(scalars, path)
		}
	})
	sort.Strings(arrays)
	sort.Strings(scalars)
	return
}

// Timestamp is an EPICS time stamp.
type Timestamp struct {
	SecondsPastEpoch int64
	Nanoseconds      int32
}

// Float returns the timestamp as seconds past the epoch.
func (ts Timestamp) Float() float64 {
	return float64(ts.SecondsPastEpoch) + float64(ts.Nanoseconds)/1e9
}

// Time converts to a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.SecondsPastEpoch, int64(ts.Nanoseconds))
}

// IsZero says whether the timestamp was never set.
func (ts Timestamp) IsZero() bool {
	return ts.SecondsPastEpoch == 0 && ts.Nanoseconds == 0
}

// TimestampFromTime splits a time.Time into an EPICS Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{SecondsPastEpoch: t.Unix(), Nanoseconds: int32(t.Nanosecond())}
}

// TimestampFromFloat splits float seconds into an EPICS Timestamp.
func TimestampFromFloat(sec float64) Timestamp {
	whole := math.Floor(sec)
	return Timestamp{SecondsPastEpoch: int64(whole), Nanoseconds: int32(math.Round((sec - whole) * 1e9))}
}

// Value returns the normative timeStamp structure for this timestamp.
func (ts Timestamp) Value() Value {
	return Struct("time_t",
		F("secondsPastEpoch", Scalar(ts.SecondsPastEpoch)),
		F("nanoseconds", Scalar(ts.Nanoseconds)),
		F("userTag", Scalar(int32(0))),
	)
}

// timestampFromValue reads a timeStamp structure or a numeric scalar in seconds.
func timestampFromValue(v Value) (Timestamp, bool) {
	switch v.Kind {
	case KindStructure:
		sec, ok1 := v.Field("secondsPastEpoch")
		ns, ok2 := v.Field("nanoseconds")
		if !ok1 || !ok2 {
			return Timestamp{}, false
		}
		s, ok1 := sec.Int()
		n, ok2 := ns.Int()
		if !ok1 || !ok2 {
			return Timestamp{}, false
		}
		return Timestamp{SecondsPastEpoch: s, Nanoseconds: int32(n)}, true
	case KindScalar:
		f, ok := v.Float()
		if !ok {
			return Timestamp{}, false
		}
		return TimestampFromFloat(f), true
	}
	return Timestamp{}, false
}

// Sample is one update of a PV: its value (normally a structure) and its time stamp.
type Sample struct {
	Value     Value
	Timestamp Timestamp
}

// NewSample builds a Sample from top-level fields, filling Timestamp from a "timeStamp"
// field when one is present.
func NewSample(fields ...Field) *Sample {
	s := &Sample{Value: Struct("", fields...)}
	if tsv, ok := s.Value.Field("timeStamp"); ok {
		if ts, ok := timestampFromValue(tsv); ok {
			s.Timestamp = ts
		}
	}
	return s
}

// Fields returns the top-level fields of the sample.
func (s *Sample) Fields() []Field {
	if s.Value.Kind == KindStructure {
		return s.Value.Fields()
	}
	// A bare scalar or array PV is presented as a single "value" field.
	return []Field{{Name: "value", Value: s.Value}}
}

// Field finds a top-level field.
func (s *Sample) Field(name string) (Value, bool) {
	for _, f := range s.Fields() {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}
