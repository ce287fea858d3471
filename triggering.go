package pvscope

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// TriggerKind is the predicate that arms the trigger on an update of the trigger PV.
type TriggerKind int

// Names for the possible values of TriggerKind
const (
	OnChange             TriggerKind = iota // every update after the first
	GreaterThanThreshold                    // value > Level
	LessThanThreshold                       // value < Level
)

func (k TriggerKind) String() string {
	switch k {
	case OnChange:
		return "onchange"
	case GreaterThanThreshold:
		return "gtthreshold"
	case LessThanThreshold:
		return "ltthreshold"
	}
	return fmt.Sprintf("TriggerKind(%d)", int(k))
}

// ParseTriggerMode reads a trigger mode name: none, onchange, gtthreshold or ltthreshold.
// "none" returns enabled=false.
func ParseTriggerMode(s string) (kind TriggerKind, enabled bool, err error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return OnChange, false, nil
	case "onchange":
		return OnChange, true, nil
	case "gtthreshold":
		return GreaterThanThreshold, true, nil
	case "ltthreshold":
		return LessThanThreshold, true, nil
	}
	return OnChange, false, fmt.Errorf("trigger mode %q is not one of none, onchange, gtthreshold, ltthreshold", s)
}

// TriggerState contains all the state that controls trigger logic
type TriggerState struct {
	Enabled bool
	Kind    TriggerKind
	Level   float64

	Armed    bool    // a trigger event is waiting to be correlated
	Captured bool    // a window was extracted and awaits drawing
	Time     float64 // trigger time stamp, seconds past the epoch

	IndexInBuffer int // lower bound of Time in the data-time buffer
	DisplayStart  int // first index of the emitted window

	Triggers            int     // trigger events that armed the engine
	MissedCount         int     // consecutive missed triggers
	MissedTime          float64 // seconds by which the last miss preceded the buffer
	SuggestedBufferSize int
}

// MarkerOffset is the trigger position relative to the start of the emitted window.
func (ts TriggerState) MarkerOffset() int {
	return ts.IndexInBuffer - ts.DisplayStart
}

// CorrelationResult is the outcome of one call to TriggerEngine.Correlate.
type CorrelationResult int

// Names for the possible values of CorrelationResult
const (
	NotArmed CorrelationResult = iota
	Waiting                    // the trigger is ahead of the buffer, or more data is needed
	Missed                     // the trigger precedes a full buffer
	Captured                   // a window was found
)

func (r CorrelationResult) String() string {
	switch r {
	case NotArmed:
		return "NotArmed"
	case Waiting:
		return "Waiting"
	case Missed:
		return "Missed"
	case Captured:
		return "Captured"
	}
	return fmt.Sprintf("CorrelationResult(%d)", int(r))
}

// Correlation describes the outcome of correlating the trigger time with the data-time buffer.
// For Captured, [Start, End) is the window in data-time buffer indices.
type Correlation struct {
	Result     CorrelationResult
	Index      int
	Start, End int
	MissedTime float64
	Suggested  int
}

// TriggerEngine correlates the time stamp of a trigger PV with the data-time array of the
// subject PV. It is not safe for concurrent use; the owning Scope serializes access.
type TriggerEngine struct {
	TriggerState
	TimeField string   // field of the trigger PV holding the trigger time
	Protocol  Protocol // protocol of the trigger PV
	MaxLength int

	seenFirst bool
}

// NewTriggerEngine creates a disabled engine for windows of maxLength samples. Trigger PVs
// use channel access until told otherwise.
func NewTriggerEngine(maxLength int) *TriggerEngine {
	return &TriggerEngine{MaxLength: maxLength, Protocol: ChannelAccess}
}

// SamplesAfter is the number of samples drawn at and after the trigger.
func (te *TriggerEngine) SamplesAfter() int {
	return te.MaxLength / 2
}

// Configure sets the predicate, and resets the trigger lifecycle and miss counter.
func (te *TriggerEngine) Configure(enabled bool, kind TriggerKind, level float64) {
	te.Enabled = enabled
	te.Kind = kind
	te.Level = level
	te.Reset()
}

// Reset returns to idle and forgets the first-callback state, as after a new trigger PV.
func (te *TriggerEngine) Reset() {
	te.Armed = false
	te.Captured = false
	te.MissedCount = 0
	te.seenFirst = false
}

// CheckTimeField verifies that a trigger time field is known. Channel Access PVs default to
// "timeStamp"; pvAccess PVs must name one.
func (te *TriggerEngine) CheckTimeField() error {
	_, err := te.timeField()
	return err
}

func (te *TriggerEngine) timeField() (string, error) {
	if te.TimeField != "" {
		return te.TimeField, nil
	}
	if te.Protocol == ChannelAccess {
		return "timeStamp", nil
	}
	return "", fmt.Errorf("%w: a pvAccess trigger PV needs an explicit time field", ErrTriggerTimeField)
}

// triggerTime reads the trigger time from a timeStamp structure or a numeric scalar field.
func (te *TriggerEngine) triggerTime(s *Sample) (float64, error) {
	field, err := te.timeField()
	if err != nil {
		return 0, err
	}
	if v, ok := s.Value.Lookup(field); ok {
		if ts, ok := timestampFromValue(v); ok {
			return ts.Float(), nil
		}
		return 0, fmt.Errorf("%w: field %q holds a %v, want a time stamp", ErrTriggerTimeField, field, v.Kind)
	}
	if field == "timeStamp" && !s.Timestamp.IsZero() {
		return s.Timestamp.Float(), nil
	}
	return 0, fmt.Errorf("%w: field %q is absent from the trigger PV", ErrTriggerTimeField, field)
}

// triggerValue is the "value" field; an array contributes its first element.
func triggerValue(s *Sample) (float64, bool) {
	v, ok := s.Field("value")
	if !ok {
		return 0, false
	}
	x := v.Float64s()
	if len(x) == 0 {
		return 0, false
	}
	return x[0], true
}

// HandleTrigger applies the predicate to one update of the trigger PV and, if it holds, arms
// the engine at the update's trigger time. The first update after (re)configuration is
// the connection update and never arms an OnChange trigger. Arming is refused while a captured
// window awaits drawing.
func (te *TriggerEngine) HandleTrigger(s *Sample) (bool, error) {
	if !te.Enabled {
		return false, nil
	}
	first := !te.seenFirst
	te.seenFirst = true
	t, err := te.triggerTime(s)
	if err != nil {
		return false, err
	}
	if te.Captured {
		return false, nil
	}

	switch te.Kind {
	case OnChange:
		if first {
			return false, nil
		}
	case GreaterThanThreshold:
		if v, ok := triggerValue(s); !ok || !(v > te.Level) {
			return false, nil
		}
	case LessThanThreshold:
		if v, ok := triggerValue(s); !ok || !(v < te.Level) {
			return false, nil
		}
	default:
		return false, fmt.Errorf("trigger kind %v is not valid", te.Kind)
	}
	te.Armed = true
	te.Time = t
	te.Triggers++
	return true, nil
}

// lowerBound returns the first index i with T[i] >= t.
func lowerBound(T []float64, t float64) int {
	return sort.SearchFloat64s(T, t)
}

// roundUpSignificant rounds x up to an integer with at most the given number of significant
// digits. Values with no more integer digits than that are simply rounded up.
func roundUpSignificant(x float64, digits int) int {
	if x <= 0 {
		return 0
	}
	intDigits := int(math.Floor(math.Log10(x))) + 1
	if intDigits <= digits {
		return int(math.Ceil(x))
	}
	scale := math.Pow(10, float64(intDigits-digits))
	return int(math.Ceil(x/scale) * scale)
}

// Correlate looks for the armed trigger time in the data-time buffer T, which must be
// increasing.
func (te *TriggerEngine) Correlate(T []float64) Correlation {
	if !te.Enabled || !te.Armed || te.Captured {
		return Correlation{Result: NotArmed}
	}
	n := len(T)
	if n == 0 {
		return Correlation{Result: Waiting}
	}
	ml := te.MaxLength
	after := te.SamplesAfter()
	t := te.Time

	if t < T[0] {
		if n < ml {
			return Correlation{Result: Waiting}
		}
		span := T[n-1] - T[0]
		extra := float64(n)
		if span > 0 {
			extra = float64(n) * (T[0] - t) / span
		}
		te.MissedCount++
		te.MissedTime = T[0] - t
		te.SuggestedBufferSize = roundUpSignificant(extra+float64(ml), 3)
		te.Armed = false
		return Correlation{Result: Missed, MissedTime: te.MissedTime, Suggested: te.SuggestedBufferSize}
	}
	if t > T[n-1] {
		return Correlation{Result: Waiting}
	}

	i := lowerBound(T, t)
	if n-i < after {
		return Correlation{Result: Waiting}
	}
	start := max(i-(ml-after), 0)
	end := i + after
	te.Captured = true
	te.IndexInBuffer = i
	te.DisplayStart = start
	te.MissedCount = 0
	return Correlation{Result: Captured, Index: i, Start: start, End: end}
}

// Consume marks the captured window as drawn, returning the engine to idle.
func (te *TriggerEngine) Consume() {
	te.Captured = false
	te.Armed = false
}
