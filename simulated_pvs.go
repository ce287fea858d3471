package pvscope

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/epicstools/pvscope/colormode"
)

// SimGenerator makes the seq-th update of a simulated PV. start is when the subscription (or
// get) began and now is the current time.
type SimGenerator func(seq int64, start, now time.Time) *Sample

// simPV is one simulated process variable.
type simPV struct {
	name    string
	period  time.Duration // 0 means updates only come from Publish
	gen     SimGenerator
	current *Sample
	getSeq  int64
	subs    map[*simSubscription]struct{}
}

// SimulatedPVs is an in-process Transport serving simulated PVs: scope waveforms, trigger
// counters and NTNDArray images. PVs may also be fed explicitly with Publish.
type SimulatedPVs struct {
	pvs map[string]*simPV
	sync.Mutex
}

// NewSimulatedPVs creates an empty set of simulated PVs.
func NewSimulatedPVs() *SimulatedPVs {
	return &SimulatedPVs{pvs: make(map[string]*simPV)}
}

// Add registers a PV that updates every period using gen.
func (sp *SimulatedPVs) Add(name string, period time.Duration, gen SimGenerator) {
	sp.Lock()
	defer sp.Unlock()
	sp.pvs[name] = &simPV{name: name, period: period, gen: gen, subs: make(map[*simSubscription]struct{})}
}

// AddStatic registers a PV holding a fixed value until the next Publish.
func (sp *SimulatedPVs) AddStatic(name string, initial *Sample) {
	sp.Lock()
	defer sp.Unlock()
	sp.pvs[name] = &simPV{name: name, current: initial, subs: make(map[*simSubscription]struct{})}
}

func (sp *SimulatedPVs) lookup(name string) (*simPV, error) {
	pv, ok := sp.pvs[name]
	if !ok {
		return nil, fmt.Errorf("PV %q does not exist", name)
	}
	return pv, nil
}

// Publish makes s the current value of a PV and sends it to every monitor, in order.
func (sp *SimulatedPVs) Publish(name string, s *Sample) error {
	sp.Lock()
	pv, err := sp.lookup(name)
	if err != nil {
		sp.Unlock()
		return err
	}
	pv.current = s
	subs := make([]*simSubscription, 0, len(pv.subs))
	for sub := range pv.subs {
		subs = append(subs, sub)
	}
	sp.Unlock()
	for _, sub := range subs {
		sub.send(simEvent{sample: s})
	}
	return nil
}

// SetConnected sends a connection event to every monitor of a PV.
func (sp *SimulatedPVs) SetConnected(name string, up bool) error {
	sp.Lock()
	pv, err := sp.lookup(name)
	if err != nil {
		sp.Unlock()
		return err
	}
	subs := make([]*simSubscription, 0, len(pv.subs))
	for sub := range pv.subs {
		subs = append(subs, sub)
	}
	sp.Unlock()
	for _, sub := range subs {
		sub.send(simEvent{connection: true, up: up})
	}
	return nil
}

// Get returns the current value of a PV, or its next generated update.
func (sp *SimulatedPVs) Get(ctx context.Context, name string, fields []string) (*Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sp.Lock()
	defer sp.Unlock()
	pv, err := sp.lookup(name)
	if err != nil {
		return nil, err
	}
	s := pv.current
	if pv.gen != nil {
		now := time.Now()
		s = pv.gen(pv.getSeq, now, now)
		pv.getSeq++
	}
	if s == nil {
		return nil, fmt.Errorf("PV %q has no value", name)
	}
	return selectFields(s, fields), nil
}

// Introspect describes the structure of a PV.
func (sp *SimulatedPVs) Introspect(ctx context.Context, name string) (Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return Descriptor{}, err
	}
	sp.Lock()
	defer sp.Unlock()
	pv, err := sp.lookup(name)
	if err != nil {
		return Descriptor{}, err
	}
	s := pv.current
	if pv.gen != nil {
		now := time.Now()
		s = pv.gen(0, now, now)
	}
	if s == nil {
		return Descriptor{}, fmt.Errorf("PV %q has no value", name)
	}
	return s.Value.Describe(name), nil
}

// Monitor subscribes to a PV. The handler first sees a connection-up event, then every
// update in order.
func (sp *SimulatedPVs) Monitor(name string, fields []string, handler MonitorHandler) (Subscription, error) {
	sp.Lock()
	defer sp.Unlock()
	pv, err := sp.lookup(name)
	if err != nil {
		return nil, err
	}
	sub := &simSubscription{
		owner:   sp,
		pv:      pv,
		fields:  fields,
		handler: handler,
		events:  make(chan simEvent, 16),
		done:    make(chan struct{}),
	}
	pv.subs[sub] = struct{}{}
	sub.wg.Add(1)
	go sub.run()
	return sub, nil
}

type simEvent struct {
	sample     *Sample
	connection bool
	up         bool
}

type simSubscription struct {
	owner   *SimulatedPVs
	pv      *simPV
	fields  []string
	handler MonitorHandler
	events  chan simEvent
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func (sub *simSubscription) send(e simEvent) {
	select {
	case sub.events <- e:
	case <-sub.done:
	}
}

func (sub *simSubscription) run() {
	defer sub.wg.Done()
	if sub.handler.OnConnection != nil {
		sub.handler.OnConnection(true)
	}
	var tick <-chan time.Time
	if sub.pv.period > 0 && sub.pv.gen != nil {
		ticker := time.NewTicker(sub.pv.period)
		defer ticker.Stop()
		tick = ticker.C
	}
	start := time.Now()
	var seq int64
	for {
		select {
		case <-sub.done:
			return
		case e := <-sub.events:
			if e.connection {
				if sub.handler.OnConnection != nil {
					sub.handler.OnConnection(e.up)
				}
			} else if sub.handler.OnData != nil {
				sub.handler.OnData(selectFields(e.sample, sub.fields))
			}
		case now := <-tick:
			s := sub.pv.gen(seq, start, now)
			seq++
			if s != nil && sub.handler.OnData != nil {
				sub.handler.OnData(selectFields(s, sub.fields))
			}
		}
	}
}

// Close ends the subscription and waits for its goroutine.
func (sub *simSubscription) Close() error {
	sub.once.Do(func() {
		sub.owner.Lock()
		delete(sub.pv.subs, sub)
		sub.owner.Unlock()
		close(sub.done)
	})
	sub.wg.Wait()
	return nil
}

// selectFields keeps only the named top-level fields; nil keeps everything.
func selectFields(s *Sample, fields []string) *Sample {
	if fields == nil || s.Value.Kind != KindStructure {
		return s
	}
	keep := make([]Field, 0, len(fields))
	for _, name := range fields {
		if v, ok := s.Field(name); ok {
			keep = append(keep, F(name, v))
		}
	}
	return &Sample{Value: Struct(s.Value.ID, keep...), Timestamp: s.Timestamp}
}

// ScopeSimConfig describes a simulated scope waveform PV.
type ScopeSimConfig struct {
	NSamples   int     // samples per update
	SampleRate float64 // samples per second
	Frequency  float64 // Hz of the Sine and Cosine channels
	DropEvery  int     // if > 0, every DropEvery-th ArrayId is skipped
}

// ScopeGenerator returns a generator of scope updates with fields ArrayId, Time (seconds past
// the epoch, continuous across updates), Sine (float64), Cosine (float32), Ramp (int16) and
// timeStamp.
func ScopeGenerator(cfg ScopeSimConfig) SimGenerator {
	return func(seq int64, start, now time.Time) *Sample {
		n := cfg.NSamples
		t0 := float64(start.UnixNano()) / 1e9
		times := make([]float64, n)
		sine := make([]float64, n)
		cosine := make([]float32, n)
		ramp := make([]int16, n)
		for k := 0; k < n; k++ {
			idx := seq*int64(n) + int64(k)
			t := float64(idx) / cfg.SampleRate
			times[k] = t0 + t
			phase := 2 * math.Pi * cfg.Frequency * t
			sine[k] = math.Sin(phase)
			cosine[k] = float32(math.Cos(phase))
			ramp[k] = int16(idx % 1000)
		}
		id := seq
		if cfg.DropEvery > 0 {
			id += seq / int64(cfg.DropEvery)
		}
		return NewSample(
			F("ArrayId", Scalar(int32(id))),
			F("Time", Array(times)),
			F("Sine", Array(sine)),
			F("Cosine", Array(cosine)),
			F("Ramp", Array(ramp)),
			F("timeStamp", TimestampFromFloat(times[n-1]).Value()),
		)
	}
}

// TriggerGenerator returns a generator of trigger PV updates: a counter value with the
// current time stamp.
func TriggerGenerator() SimGenerator {
	return func(seq int64, start, now time.Time) *Sample {
		return NewSample(
			F("value", Scalar(float64(seq))),
			F("timeStamp", TimestampFromTime(now).Value()),
		)
	}
}

// ImageGenerator returns a generator of x×y NTNDArray images in the given color mode, with
// a diagonal gradient that moves one pixel per update.
func ImageGenerator(x, y int, mode colormode.Mode) SimGenerator {
	z := 3
	if mode == colormode.Mono {
		z = 1
	}
	return func(seq int64, start, now time.Time) *Sample {
		img := colormode.Raster[uint8]{X: x, Y: y, Z: z, Data: make([]uint8, x*y*z)}
		for iy := 0; iy < y; iy++ {
			for ix := 0; ix < x; ix++ {
				for iz := 0; iz < z; iz++ {
					img.Data[(iy*x+ix)*z+iz] = uint8(int64(ix+iy+40*iz) + seq)
				}
			}
		}
		flat, err := colormode.Flatten(img, mode)
		if err != nil {
			return nil
		}
		return NTNDArraySample(Array(flat), colormode.Dims(mode, x, y, z), int32(mode), seq, TimestampFromTime(now))
	}
}

// unionMemberNames maps pixel types onto the members of the NTNDArray value union.
var unionMemberNames = map[ScalarType]string{
	TypeInt8: "byteValue", TypeInt16: "shortValue", TypeInt32: "intValue", TypeInt64: "longValue",
	TypeUint8: "ubyteValue", TypeUint16: "ushortValue", TypeUint32: "uintValue", TypeUint64: "ulongValue",
	TypeFloat32: "floatValue", TypeFloat64: "doubleValue",
}

// NTNDArraySample builds an NTNDArray sample from a pixel array, its dimension sizes and a
// ColorMode attribute. A negative colorMode omits the attribute.
func NTNDArraySample(pixels Value, dims []int, colorMode int32, uniqueID int64, ts Timestamp) *Sample {
	dimensions := make([]Value, len(dims))
	for i, d := range dims {
		dimensions[i] = Struct("dimension_t",
			F("size", Scalar(int32(d))),
			F("offset", Scalar(int32(0))),
			F("fullSize", Scalar(int32(d))),
			F("binning", Scalar(int32(1))),
			F("reverse", Scalar(uint8(0))),
		)
	}
	var attrs []Value
	if colorMode >= 0 {
		attrs = append(attrs, Struct("epics:nt/NTAttribute:1.0",
			F("name", String("ColorMode")),
			F("value", Union("value", Scalar(colorMode))),
			F("descriptor", String("Color mode")),
		))
	}
	return NewSample(
		F("value", Union(unionMemberNames[pixels.Type], pixels)),
		F("uniqueId", Scalar(int32(uniqueID))),
		F("dimension", StructArray(dimensions...)),
		F("attribute", StructArray(attrs...)),
		F("timeStamp", ts.Value()),
	)
}
