package pvscope

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultStatisticsWindow is the number of one-second buckets averaged by a StatisticsMeter.
const DefaultStatisticsWindow = 10

// Statistics is a snapshot of a StatisticsMeter, published as the STATISTICS event.
type Statistics struct {
	ArraysPerSecond float64
	BytesPerSecond  float64
	FramesPerSecond float64 // rolling mean of frames drawn per second
	SmoothedFPS     float64 // exponentially smoothed from frame intervals
	TotalArrays     int64
	LostArrays      int64
	MissedTriggers  int64
	Triggers        int64
}

// perSecond is a ring of per-second counts.
type perSecond struct {
	ring   []float64
	head   int
	filled int
	cur    float64
}

func newPerSecond(n int) perSecond {
	return perSecond{ring: make([]float64, n)}
}

// roll closes the current one-second bucket.
func (p *perSecond) roll() {
	p.ring[p.head] = p.cur
	p.head = (p.head + 1) % len(p.ring)
	if p.filled < len(p.ring) {
		p.filled++
	}
	p.cur = 0
}

func (p *perSecond) mean() float64 {
	if p.filled == 0 {
		return 0
	}
	if p.filled < len(p.ring) {
		return stat.Mean(p.ring[:p.filled], nil)
	}
	return stat.Mean(p.ring, nil)
}

// StatisticsMeter counts arrays received and lost, bytes ingested, frames drawn and missed
// triggers. Rates are rolling means over the last N complete seconds. All methods take the
// current time explicitly.
type StatisticsMeter struct {
	arrays perSecond
	bytes  perSecond
	frames perSecond
	second int64
	begun  bool

	totalArrays    int64
	lostArrays     int64
	missedTriggers int64
	triggers       int64

	fps       float64
	lastFrame time.Time
	sync.Mutex
}

// NewStatisticsMeter creates a meter averaging over n seconds.
func NewStatisticsMeter(n int) *StatisticsMeter {
	if n < 1 {
		n = DefaultStatisticsWindow
	}
	return &StatisticsMeter{arrays: newPerSecond(n), bytes: newPerSecond(n), frames: newPerSecond(n)}
}

// advance rolls the per-second buckets forward to the second containing now.
func (sm *StatisticsMeter) advance(now time.Time) {
	sec := now.Unix()
	if !sm.begun {
		sm.second = sec
		sm.begun = true
		return
	}
	steps := sec - sm.second
	if steps <= 0 {
		return
	}
	if limit := int64(len(sm.arrays.ring)) + 1; steps > limit {
		steps = limit
	}
	for i := int64(0); i < steps; i++ {
		sm.arrays.roll()
		sm.bytes.roll()
		sm.frames.roll()
	}
	sm.second = sec
}

// RecordArray counts one received update of nbytes, with lost arrays missing before it.
func (sm *StatisticsMeter) RecordArray(now time.Time, nbytes int, lost int64) {
	sm.Lock()
	defer sm.Unlock()
	sm.advance(now)
	sm.arrays.cur++
	sm.bytes.cur += float64(nbytes)
	sm.totalArrays++
	if lost > 0 {
		sm.lostArrays += lost
	}
}

// RecordFrame counts one drawn frame and updates the smoothed frame rate:
// fps = fps·(1-s) + s/Δt with s = clip(3Δt, 0, 1).
func (sm *StatisticsMeter) RecordFrame(now time.Time) {
	sm.Lock()
	defer sm.Unlock()
	sm.advance(now)
	sm.frames.cur++
	if !sm.lastFrame.IsZero() {
		dt := now.Sub(sm.lastFrame).Seconds()
		if dt > 0 {
			s := min(max(3*dt, 0), 1)
			sm.fps = sm.fps*(1-s) + s/dt
		}
	}
	sm.lastFrame = now
}

// RecordTrigger counts a trigger event that armed the engine.
func (sm *StatisticsMeter) RecordTrigger() {
	sm.Lock()
	defer sm.Unlock()
	sm.triggers++
}

// RecordMissedTrigger counts a trigger that preceded a full buffer.
func (sm *StatisticsMeter) RecordMissedTrigger() {
	sm.Lock()
	defer sm.Unlock()
	sm.missedTriggers++
}

// Snapshot returns the rolling rates as of now, and the counters.
func (sm *StatisticsMeter) Snapshot(now time.Time) Statistics {
	sm.Lock()
	defer sm.Unlock()
	sm.advance(now)
	return Statistics{
		ArraysPerSecond: sm.arrays.mean(),
		BytesPerSecond:  sm.bytes.mean(),
		FramesPerSecond: sm.frames.mean(),
		SmoothedFPS:     sm.fps,
		TotalArrays:     sm.totalArrays,
		LostArrays:      sm.lostArrays,
		MissedTriggers:  sm.missedTriggers,
		Triggers:        sm.triggers,
	}
}

// Reset zeroes all counters and rates.
func (sm *StatisticsMeter) Reset() {
	sm.Lock()
	defer sm.Unlock()
	n := len(sm.arrays.ring)
	sm.arrays, sm.bytes, sm.frames = newPerSecond(n), newPerSecond(n), newPerSecond(n)
	sm.begun = false
	sm.totalArrays, sm.lostArrays, sm.missedTriggers, sm.triggers = 0, 0, 0, 0
	sm.fps = 0
	sm.lastFrame = time.Time{}
}
