package pvscope

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/epicstools/pvscope/colormode"
	"github.com/epicstools/pvscope/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor, pollEvery = 2 * time.Second, 5 * time.Millisecond

// scopeSample is one update of a scope PV holding n samples, the first at index first. The
// data time of sample k is k/10 seconds.
func scopeSample(id int32, first, n int) *Sample {
	T := make([]float64, n)
	sine := make([]float64, n)
	cosine := make([]float32, n)
	for k := range T {
		T[k] = float64(first+k) / 10
		sine[k] = math.Sin(2 * math.Pi * 0.5 * T[k])
		cosine[k] = float32(math.Cos(2 * math.Pi * 0.5 * T[k]))
	}
	return NewSample(
		F("ArrayId", Scalar(id)),
		F("Time", Array(T)),
		F("Sine", Array(sine)),
		F("Cosine", Array(cosine)),
		F("timeStamp", TimestampFromFloat(T[n-1]).Value()),
	)
}

// newTestScope builds a Scope on simulated PVs SCOPE, TRIG and IMG, with pv as its subject.
func newTestScope(t *testing.T, pv string, config ScopeConfig) (*Scope, *SimulatedPVs) {
	sim := NewSimulatedPVs()
	sim.AddStatic("SCOPE", scopeSample(0, 0, 4))
	sim.AddStatic("TRIG", triggerSample(0, 0))
	sim.AddStatic("IMG", NTNDArraySample(Array([]uint8{1, 2, 3, 4}), []int{2, 2}, 0, 0, TimestampFromFloat(1)))
	ds := NewDataSource(map[Protocol]Transport{ChannelAccess: sim, PvAccess: sim})
	config.PV = pv
	if config.ArrayIDField == "" {
		config.ArrayIDField = "ArrayId"
	}
	s, err := NewScope(ds, config)
	require.NoError(t, err)
	require.NoError(t, s.UpdateDevice(pv, false))
	t.Cleanup(s.Close)
	return s, sim
}

// drainEvents collects every queued event by tag.
func drainEvents(s *Scope) map[string][]Event {
	got := make(map[string][]Event)
	for {
		select {
		case e := <-s.Events():
			got[e.Tag] = append(got[e.Tag], e)
		default:
			return got
		}
	}
}

func TestScopeFreeRun(t *testing.T) {
	s, sim := newTestScope(t, "SCOPE", ScopeConfig{
		Buffer:   8,
		Channels: []ChannelStyle{{PVName: "Sine", Axis: "left"}},
	})
	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 5)))
	require.NoError(t, sim.Publish("SCOPE", scopeSample(2, 5, 5)))
	require.NoError(t, sim.Publish("SCOPE", scopeSample(5, 10, 5)))
	require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == 3 }, waitFor, pollEvery)

	st := s.Status()
	assert.Equal(t, int64(2), st.Stats.LostArrays)
	assert.Equal(t, []ArrayIDGap{{From: 2, To: 5}}, st.Gaps)
	assert.Equal(t, "freerun", st.Mode)

	frame, err := s.Tick(time.Now())
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Len(t, frame.Curves, 1)
	c := frame.Curves[0]
	assert.Equal(t, "Sine", c.Name)
	require.Len(t, c.Y, 8)
	assert.InDeltaSlice(t, []float64{0.7, 0.8, 0.9, 1.0, 1.1, 1.2, 1.3, 1.4}, c.X, 1e-12)
	assert.InDelta(t, math.Sin(2*math.Pi*0.5*1.4), c.Y[7], 1e-12)
	assert.Equal(t, 1, frame.Seq)
	assert.Equal(t, s.RunID(), frame.RunID)
	assert.Nil(t, frame.Trigger)
	assert.Same(t, frame, s.LastFrame())

	events := drainEvents(s)
	assert.Len(t, events[TagFrame], 1)
	assert.NotEmpty(t, events[TagChannel])
	assert.NotEmpty(t, events[TagStatus])

	s.Stop()
	assert.False(t, s.Running())
	require.NoError(t, sim.Publish("SCOPE", scopeSample(6, 15, 5)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(3), s.Status().Stats.TotalArrays, "no data after Stop")
}

func TestScopeAllFieldsWithoutChannels(t *testing.T) {
	s, sim := newTestScope(t, "SCOPE", ScopeConfig{Buffer: 4})
	require.NoError(t, s.Start())
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 4)))
	require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == 1 }, waitFor, pollEvery)
	frame, err := s.Tick(time.Now())
	require.NoError(t, err)
	names := make([]string, 0)
	for _, c := range frame.Curves {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Cosine", "Sine"}, names)
}

// startTriggeredScope starts a scope whose OnChange trigger is armed at time at.
func startTriggeredScope(t *testing.T, buffer int, at float64) (*Scope, *SimulatedPVs) {
	s, sim := newTestScope(t, "SCOPE", ScopeConfig{
		Buffer:         buffer,
		TriggerEnabled: true,
		TriggerKind:    OnChange,
		Channels:       []ChannelStyle{{PVName: "Sine"}},
	})
	fields, err := s.UpdateTrigger("TRIG")
	require.NoError(t, err)
	assert.Contains(t, fields, "timeStamp")
	require.NoError(t, s.Start())
	assert.Equal(t, "trigger", s.Status().Mode)

	// The first update is the connection update and does not arm.
	require.NoError(t, sim.Publish("TRIG", triggerSample(1, at/2)))
	require.NoError(t, sim.Publish("TRIG", triggerSample(2, at)))
	require.Eventually(t, func() bool {
		st := s.Status().Trigger
		return st.Armed && st.Triggers == 1
	}, waitFor, pollEvery)
	assert.InDelta(t, at, s.Status().Trigger.Time, 1e-9)
	return s, sim
}

func TestScopeTriggerCapture(t *testing.T) {
	s, sim := startTriggeredScope(t, 10, 0.6)
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 16)))
	require.Eventually(t, func() bool { return s.Status().Trigger.Captured }, waitFor, pollEvery)

	// The trigger buffer holds 15 samples, T = 0.1 … 1.5, so the trigger is at index 5.
	events := drainEvents(s)
	require.Len(t, events[TagTrigger], 1)
	msg := events[TagTrigger][0].Payload.(TriggerMessage)
	assert.Equal(t, 5, msg.Index)
	assert.Equal(t, 0, msg.Start)
	assert.Equal(t, 10, msg.End)

	frame, err := s.Tick(time.Now())
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.NotNil(t, frame.Trigger)
	assert.Equal(t, 5, frame.Trigger.Offset)
	assert.InDelta(t, 0.6, frame.Trigger.Time, 1e-9)
	require.Len(t, frame.Curves, 1)
	assert.Len(t, frame.Curves[0].Y, 10)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}, frame.Curves[0].X, 1e-12)

	// The window is drawn once, then the engine is idle.
	assert.False(t, s.Status().Trigger.Captured)
	frame, err = s.Tick(time.Now())
	assert.NoError(t, err)
	assert.Nil(t, frame)
	assert.Equal(t, int64(1), s.Stats().Snapshot(time.Now()).Triggers)
}

func TestScopeTriggerMissed(t *testing.T) {
	s, sim := startTriggeredScope(t, 10, 9.0)
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 100, 10)))
	require.Eventually(t, func() bool { return s.Status().Trigger.MissedCount == 1 }, waitFor, pollEvery)

	st := s.Status()
	assert.Equal(t, 22, st.Trigger.SuggestedBufferSize)
	assert.Equal(t, int64(1), st.Stats.MissedTriggers)
	assert.False(t, st.Trigger.Armed)
	events := drainEvents(s)
	require.Len(t, events[TagTriggerMissed], 1)
	msg := events[TagTriggerMissed][0].Payload.(TriggerMessage)
	assert.InDelta(t, 1.0, msg.MissedTime, 1e-9)
	assert.Equal(t, 22, msg.SuggestedBufferSize)

	n, err := s.ApplySuggestedBufferSize()
	require.NoError(t, err)
	assert.Equal(t, 22, n)
	assert.Equal(t, 22, s.Status().Buffer)
	_, err = s.ApplySuggestedBufferSize()
	assert.Error(t, err, "a suggestion is applied once")
}

func TestScopeRestartResetsTrigger(t *testing.T) {
	s, sim := startTriggeredScope(t, 10, 0.6)
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 4)))
	require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == 1 }, waitFor, pollEvery)

	s.Stop()
	require.NoError(t, s.Start())
	st := s.Status().Trigger
	assert.False(t, st.Armed, "a restart must not keep the old trigger armed")
	assert.False(t, st.Captured)
	s.Lock()
	assert.Empty(t, s.Buffer().Fields(), "a restart clears the buffers")
	s.Unlock()

	// The first update of the new subscription is its connection update.
	require.NoError(t, sim.Publish("TRIG", triggerSample(3, 5)))
	require.NoError(t, sim.Publish("TRIG", triggerSample(4, 7)))
	require.Eventually(t, func() bool { return s.Status().Trigger.Armed }, waitFor, pollEvery)
	time.Sleep(20 * time.Millisecond)
	st = s.Status().Trigger
	assert.Equal(t, 2, st.Triggers)
	assert.InDelta(t, 7.0, st.Time, 1e-9)
	assert.Equal(t, int64(1), s.Stats().Snapshot(time.Now()).Triggers)
}

func TestScopeConfigureTrigger(t *testing.T) {
	s, _ := newTestScope(t, "SCOPE", ScopeConfig{Buffer: 10})
	_, err := s.UpdateTrigger("pva://TRIG")
	require.NoError(t, err)
	err = s.ConfigureTrigger("onchange", 0, "")
	assert.ErrorIs(t, err, ErrTriggerTimeField)
	assert.Equal(t, "freerun", s.Status().Mode)

	require.NoError(t, s.ConfigureTrigger("gtthreshold", 1.5, "timeStamp"))
	st := s.Status()
	assert.Equal(t, "trigger", st.Mode)
	assert.True(t, st.Trigger.Enabled)
	assert.Equal(t, GreaterThanThreshold, st.Trigger.Kind)
	assert.Equal(t, 1.5, st.Trigger.Level)

	require.NoError(t, s.ConfigureTrigger("none", 0, ""))
	assert.Equal(t, "freerun", s.Status().Mode)
	assert.Error(t, s.ConfigureTrigger("sometimes", 0, ""))
}

func TestScopeSingleAxisForFFT(t *testing.T) {
	s, sim := newTestScope(t, "SCOPE", ScopeConfig{
		Buffer: 64,
		Channels: []ChannelStyle{
			{PVName: "Sine", Axis: "left"},
			{PVName: "Cosine", Axis: "right"},
		},
	})
	require.NoError(t, s.ConfigurePipeline(signal.Config{Transform: signal.TransformFFT, Window: signal.WindowHamming}))
	st := s.Status()
	assert.True(t, st.SingleAxis)
	for _, ch := range st.Channels {
		assert.Equal(t, "left", ch.Axis, ch.PVName)
	}
	assert.Len(t, drainEvents(s)[TagWarning], 1)

	require.NoError(t, s.Start())
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 64)))
	require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == 1 }, waitFor, pollEvery)
	frame, err := s.Tick(time.Now())
	require.NoError(t, err)
	require.Len(t, frame.Curves, 2)
	for _, c := range frame.Curves {
		assert.True(t, c.LogLog)
		assert.Len(t, c.Y, 33)
	}

	// Turning the FFT off does not restore the second axis.
	require.NoError(t, s.ConfigurePipeline(signal.Config{}))
	assert.True(t, s.Status().SingleAxis)
	assert.Empty(t, drainEvents(s)[TagWarning])
}

func TestScopeTransformErrorSkipsDraw(t *testing.T) {
	s, sim := newTestScope(t, "SCOPE", ScopeConfig{Buffer: 4, Channels: []ChannelStyle{{PVName: "Sine"}}})
	require.NoError(t, s.ConfigurePipeline(signal.Config{Transform: signal.TransformPSD}))
	require.NoError(t, s.Start())
	// A single sample has no spectrum.
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 1)))
	require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == 1 }, waitFor, pollEvery)
	frame, err := s.Tick(time.Now())
	assert.Error(t, err)
	assert.Nil(t, frame)
	assert.Nil(t, s.LastFrame())
}

func TestScopeSampleMode(t *testing.T) {
	s, sim := newTestScope(t, "SCOPE", ScopeConfig{
		Buffer:     3,
		SampleMode: true,
		Channels:   []ChannelStyle{{PVName: "Sine"}, {PVName: "ArrayId"}},
	})
	require.NoError(t, s.Start())
	for id := int32(1); id <= 4; id++ {
		require.NoError(t, sim.Publish("SCOPE", scopeSample(id, int(10*id), 4)))
		require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == int64(id) }, waitFor, pollEvery)
		_, err := s.Tick(time.Now())
		require.NoError(t, err)
	}
	frame := s.LastFrame()
	require.NotNil(t, frame)
	for _, c := range frame.Curves {
		assert.Len(t, c.Y, 3, c.Name)
		if c.Name == "ArrayId" {
			assert.Equal(t, []float64{2, 3, 4}, c.Y)
		}
	}
}

func TestScopeImage(t *testing.T) {
	s, sim := newTestScope(t, "IMG", ScopeConfig{App: ImageApp, Buffer: 1})
	require.NoError(t, s.Start())
	ts := TimestampFromFloat(100)
	img := NTNDArraySample(Array([]uint8{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}), colormode.Dims(colormode.RGB2, 2, 2, 3), 3, 1, ts)
	require.NoError(t, sim.Publish("IMG", img))
	require.NoError(t, sim.Publish("IMG", img))
	require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == 2 }, waitFor, pollEvery)

	frame, err := s.Tick(time.Now())
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.NotNil(t, frame.Image)
	assert.Equal(t, "RGB2", frame.Image.Mode)
	assert.Equal(t, []float64{1, 3, 5, 2, 4, 6, 7, 9, 11, 8, 10, 12}, frame.Image.Data)
	assert.Empty(t, frame.Curves)

	frame, err = s.Tick(time.Now())
	assert.NoError(t, err)
	assert.Nil(t, frame, "the duplicate frame is not rendered")
}

func TestScopeRunQueuesRequests(t *testing.T) {
	s, _ := newTestScope(t, "SCOPE", ScopeConfig{Buffer: 4, Refresh: 10 * time.Millisecond})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		s.Run(done)
		close(finished)
	}()
	require.Eventually(t, s.looping.Load, waitFor, pollEvery)

	boom := errors.New("boom")
	assert.Equal(t, boom, s.Do(func() error { return boom }))
	assert.NoError(t, s.Do(func() error { return s.ConfigureRefresh(20 * time.Millisecond) }))
	assert.Error(t, s.Do(func() error { return s.ConfigureBuffer(0) }))
	close(done)
	<-finished
	assert.False(t, s.looping.Load())
	assert.NoError(t, s.Do(func() error { return nil }), "Do runs directly without a loop")
}

func TestNewScopeErrors(t *testing.T) {
	ds := NewDataSource(nil)
	var tests = []ScopeConfig{
		{App: "plot", Buffer: 10},
		{Buffer: 0},
		{Buffer: 10, Pipeline: signal.Config{Histogram: true, Transform: signal.TransformFFT, Bins: 10}},
	}
	for _, config := range tests {
		if _, err := NewScope(ds, config); err == nil {
			t.Errorf("NewScope(%+v) succeeded, want error", config)
		}
	}
}

func TestScopeDefaultProtocols(t *testing.T) {
	s, _ := newTestScope(t, "SCOPE", ScopeConfig{Buffer: 10})
	assert.Equal(t, PvAccess, s.ds.Subject().Protocol, "subject PVs default to pvAccess")
	_, err := s.UpdateTrigger("TRIG")
	require.NoError(t, err)
	assert.Equal(t, ChannelAccess, s.ds.Trigger().Protocol, "trigger PVs default to channel access")

	require.NoError(t, s.UpdateDevice("ca://SCOPE", false))
	assert.Equal(t, ChannelAccess, s.ds.Subject().Protocol)
	assert.Equal(t, ChannelAccess, NewTriggerEngine(10).Protocol)
}
