package pvscope

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epicstools/pvscope/signal"
	"github.com/oklog/ulid/v2"
)

// Tags of the events a Scope publishes.
const (
	TagFrame         = "FRAME"
	TagTrigger       = "TRIGGER"
	TagTriggerMissed = "TRIGGERMISSED"
	TagStatus        = "STATUS"
	TagStatistics    = "STATISTICS"
	TagChannel       = "CHANNEL"
	TagWarning       = "WARNING"
)

// Event is one message to the rendering collaborator.
type Event struct {
	Tag     string
	Payload any
}

// App selects what the subject PV holds.
type App string

// The two kinds of subject PV.
const (
	ScopeApp App = "scope" // structured PV of waveform arrays
	ImageApp App = "image" // NTNDArray
)

// ChannelStyle is how the renderer draws one channel. The engine passes it through untouched.
type ChannelStyle struct {
	PVName   string // field of the subject PV
	Color    [3]uint8
	DCOffset float64
	Axis     string // "left" or "right"
	Hidden   bool
}

// ScopeConfig holds everything needed to build a Scope.
type ScopeConfig struct {
	App              App
	PV               string // [ca|pva://]name
	DefaultProtocol  Protocol
	TriggerPV        string // [ca|pva://]name, channel access by default
	TriggerEnabled   bool
	TriggerKind      TriggerKind
	TriggerLevel     float64
	TriggerTimeField string
	Buffer           int
	SampleMode       bool
	PollRate         float64 // Hz; 0 monitors
	ArrayIDField     string
	TimeField        string // data-time array of the subject PV
	Channels         []ChannelStyle
	Pipeline         signal.Config
	Autoscale        bool
	Refresh          time.Duration
	CheckTimeout     time.Duration
	Image            ImageProcessor
}

// Curve is one transformed channel of a Frame.
type Curve struct {
	Name   string
	Style  ChannelStyle
	X, Y   []float64
	Step   bool
	LogLog bool
}

// TriggerMarker places the trigger within a triggered Frame.
type TriggerMarker struct {
	Offset int     // index of the trigger within each curve
	Time   float64 // trigger time stamp
}

// Frame is one draw: the FRAME event payload.
type Frame struct {
	RunID      string
	Seq        int
	Time       time.Time
	Curves     []Curve        `json:",omitempty"`
	Image      *ImageFrame    `json:",omitempty"`
	Trigger    *TriggerMarker `json:",omitempty"`
	SingleAxis bool
	Autoscale  bool
}

// ChannelMessage is the CHANNEL event payload: a state change of a Channel.
type ChannelMessage struct {
	Name  string
	State string
	Error string `json:",omitempty"`
}

// TriggerMessage is the payload of TRIGGER and TRIGGERMISSED events.
type TriggerMessage struct {
	Time                float64
	Index               int
	Start, End          int
	MissedCount         int
	MissedTime          float64
	SuggestedBufferSize int
}

// ScopeStatus is the STATUS event payload.
type ScopeStatus struct {
	RunID      string
	Running    bool
	App        App
	PV         string
	TriggerPV  string
	Mode       string
	Buffer     int
	TimeField  string
	SingleAxis bool
	Trigger    TriggerState
	Channels   []ChannelStyle
	Stats      Statistics
	Gaps       []ArrayIDGap
	Recording  RecordingStatus
}

// eventBufferSize is the depth of the event channel. Events are dropped when it is full.
const eventBufferSize = 256

// DefaultRefresh is the default period of the draw timer.
const DefaultRefresh = 100 * time.Millisecond

// Scope is one plotting instance: the subject and trigger channels, the sample buffer, the
// trigger engine, the statistics and the signal pipeline, all guarded by one mutex.
type Scope struct {
	ds       *DataSource
	config   ScopeConfig
	buffer   *SampleBuffer
	trigger  *TriggerEngine
	stats    *StatisticsMeter
	pipeline *signal.Pipeline
	image    *ImageProcessor

	captured     map[string][]float64 // trigger window awaiting draw
	pendingImage *ImageFrame
	lastFrame    *Frame
	frameSeq     int
	singleAxis   bool // forced by FFT/PSD; never restored automatically
	runID        ulid.ULID
	running      bool
	sync.Mutex   // guards all of the above

	recording RecordingState

	events         chan Event
	dropped        atomic.Int64
	queuedRequests chan func()
	looping        atomic.Bool
	clock          func() time.Time
}

// NewScope builds a Scope on the DataSource. Channels are not opened until UpdateDevice,
// UpdateTrigger or Start.
func NewScope(ds *DataSource, config ScopeConfig) (*Scope, error) {
	if config.App == "" {
		config.App = ScopeApp
	}
	if config.App != ScopeApp && config.App != ImageApp {
		return nil, fmt.Errorf("app %q is not one of scope, image", config.App)
	}
	if config.Buffer < 1 {
		return nil, fmt.Errorf("buffer of %d samples is not valid", config.Buffer)
	}
	if config.TimeField == "" {
		config.TimeField = "Time"
	}
	if config.Refresh <= 0 {
		config.Refresh = DefaultRefresh
	}
	if config.CheckTimeout > 0 {
		ds.CheckTimeout = config.CheckTimeout
	}
	pipeline, err := signal.NewPipeline(config.Pipeline)
	if err != nil {
		return nil, err
	}
	s := &Scope{
		ds:             ds,
		config:         config,
		buffer:         NewSampleBuffer(config.Buffer, FreeRun),
		trigger:        NewTriggerEngine(config.Buffer),
		stats:          NewStatisticsMeter(DefaultStatisticsWindow),
		pipeline:       pipeline,
		runID:          ulid.Make(),
		events:         make(chan Event, eventBufferSize),
		queuedRequests: make(chan func()),
		clock:          time.Now,
	}
	s.buffer.ArrayIDField = config.ArrayIDField
	s.buffer.SetChannels(s.channelNames())
	if config.App == ImageApp {
		img := config.Image
		s.image = &img
	}
	s.trigger.TimeField = config.TriggerTimeField
	s.trigger.Configure(config.TriggerEnabled, config.TriggerKind, config.TriggerLevel)
	s.buffer.SetMode(s.acquisitionMode())
	s.applySingleAxis()
	return s, nil
}

// Events returns the channel of published events.
func (s *Scope) Events() <-chan Event {
	return s.events
}

// Stats returns the scope's statistics meter.
func (s *Scope) Stats() *StatisticsMeter {
	return s.stats
}

// Buffer returns the sample buffer. Callers must hold the Scope's lock while using it.
func (s *Scope) Buffer() *SampleBuffer {
	return s.buffer
}

// RunID identifies the current acquisition run.
func (s *Scope) RunID() string {
	s.Lock()
	defer s.Unlock()
	return s.runID.String()
}

func (s *Scope) emit(tag string, payload any) {
	select {
	case s.events <- Event{Tag: tag, Payload: payload}:
	default:
		if s.dropped.Add(1)%100 == 1 {
			ProblemLogger.Printf("event channel is full; dropped %d events so far", s.dropped.Load())
		}
	}
}

func (s *Scope) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ProblemLogger.Print(msg)
	s.emit(TagWarning, msg)
}

// acquisitionMode is the buffer mode implied by the configuration. Callers hold the lock.
func (s *Scope) acquisitionMode() AcquisitionMode {
	switch {
	case s.trigger.Enabled:
		return TriggerCapture
	case s.config.SampleMode:
		return SampleMode
	}
	return FreeRun
}

// channelNames lists the configured channels. Callers hold the lock.
func (s *Scope) channelNames() []string {
	names := make([]string, 0, len(s.config.Channels))
	for _, ch := range s.config.Channels {
		names = append(names, ch.PVName)
	}
	return names
}

// applySingleAxis moves every channel to the left axis while FFT or PSD is selected. Callers
// hold the lock.
func (s *Scope) applySingleAxis() {
	if !s.pipeline.SingleAxis() {
		return
	}
	moved := false
	for i := range s.config.Channels {
		if s.config.Channels[i].Axis == "right" {
			s.config.Channels[i].Axis = "left"
			moved = true
		}
	}
	if moved && !s.singleAxis {
		s.warn("%v requires a single shared axis; multi-axis is disabled", s.pipeline.Transform)
	}
	s.singleAxis = s.singleAxis || moved
}

func (s *Scope) strategy() Strategy {
	if s.config.PollRate > 0 {
		return Poll(s.config.PollRate)
	}
	return Monitor()
}

// handleData is the data callback of the subject channel.
func (s *Scope) handleData(sample *Sample) {
	now := s.clock()
	s.Lock()
	defer s.Unlock()

	if s.image != nil {
		s.stats.RecordArray(now, bytesPerUpdate(sample.Value), 0)
		frame, err := s.image.Process(sample)
		if err != nil {
			s.warn("image from %s is not valid: %v", s.config.PV, err)
			return
		}
		if frame != nil {
			s.pendingImage = frame
		}
		return
	}

	res := s.buffer.Ingest(sample)
	s.stats.RecordArray(now, res.Bytes, res.Lost)
	if res.Gap != nil {
		UpdateLogger.Printf("%s lost %d arrays between %s %d and %d", s.config.PV, res.Lost,
			s.buffer.ArrayIDField, res.Gap.From, res.Gap.To)
	}
	if s.buffer.Mode == TriggerCapture && s.trigger.Armed {
		s.correlate()
	}
}

// correlate runs the trigger engine against the data-time buffer. Callers hold the lock.
func (s *Scope) correlate() {
	T := s.buffer.Float64s(s.config.TimeField)
	if len(T) == 0 {
		return
	}
	c := s.trigger.Correlate(T)
	switch c.Result {
	case Captured:
		s.captured = make(map[string][]float64)
		for _, name := range s.buffer.Fields() {
			n := s.buffer.Len(name)
			if n < len(T) {
				continue
			}
			// Longer fields are aligned with the data-time field at their newest sample.
			off := n - len(T)
			s.captured[name] = s.buffer.Window(name, c.Start+off, c.End+off)
		}
		s.emit(TagTrigger, TriggerMessage{Time: s.trigger.Time, Index: c.Index, Start: c.Start, End: c.End})

	case Missed:
		s.stats.RecordMissedTrigger()
		ProblemLogger.Printf("trigger at %.6f preceded the buffer by %.6f s; suggest a buffer of %d samples",
			s.trigger.Time, c.MissedTime, c.Suggested)
		s.emit(TagTriggerMissed, TriggerMessage{
			Time:                s.trigger.Time,
			MissedCount:         s.trigger.MissedCount,
			MissedTime:          c.MissedTime,
			SuggestedBufferSize: c.Suggested,
		})
	}
}

// handleTrigger is the data callback of the trigger channel.
func (s *Scope) handleTrigger(sample *Sample) {
	s.Lock()
	defer s.Unlock()
	armed, err := s.trigger.HandleTrigger(sample)
	if err != nil {
		s.warn("trigger %s: %v", s.config.TriggerPV, err)
		return
	}
	if armed {
		s.stats.RecordTrigger()
	}
}

// handleStatus is the status callback of both channels.
func (s *Scope) handleStatus(name string, state ChannelState, err error) {
	msg := ChannelMessage{Name: name, State: state.String()}
	if err != nil {
		msg.Error = err.Error()
	}
	UpdateLogger.Printf("channel %s is %v", name, state)
	s.emit(TagChannel, msg)
}

// drawInput is what Tick copies out of the buffer under the lock.
type drawInput struct {
	names   []string
	data    map[string][]float64
	time    []float64
	marker  *TriggerMarker
	image   *ImageFrame
	trigger bool
}

// collect copies the data for one draw. Callers hold the lock.
func (s *Scope) collect() *drawInput {
	if s.image != nil {
		if s.pendingImage == nil {
			return nil
		}
		in := &drawInput{image: s.pendingImage}
		s.pendingImage = nil
		return in
	}

	in := &drawInput{data: make(map[string][]float64)}
	names := s.channelNames()
	if len(names) == 0 {
		for _, name := range s.buffer.Fields() {
			if name != s.config.TimeField {
				names = append(names, name)
			}
		}
	}

	switch s.buffer.Mode {
	case TriggerCapture:
		if !s.trigger.Captured || s.captured == nil {
			return nil
		}
		in.trigger = true
		in.marker = &TriggerMarker{Offset: s.trigger.MarkerOffset(), Time: s.trigger.Time}
		for _, name := range names {
			if w, ok := s.captured[name]; ok {
				in.names = append(in.names, name)
				in.data[name] = w
			}
		}
		in.time = s.captured[s.config.TimeField]

	default:
		if s.buffer.Mode == SampleMode {
			s.buffer.CommitSamples()
		}
		for _, name := range names {
			if s.buffer.Len(name) > 0 {
				in.names = append(in.names, name)
				in.data[name] = s.buffer.Float64s(name)
			}
		}
		in.time = s.buffer.Float64s(s.config.TimeField)
	}
	if len(in.names) == 0 && !in.trigger {
		return nil
	}
	return in
}

// Tick performs one draw: it copies the data under the lock, transforms it outside the lock,
// and publishes a FRAME event. It returns nil when there is nothing new to draw. A transform
// error skips the draw.
func (s *Scope) Tick(now time.Time) (*Frame, error) {
	s.Lock()
	in := s.collect()
	pipeline := s.pipeline
	styles := make(map[string]ChannelStyle, len(s.config.Channels))
	for _, st := range s.config.Channels {
		styles[st.PVName] = st
	}
	singleAxis := s.singleAxis || pipeline.SingleAxis()
	autoscale := s.config.Autoscale
	timeField := s.config.TimeField
	s.Unlock()
	if in == nil {
		return nil, nil
	}
	if in.trigger {
		names := []string{timeField}
		windows := map[string][]float64{timeField: in.time}
		for _, name := range in.names {
			if name != timeField {
				names = append(names, name)
				windows[name] = in.data[name]
			}
		}
		if err := s.recording.Record(in.marker.Time, in.marker.Offset, names, windows); err != nil {
			s.warn("trigger window not recorded: %v", err)
		}
	}

	frame := &Frame{Time: now, Image: in.image, Trigger: in.marker, SingleAxis: singleAxis, Autoscale: autoscale}
	var err error
	for _, name := range in.names {
		y := in.data[name]
		t := in.time
		if len(t) > len(y) {
			t = t[len(t)-len(y):]
		} else if len(t) < len(y) {
			t = nil
		}
		out, e := pipeline.Apply(name, y, t)
		if e != nil {
			err = fmt.Errorf("channel %s: %w", name, e)
			break
		}
		style, ok := styles[name]
		if !ok {
			style = ChannelStyle{PVName: name, Axis: "left"}
		}
		frame.Curves = append(frame.Curves, Curve{Name: name, Style: style, X: out.X, Y: out.Y, Step: out.Step, LogLog: out.LogLog})
	}

	s.Lock()
	defer s.Unlock()
	if in.trigger {
		s.trigger.Consume()
		s.captured = nil
	}
	if err != nil {
		ProblemLogger.Printf("draw skipped: %v", err)
		return nil, err
	}
	s.frameSeq++
	frame.Seq = s.frameSeq
	frame.RunID = s.runID.String()
	s.lastFrame = frame
	s.stats.RecordFrame(now)
	s.emit(TagFrame, frame)
	return frame, nil
}

// LastFrame returns the most recent frame drawn, or nil.
func (s *Scope) LastFrame() *Frame {
	s.Lock()
	defer s.Unlock()
	return s.lastFrame
}

// Start opens the subject channel and, when triggering is enabled, the trigger channel.
func (s *Scope) Start() error {
	s.Lock()
	if s.trigger.Enabled {
		if err := s.trigger.CheckTimeField(); err != nil {
			s.Unlock()
			return err
		}
	}
	strategy := s.strategy()
	trigger := s.trigger.Enabled && s.config.TriggerPV != ""
	s.runID = ulid.Make()
	// A new run sees a new connection update and must not inherit an armed or captured trigger.
	s.trigger.Reset()
	s.captured = nil
	s.pendingImage = nil
	s.buffer.Clear()
	if s.image != nil {
		s.image.Reset()
	}
	s.Unlock()

	if err := s.ds.StartDevice(s.handleData, s.handleStatus, strategy); err != nil {
		return err
	}
	if trigger {
		if err := s.ds.StartTrigger(s.handleTrigger, s.handleStatus); err != nil {
			s.ds.StopDevice()
			return err
		}
	}
	s.Lock()
	s.running = true
	s.Unlock()
	s.stats.Reset()
	UpdateLogger.Printf("scope %s started: %s", s.RunID(), s.describeMode())
	s.SendAllStatus()
	return nil
}

// Stop closes the trigger and subject channels. No data callback runs after it returns.
func (s *Scope) Stop() {
	s.ds.StopTrigger()
	s.ds.StopDevice()
	s.Lock()
	s.running = false
	s.Unlock()
	s.SendAllStatus()
}

// Running says whether Start was called without a later Stop.
func (s *Scope) Running() bool {
	s.Lock()
	defer s.Unlock()
	return s.running
}

// UpdateDevice changes the subject PV; see DataSource.UpdateDevice. The buffers are cleared.
func (s *Scope) UpdateDevice(pv string, restart bool) error {
	name, protocol, err := ParsePVName(pv, s.config.DefaultProtocol)
	if err != nil {
		return err
	}
	s.Lock()
	restart = restart && s.running
	s.Unlock()
	if err := s.ds.UpdateDevice(name, protocol, restart); err != nil {
		return err
	}
	s.Lock()
	s.config.PV = pv
	s.buffer.Clear()
	s.captured = nil
	s.trigger.Consume()
	if s.image != nil {
		s.image.Reset()
	}
	s.Unlock()
	return nil
}

// UpdateTrigger changes the trigger PV and returns its top-level field names, from which the
// trigger time field can be chosen. Trigger PVs use channel access unless a protocol is given.
func (s *Scope) UpdateTrigger(pv string) ([]string, error) {
	name, protocol, err := ParsePVName(pv, ChannelAccess)
	if err != nil {
		return nil, err
	}
	fields, err := s.ds.UpdateTrigger(name, protocol)
	if err != nil {
		return nil, err
	}
	s.Lock()
	s.config.TriggerPV = pv
	s.trigger.Protocol = protocol
	s.trigger.Reset()
	enabled, running := s.trigger.Enabled, s.running
	s.Unlock()
	if name != "" && enabled && running {
		if err := s.startTrigger(); err != nil {
			return fields, err
		}
	}
	return fields, nil
}

func (s *Scope) startTrigger() error {
	s.Lock()
	err := s.trigger.CheckTimeField()
	s.Unlock()
	if err != nil {
		return err
	}
	return s.ds.StartTrigger(s.handleTrigger, s.handleStatus)
}

// ConfigureTrigger sets the trigger mode (none, onchange, gtthreshold or ltthreshold), level
// and time field. Enabling a pvAccess trigger without a time field is an error.
func (s *Scope) ConfigureTrigger(mode string, level float64, timeField string) error {
	kind, enabled, err := ParseTriggerMode(mode)
	if err != nil {
		return err
	}
	s.Lock()
	s.trigger.TimeField = timeField
	if enabled {
		if err := s.trigger.CheckTimeField(); err != nil {
			s.Unlock()
			return err
		}
	}
	s.trigger.Configure(enabled, kind, level)
	s.config.TriggerEnabled, s.config.TriggerKind = enabled, kind
	s.config.TriggerLevel, s.config.TriggerTimeField = level, timeField
	s.captured = nil
	s.buffer.SetMode(s.acquisitionMode())
	running := s.running
	hasTrigger := s.config.TriggerPV != ""
	s.Unlock()

	if !running || !hasTrigger {
		return nil
	}
	if !enabled {
		s.ds.StopTrigger()
		return nil
	}
	if trig := s.ds.Trigger(); trig != nil && !trig.IsRunning() {
		return s.startTrigger()
	}
	return nil
}

// ConfigureBuffer changes the buffer length (and trigger window length).
func (s *Scope) ConfigureBuffer(n int) error {
	if n < 1 {
		return fmt.Errorf("buffer of %d samples is not valid", n)
	}
	s.Lock()
	defer s.Unlock()
	s.config.Buffer = n
	s.buffer.Resize(n)
	s.trigger.MaxLength = n
	return nil
}

// ApplySuggestedBufferSize resizes the buffer to the size suggested by the last missed
// trigger and returns it.
func (s *Scope) ApplySuggestedBufferSize() (int, error) {
	s.Lock()
	n := s.trigger.SuggestedBufferSize
	s.trigger.SuggestedBufferSize = 0
	s.Unlock()
	if n == 0 {
		return 0, fmt.Errorf("no buffer size has been suggested")
	}
	UpdateLogger.Printf("buffer resized to the suggested %d samples", n)
	return n, s.ConfigureBuffer(n)
}

// ConfigurePipeline replaces the signal pipeline; running averages restart. Selecting FFT or
// PSD forces a single axis, which stays in force after they are deselected.
func (s *Scope) ConfigurePipeline(c signal.Config) error {
	p, err := signal.NewPipeline(c)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.pipeline = p
	s.config.Pipeline = c
	s.applySingleAxis()
	return nil
}

// ConfigureChannels sets the plotted channels and their styles.
func (s *Scope) ConfigureChannels(styles []ChannelStyle) error {
	if len(styles) > MaxChannels {
		return fmt.Errorf("%d channels requested, at most %d allowed", len(styles), MaxChannels)
	}
	for _, st := range styles {
		if st.Axis != "" && st.Axis != "left" && st.Axis != "right" {
			return fmt.Errorf("channel %s axis %q is not left or right", st.PVName, st.Axis)
		}
	}
	s.Lock()
	defer s.Unlock()
	s.config.Channels = append([]ChannelStyle(nil), styles...)
	s.buffer.SetChannels(s.channelNames())
	s.applySingleAxis()
	return nil
}

// ConfigureRefresh changes the draw period of Run.
func (s *Scope) ConfigureRefresh(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("refresh period %v is not valid", d)
	}
	s.Lock()
	defer s.Unlock()
	s.config.Refresh = d
	return nil
}

func (s *Scope) refresh() time.Duration {
	s.Lock()
	defer s.Unlock()
	return s.config.Refresh
}

// FieldDescriptors returns the dotted names of the subject's array and scalar fields.
func (s *Scope) FieldDescriptors() (arrays, scalars []string, err error) {
	return s.ds.GetFDR()
}

// Status returns the current state of the scope.
func (s *Scope) Status() ScopeStatus {
	s.Lock()
	defer s.Unlock()
	return ScopeStatus{
		RunID:      s.runID.String(),
		Running:    s.running,
		App:        s.config.App,
		PV:         s.config.PV,
		TriggerPV:  s.config.TriggerPV,
		Mode:       s.buffer.Mode.String(),
		Buffer:     s.buffer.MaxLength,
		TimeField:  s.config.TimeField,
		SingleAxis: s.singleAxis || s.pipeline.SingleAxis(),
		Trigger:    s.trigger.TriggerState,
		Channels:   append([]ChannelStyle(nil), s.config.Channels...),
		Stats:      s.stats.Snapshot(s.clock()),
		Gaps:       s.buffer.Gaps(),
		Recording:  s.recording.ComputeState(),
	}
}

// SendAllStatus publishes STATUS and STATISTICS events.
func (s *Scope) SendAllStatus() {
	st := s.Status()
	s.emit(TagStatus, st)
	s.emit(TagStatistics, st.Stats)
}

// Do runs f on the event loop when Run is active, otherwise directly, and returns its error.
func (s *Scope) Do(f func() error) error {
	if !s.looping.Load() {
		return f()
	}
	done := make(chan error, 1)
	s.queuedRequests <- func() { done <- f() }
	return <-done
}

// statisticsPeriod is how often Run publishes a STATISTICS event.
const statisticsPeriod = time.Second

// Run is the event loop. It interleaves draws on the refresh timer with queued requests, so
// that requests never run concurrently with a draw. It returns when done is closed.
func (s *Scope) Run(done <-chan struct{}) {
	s.looping.Store(true)
	defer s.looping.Store(false)

	period := s.refresh()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	statsTicker := time.NewTicker(statisticsPeriod)
	defer statsTicker.Stop()

	for {
		select {
		case <-done:
			return

		case request := <-s.queuedRequests:
			request()
			if p := s.refresh(); p != period {
				period = p
				ticker.Reset(period)
			}

		case now := <-ticker.C:
			s.Tick(now)

		case now := <-statsTicker.C:
			s.emit(TagStatistics, s.stats.Snapshot(now))
		}
	}
}

// StartRecording begins writing every captured trigger window to .npy files in a new
// numbered directory under basepath, and returns the file name pattern.
func (s *Scope) StartRecording(basepath string) (string, error) {
	if s.recording.IsActive() {
		return "", fmt.Errorf("already recording")
	}
	pattern, err := makeDirectory(basepath, s.clock())
	if err != nil {
		return "", err
	}
	s.Lock()
	rowLength := s.buffer.MaxLength
	s.Unlock()
	if err := s.recording.Start(pattern, basepath, rowLength); err != nil {
		return "", err
	}
	UpdateLogger.Printf("recording trigger windows of %d samples to %s", rowLength, pattern)
	return pattern, nil
}

// StopRecording closes the recording files.
func (s *Scope) StopRecording() error {
	st := s.recording.ComputeState()
	if err := s.recording.Stop(); err != nil {
		return err
	}
	if st.Active {
		UpdateLogger.Printf("recording stopped after %d trigger windows", st.Records)
	}
	return nil
}

// PauseRecording pauses or resumes the recording.
func (s *Scope) PauseRecording(paused bool) error {
	return s.recording.SetPause(paused)
}

// Close stops the scope and every channel of its DataSource, and closes any recording.
func (s *Scope) Close() {
	s.Stop()
	if err := s.StopRecording(); err != nil {
		ProblemLogger.Printf("closing recording: %v", err)
	}
	s.ds.Close()
}

// describeMode is a one-line summary for logs.
func (s *Scope) describeMode() string {
	s.Lock()
	defer s.Unlock()
	parts := []string{string(s.config.App), s.buffer.Mode.String(), fmt.Sprintf("buffer=%d", s.buffer.MaxLength)}
	if s.trigger.Enabled {
		parts = append(parts, fmt.Sprintf("trigger=%v@%g", s.trigger.Kind, s.trigger.Level))
	}
	return strings.Join(parts, " ")
}
