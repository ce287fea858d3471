package pvscope

import (
	"bytes"
	"testing"
	"time"

	"github.com/epicstools/pvscope/signal"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
scope:
  buffer: 500
  pv: pva://SCOPE:WAVE
  trigger: SCOPE:TRIG
  triggermode: gtthreshold
  triggerlevel: 2.5
  fft_filter: hamming
  transform: fft
  average: 4
  min: -1
  refresh: 250
  arrayid: UniqueId
  channels:
    - pv: Sine
      color: "#ff8000"
      axis: right
    - pv: Cosine
      dcoffset: 0.5
      hidden: true
`

func readSettings(t *testing.T, yaml string) ScopeSettings {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yaml)))
	s, err := LoadScopeSettings(v, "scope")
	require.NoError(t, err)
	return s
}

func TestLoadScopeSettings(t *testing.T) {
	s := readSettings(t, testConfigYAML)
	assert.Equal(t, 500, s.Buffer)
	assert.Equal(t, "gtthreshold", s.TriggerMode)
	assert.Equal(t, "hamming", s.FFTFilter)
	require.NotNil(t, s.Min)
	assert.Equal(t, -1.0, *s.Min)
	assert.Nil(t, s.Max)
	require.Len(t, s.Channels, 2)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, "Time", s.XAxes)
	assert.Equal(t, "pva", s.DefaultProtocol)
	assert.Equal(t, 100, s.NumBins)

	c, err := s.Config()
	require.NoError(t, err)
	assert.Equal(t, ScopeApp, c.App)
	assert.Equal(t, PvAccess, c.DefaultProtocol)
	assert.True(t, c.TriggerEnabled)
	assert.Equal(t, GreaterThanThreshold, c.TriggerKind)
	assert.Equal(t, 2.5, c.TriggerLevel)
	assert.Equal(t, 250*time.Millisecond, c.Refresh)
	assert.Equal(t, "UniqueId", c.ArrayIDField)
	assert.Equal(t, signal.TransformFFT, c.Pipeline.Transform)
	assert.Equal(t, signal.WindowHamming, c.Pipeline.Window)
	assert.Equal(t, 4, c.Pipeline.Average)
	assert.Equal(t, []ChannelStyle{
		{PVName: "Sine", Color: [3]uint8{255, 128, 0}, Axis: "right"},
		{PVName: "Cosine", Color: defaultColors[1], DCOffset: 0.5, Axis: "left", Hidden: true},
	}, c.Channels)
}

func TestDefaultSettingsWithoutSection(t *testing.T) {
	s := readSettings(t, "other:\n  x: 1\n")
	assert.Equal(t, DefaultScopeSettings(), s)
	c, err := s.Config()
	require.NoError(t, err)
	assert.False(t, c.TriggerEnabled)
	assert.Equal(t, 1000, c.Buffer)
	assert.Equal(t, DefaultRefresh, c.Refresh)
	assert.Equal(t, DefaultCheckTimeout, c.CheckTimeout)
}

func TestSettingsErrors(t *testing.T) {
	var tests = []struct {
		name   string
		modify func(*ScopeSettings)
	}{
		{"app", func(s *ScopeSettings) { s.App = "plot" }},
		{"buffer", func(s *ScopeSettings) { s.Buffer = 0 }},
		{"refresh", func(s *ScopeSettings) { s.Refresh = 0 }},
		{"protocol", func(s *ScopeSettings) { s.DefaultProtocol = "http" }},
		{"trigger mode", func(s *ScopeSettings) { s.TriggerMode = "sometimes" }},
		{"window", func(s *ScopeSettings) { s.FFTFilter = "hann" }},
		{"transform", func(s *ScopeSettings) { s.Transform = "wavelet" }},
		{"average", func(s *ScopeSettings) { s.Average = 0 }},
		{"histogram with fft", func(s *ScopeSettings) { s.Histogram, s.Transform = true, "fft" }},
		{"pv protocol", func(s *ScopeSettings) { s.PV = "http://SCOPE" }},
		{"channel without pv", func(s *ScopeSettings) { s.Channels = []ChannelSettings{{Color: "#000000"}} }},
		{"channel color", func(s *ScopeSettings) { s.Channels = []ChannelSettings{{PV: "a", Color: "red"}} }},
		{"channel axis", func(s *ScopeSettings) { s.Channels = []ChannelSettings{{PV: "a", Axis: "top"}} }},
		{"too many channels", func(s *ScopeSettings) { s.Channels = make([]ChannelSettings, MaxChannels+1) }},
	}
	for _, test := range tests {
		s := DefaultScopeSettings()
		test.modify(&s)
		if _, err := s.Config(); err == nil {
			t.Errorf("%s: Config() succeeded, want error", test.name)
		}
	}
}

func TestParseColor(t *testing.T) {
	var tests = []struct {
		in   string
		want [3]uint8
		ok   bool
	}{
		{"#ff8000", [3]uint8{255, 128, 0}, true},
		{"00FF7f", [3]uint8{0, 255, 127}, true},
		{" #010203 ", [3]uint8{1, 2, 3}, true},
		{"#fff", [3]uint8{}, false},
		{"#gg0000", [3]uint8{}, false},
	}
	for _, test := range tests {
		got, err := parseColor(test.in)
		if test.ok {
			require.NoError(t, err, test.in)
			assert.Equal(t, test.want, got, test.in)
		} else {
			assert.Error(t, err, test.in)
		}
	}
}
