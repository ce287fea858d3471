package pvscope

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/epicstools/pvscope/signal"
	"github.com/spf13/viper"
)

// MaxChannels is the most channels a scope can plot.
const MaxChannels = 10

// defaultColors are assigned to channels that do not name a color.
var defaultColors = [MaxChannels][3]uint8{
	{255, 255, 0}, {255, 0, 255}, {85, 255, 255}, {255, 0, 0}, {0, 255, 0},
	{0, 0, 255}, {255, 128, 0}, {128, 0, 255}, {255, 255, 255}, {128, 128, 128},
}

// ChannelSettings configures one plotted channel.
type ChannelSettings struct {
	PV       string
	Color    string // "#rrggbb"; empty for the default palette
	DCOffset float64
	Axis     string
	Hidden   bool
}

// ScopeSettings is the "scope" section of the configuration file.
type ScopeSettings struct {
	App              string
	Buffer           int
	ConnectOnStart   bool
	DefaultProtocol  string
	PV               string
	Trigger          string
	TriggerMode      string
	TriggerLevel     float64
	TriggerTimeField string
	Autoscale        bool
	FFTFilter        string `mapstructure:"fft_filter"`
	Transform        string
	Diff             bool
	Average          int
	Histogram        bool
	NumBins          int
	Refresh          int    // milliseconds
	ArrayID          string `mapstructure:"arrayid"`
	XAxes            string
	Min, Max         *float64
	SampleMode       bool
	PollRate         float64
	Channels         []ChannelSettings
	CheckTimeout     int    // milliseconds
	DataPath         string // default base path of snapshots and recordings

	EmbeddedDataLen    int
	DeadPixelThreshold float64
	AutoGain           bool
}

// DefaultScopeSettings returns the settings used for keys absent from the configuration.
func DefaultScopeSettings() ScopeSettings {
	return ScopeSettings{
		App:             string(ScopeApp),
		Buffer:          1000,
		DefaultProtocol: "pva",
		TriggerMode:     "none",
		FFTFilter:       "none",
		Transform:       "none",
		Average:         1,
		NumBins:         100,
		Refresh:         int(DefaultRefresh / time.Millisecond),
		ArrayID:         "ArrayId",
		XAxes:           "Time",
		CheckTimeout:    int(DefaultCheckTimeout / time.Millisecond),
	}
}

// LoadScopeSettings reads the settings under key, starting from DefaultScopeSettings.
func LoadScopeSettings(v *viper.Viper, key string) (ScopeSettings, error) {
	s := DefaultScopeSettings()
	if !v.IsSet(key) {
		return s, nil
	}
	if err := v.UnmarshalKey(key, &s); err != nil {
		return s, fmt.Errorf("error reading %q settings: %w", key, err)
	}
	return s, nil
}

// parseColor reads "#rrggbb" (the # is optional).
func parseColor(s string) ([3]uint8, error) {
	var c [3]uint8
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return c, fmt.Errorf("color %q is not #rrggbb", s)
	}
	for i := range c {
		x, err := strconv.ParseUint(hex[2*i:2*i+2], 16, 8)
		if err != nil {
			return c, fmt.Errorf("color %q is not #rrggbb", s)
		}
		c[i] = uint8(x)
	}
	return c, nil
}

// PipelineConfig builds the signal pipeline configuration.
func (s ScopeSettings) PipelineConfig() (signal.Config, error) {
	w, err := signal.ParseWindow(s.FFTFilter)
	if err != nil {
		return signal.Config{}, err
	}
	tr, err := signal.ParseTransform(s.Transform)
	if err != nil {
		return signal.Config{}, err
	}
	if s.Average < 1 {
		return signal.Config{}, fmt.Errorf("Average is %d, want ≥ 1", s.Average)
	}
	c := signal.Config{
		Min:       s.Min,
		Max:       s.Max,
		Diff:      s.Diff,
		Transform: tr,
		Window:    w,
		Histogram: s.Histogram,
		Bins:      s.NumBins,
		Average:   s.Average,
	}
	return c, c.Validate()
}

// ChannelStyles builds the channel styles, assigning palette colors where none is given.
func (s ScopeSettings) ChannelStyles() ([]ChannelStyle, error) {
	if len(s.Channels) > MaxChannels {
		return nil, fmt.Errorf("%d channels configured, at most %d allowed", len(s.Channels), MaxChannels)
	}
	styles := make([]ChannelStyle, 0, len(s.Channels))
	for i, ch := range s.Channels {
		if ch.PV == "" {
			return nil, fmt.Errorf("channel %d has no PV field", i)
		}
		style := ChannelStyle{PVName: ch.PV, Color: defaultColors[i], DCOffset: ch.DCOffset, Axis: "left", Hidden: ch.Hidden}
		if ch.Color != "" {
			c, err := parseColor(ch.Color)
			if err != nil {
				return nil, err
			}
			style.Color = c
		}
		switch strings.ToLower(ch.Axis) {
		case "", "left":
		case "right":
			style.Axis = "right"
		default:
			return nil, fmt.Errorf("channel %s axis %q is not left or right", ch.PV, ch.Axis)
		}
		styles = append(styles, style)
	}
	return styles, nil
}

// Config validates the settings and builds a ScopeConfig.
func (s ScopeSettings) Config() (ScopeConfig, error) {
	var c ScopeConfig
	app := App(strings.ToLower(s.App))
	if app != ScopeApp && app != ImageApp {
		return c, fmt.Errorf("App %q is not one of scope, image", s.App)
	}
	if s.Buffer < 1 {
		return c, fmt.Errorf("Buffer is %d, want ≥ 1", s.Buffer)
	}
	if s.Refresh < 1 {
		return c, fmt.Errorf("Refresh is %d ms, want ≥ 1", s.Refresh)
	}
	protocol, err := ParseProtocol(s.DefaultProtocol)
	if err != nil {
		return c, err
	}
	kind, enabled, err := ParseTriggerMode(s.TriggerMode)
	if err != nil {
		return c, err
	}
	pipeline, err := s.PipelineConfig()
	if err != nil {
		return c, err
	}
	styles, err := s.ChannelStyles()
	if err != nil {
		return c, err
	}
	for _, pv := range []string{s.PV, s.Trigger} {
		if _, _, err := ParsePVName(pv, protocol); err != nil {
			return c, err
		}
	}

	c = ScopeConfig{
		App:              app,
		PV:               s.PV,
		DefaultProtocol:  protocol,
		TriggerPV:        s.Trigger,
		TriggerEnabled:   enabled,
		TriggerKind:      kind,
		TriggerLevel:     s.TriggerLevel,
		TriggerTimeField: s.TriggerTimeField,
		Buffer:           s.Buffer,
		SampleMode:       s.SampleMode,
		PollRate:         s.PollRate,
		ArrayIDField:     s.ArrayID,
		TimeField:        s.XAxes,
		Channels:         styles,
		Pipeline:         pipeline,
		Autoscale:        s.Autoscale,
		Refresh:          time.Duration(s.Refresh) * time.Millisecond,
		CheckTimeout:     time.Duration(s.CheckTimeout) * time.Millisecond,
		Image: ImageProcessor{
			EmbeddedDataLen:    s.EmbeddedDataLen,
			DeadPixelThreshold: s.DeadPixelThreshold,
			AutoGain:           s.AutoGain,
		},
	}
	return c, nil
}
