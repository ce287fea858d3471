package pvscope

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeDirectory(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		pattern, err := makeDirectory(base, now)
		require.NoError(t, err)
		dir := fmt.Sprintf("%s/20240309/%4.4d", base, i)
		assert.DirExists(t, dir)
		want := fmt.Sprintf("%s/20240309_run%4.4d_x.npy", dir, i)
		assert.Equal(t, want, fmt.Sprintf(pattern, "x", "npy"))
	}
	if _, err := makeDirectory("", now); err == nil {
		t.Errorf("makeDirectory(\"\") succeeded, want error")
	}
}

func TestFileLabel(t *testing.T) {
	assert.Equal(t, "adc_ch0", fileLabel("adc.ch0"))
	assert.Equal(t, "SIM_SCOPE_x_y", fileLabel("SIM:SCOPE/x y"))
}

func readNpy(t *testing.T, name string) []float64 {
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	var data []float64
	require.NoError(t, npyio.Read(f, &data))
	return data
}

func TestSaveSnapshot(t *testing.T) {
	s, sim := newTestScope(t, "SCOPE", ScopeConfig{Buffer: 4, Channels: []ChannelStyle{{PVName: "Sine"}}})
	base := t.TempDir()
	_, err := s.SaveSnapshot(base)
	assert.Error(t, err, "nothing drawn yet")

	require.NoError(t, s.Start())
	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 4)))
	require.Eventually(t, func() bool { return s.Status().Stats.TotalArrays == 1 }, waitFor, pollEvery)
	frame, err := s.Tick(time.Now())
	require.NoError(t, err)

	files, err := s.SaveSnapshot(base)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "_Sine_x.npy", filepath.Base(files[0])[len("20060102_run0000"):])
	assert.Equal(t, frame.Curves[0].X, readNpy(t, files[0]))
	assert.Equal(t, frame.Curves[0].Y, readNpy(t, files[1]))

	// A second snapshot goes to the next numbered directory.
	again, err := s.SaveSnapshot(base)
	require.NoError(t, err)
	assert.NotEqual(t, filepath.Dir(files[0]), filepath.Dir(again[0]))
}
