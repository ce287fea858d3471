package pvscope

import (
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func readRecording(t *testing.T, name string) *mat.Dense {
	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()
	var m mat.Dense
	require.NoError(t, npyio.Read(f, &m))
	return &m
}

func TestAlignRow(t *testing.T) {
	nan := math.NaN()
	var tests = []struct {
		window []float64
		offset int
		want   []float64
	}{
		{[]float64{1, 2, 3, 4}, 2, []float64{1, 2, 3, 4}},
		{[]float64{2, 3, 4}, 1, []float64{nan, 2, 3, 4}},
		{[]float64{3, 4}, 0, []float64{nan, nan, 3, 4}},
		{nil, 0, []float64{nan, nan, nan, nan}},
	}
	for _, test := range tests {
		got := alignRow(test.window, test.offset, 4)
		for i := range got {
			if math.IsNaN(test.want[i]) != math.IsNaN(got[i]) || (!math.IsNaN(got[i]) && got[i] != test.want[i]) {
				t.Errorf("alignRow(%v, %d, 4) = %v, want %v", test.window, test.offset, got, test.want)
				break
			}
		}
	}
}

func TestRecordingState(t *testing.T) {
	var rs RecordingState
	assert.NoError(t, rs.Record(1, 0, []string{"a"}, nil), "inactive recording ignores records")
	assert.Error(t, rs.SetPause(true))

	pattern, err := makeDirectory(t.TempDir(), time.Now())
	require.NoError(t, err)
	require.NoError(t, rs.Start(pattern, "base", 4))
	assert.True(t, rs.IsActive())
	assert.Error(t, rs.Start(pattern, "base", 4), "already recording")

	require.NoError(t, rs.Record(10, 2, []string{"a"}, map[string][]float64{"a": {1, 2, 3, 4}}))
	require.NoError(t, rs.SetPause(true))
	require.NoError(t, rs.Record(11, 2, []string{"a"}, map[string][]float64{"a": {0, 0, 0, 0}}))
	require.NoError(t, rs.SetPause(false))
	require.NoError(t, rs.Record(12, 2, []string{"b"}, map[string][]float64{"b": {5, 6, 7, 8}}))

	st := rs.ComputeState()
	assert.Equal(t, 2, st.Records)
	assert.Len(t, st.Files, 2)
	require.NoError(t, rs.Stop())
	assert.False(t, rs.IsActive())
	assert.NoError(t, rs.Stop())

	a := readRecording(t, fmt.Sprintf(pattern, "a", "npy"))
	b := readRecording(t, fmt.Sprintf(pattern, "b", "npy"))
	trig := readRecording(t, fmt.Sprintf(pattern, "trigger", "npy"))
	r, c := a.Dims()
	assert.Equal(t, [2]int{2, 4}, [2]int{r, c})
	assert.Equal(t, []float64{1, 2, 3, 4}, a.RawRowView(0))
	assert.True(t, math.IsNaN(a.At(1, 0)), "a was absent from the second record")
	assert.True(t, math.IsNaN(b.At(0, 3)), "b was absent from the first record")
	assert.Equal(t, []float64{5, 6, 7, 8}, b.RawRowView(1))
	assert.Equal(t, []float64{10, 2}, trig.RawRowView(0))
	assert.Equal(t, []float64{12, 2}, trig.RawRowView(1))
}

func TestScopeRecordsTriggerWindows(t *testing.T) {
	s, sim := startTriggeredScope(t, 10, 0.6)
	pattern, err := s.StartRecording(t.TempDir())
	require.NoError(t, err)
	_, err = s.StartRecording(t.TempDir())
	assert.Error(t, err)
	assert.True(t, s.Status().Recording.Active)

	require.NoError(t, sim.Publish("SCOPE", scopeSample(1, 0, 16)))
	require.Eventually(t, func() bool { return s.Status().Trigger.Captured }, waitFor, pollEvery)
	_, err = s.Tick(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Status().Recording.Records)
	require.NoError(t, s.StopRecording())

	T := readRecording(t, fmt.Sprintf(pattern, "Time", "npy"))
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}, T.RawRowView(0), 1e-12)
	sine := readRecording(t, fmt.Sprintf(pattern, "Sine", "npy"))
	assert.InDelta(t, math.Sin(2*math.Pi*0.5*0.6), sine.At(0, 5), 1e-12)
	trig := readRecording(t, fmt.Sprintf(pattern, "trigger", "npy"))
	assert.InDelta(t, 0.6, trig.At(0, 0), 1e-9)
	assert.Equal(t, 5.0, trig.At(0, 1))
}
