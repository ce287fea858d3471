package pvscope

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/epicstools/pvscope/npyappend"
)

// RecordingState monitors the recording of captured trigger windows. Each recorded channel
// gets one .npy file of shape (records, RowLength), and a "trigger" file holds one row of
// (trigger time, marker offset) per record.
type RecordingState struct {
	Active          bool
	Paused          bool
	BasePath        string
	FilenamePattern string
	RowLength       int
	Records         int
	StartTime       time.Time

	files    map[string]*npyappend.RowAppender
	triggers *npyappend.RowAppender
	sync.Mutex
}

// RecordingStatus is a copy of the RecordingState without its open files.
type RecordingStatus struct {
	Active          bool
	Paused          bool
	BasePath        string
	FilenamePattern string
	RowLength       int
	Records         int
	Files           []string `json:",omitempty"`
}

// IsActive will return rs.Active, with proper locking
func (rs *RecordingState) IsActive() bool {
	rs.Lock()
	defer rs.Unlock()
	return rs.Active
}

// ComputeState returns the state of the recording.
func (rs *RecordingState) ComputeState() RecordingStatus {
	rs.Lock()
	defer rs.Unlock()
	st := RecordingStatus{
		Active:          rs.Active,
		Paused:          rs.Paused,
		BasePath:        rs.BasePath,
		FilenamePattern: rs.FilenamePattern,
		RowLength:       rs.RowLength,
		Records:         rs.Records,
	}
	for _, f := range rs.files {
		st.Files = append(st.Files, f.Filename)
	}
	sort.Strings(st.Files)
	return st
}

// Start will set the RecordingState to begin writing rows of rowLength values to files named
// by filenamePattern, which takes a label and an extension.
func (rs *RecordingState) Start(filenamePattern, path string, rowLength int) error {
	rs.Lock()
	defer rs.Unlock()
	if rs.Active {
		return fmt.Errorf("already recording to %s", rs.FilenamePattern)
	}
	triggers, err := npyappend.Create(fmt.Sprintf(filenamePattern, "trigger", "npy"), 2)
	if err != nil {
		return err
	}
	rs.Active = true
	rs.Paused = false
	rs.BasePath = path
	rs.FilenamePattern = filenamePattern
	rs.RowLength = rowLength
	rs.Records = 0
	rs.StartTime = time.Now()
	rs.files = make(map[string]*npyappend.RowAppender)
	rs.triggers = triggers
	return nil
}

// Stop will close every file and set the RecordingState to be completely stopped
func (rs *RecordingState) Stop() error {
	rs.Lock()
	defer rs.Unlock()
	if !rs.Active {
		return nil
	}
	var firstErr error
	for name, f := range rs.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close %s recording, err: %w", name, err)
		}
	}
	if err := rs.triggers.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close trigger recording, err: %w", err)
	}
	rs.files = nil
	rs.triggers = nil
	rs.Active = false
	rs.Paused = false
	rs.FilenamePattern = ""
	return firstErr
}

// SetPause pauses or resumes an active recording.
func (rs *RecordingState) SetPause(paused bool) error {
	rs.Lock()
	defer rs.Unlock()
	if !rs.Active {
		return fmt.Errorf("not recording")
	}
	rs.Paused = paused
	return nil
}

// alignRow places window, whose trigger is at index offset, in a row of n values with the
// trigger at the column a full window would put it. Missing values are NaN.
func alignRow(window []float64, offset, n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = math.NaN()
	}
	start := (n - n/2) - offset
	for k, v := range window {
		if j := start + k; j >= 0 && j < n {
			row[j] = v
		}
	}
	return row
}

// Record writes one captured window: a row per channel plus a trigger row. It does nothing
// unless the recording is active and not paused.
func (rs *RecordingState) Record(triggerTime float64, offset int, names []string, windows map[string][]float64) error {
	rs.Lock()
	defer rs.Unlock()
	if !rs.Active || rs.Paused {
		return nil
	}
	for _, name := range names {
		f, ok := rs.files[name]
		if !ok {
			var err error
			f, err = npyappend.Create(fmt.Sprintf(rs.FilenamePattern, fileLabel(name), "npy"), rs.RowLength)
			if err != nil {
				return err
			}
			rs.files[name] = f
			// Rows recorded before this channel appeared are left as NaN.
			for f.Rows() < rs.Records {
				if err := f.Append(alignRow(nil, 0, rs.RowLength)); err != nil {
					return err
				}
			}
		}
		if err := f.Append(alignRow(windows[name], offset, rs.RowLength)); err != nil {
			return err
		}
	}
	for _, f := range rs.files {
		for f.Rows() <= rs.Records {
			if err := f.Append(alignRow(nil, 0, rs.RowLength)); err != nil {
				return err
			}
		}
	}
	if err := rs.triggers.Append([]float64{triggerTime, float64(offset)}); err != nil {
		return err
	}
	rs.Records++
	return nil
}
