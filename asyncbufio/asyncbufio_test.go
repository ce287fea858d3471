package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	name := filepath.Join(t.TempDir(), "example.txt")
	f, err := os.Create(name)
	require.NoError(t, err)
	defer f.Close()

	var expected bytes.Buffer
	w := NewWriter(f, 100, time.Second)
	line := make([]byte, 0, 32)
	for i := 0; i < 100; i++ {
		// The same backing array is reused; Write must have copied it.
		line = fmt.Appendf(line[:0], "Line of text %3d\n", i)
		expected.Write(line)
		_, err := w.Write(line)
		require.NoError(t, err)
		if i%25 == 19 {
			require.NoError(t, w.Flush())
		}
	}
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close(), "Close twice")

	actual, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, expected.String(), string(actual))
	assert.NoError(t, w.Flush(), "Flush after Close does not block")
}

func TestPeriodicFlush(t *testing.T) {
	var buf safeBuffer
	w := NewWriter(&buf, 10, 10*time.Millisecond)
	defer w.Close()
	w.Write([]byte("tick"))
	assert.Eventually(t, func() bool { return buf.String() == "tick" }, time.Second, 5*time.Millisecond)
}

func TestChannelFull(t *testing.T) {
	block := make(chan struct{})
	w := NewWriter(blockingWriter{block}, 1, time.Hour)
	var short int
	for i := 0; i < 100; i++ {
		// Larger than bufio's buffer, so the loop blocks in the underlying writer.
		if _, err := w.Write(make([]byte, 8192)); errors.Is(err, io.ErrShortWrite) {
			short++
		}
	}
	assert.NotZero(t, short)
	close(block)
	w.Close()
}

func TestStickyError(t *testing.T) {
	boom := errors.New("disk full")
	w := NewWriter(failingWriter{boom}, 10, time.Hour)
	w.Write([]byte("x"))
	assert.ErrorIs(t, w.Flush(), boom)
	_, err := w.Write([]byte("y"))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, w.Close(), boom)
}

type blockingWriter struct{ block chan struct{} }

func (b blockingWriter) Write(p []byte) (int, error) {
	<-b.block
	return len(p), nil
}

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) { return 0, f.err }

// safeBuffer is a bytes.Buffer that may be read while the writer goroutine writes.
type safeBuffer struct {
	buf bytes.Buffer
	sync.Mutex
}

func (s *safeBuffer) Write(p []byte) (int, error) {
	s.Lock()
	defer s.Unlock()
	return s.buf.Write(p)
}

func (s *safeBuffer) String() string {
	s.Lock()
	defer s.Unlock()
	return s.buf.String()
}
