// Package asyncbufio moves file writes off the caller's goroutine: Write queues a copy of the
// data on a channel and a background goroutine feeds it to a bufio.Writer.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Writer provides asynchronous writing to an underlying io.Writer using a buffered channel.
// Writes that do not fit in the channel fail with io.ErrShortWrite rather than block.
type Writer struct {
	writer        *bufio.Writer
	datachannel   chan []byte
	flushNow      chan chan error
	closed        chan struct{}
	flushInterval time.Duration

	errMu sync.Mutex
	err   error // first error of the underlying writer; sticky
	once  sync.Once
	done  chan struct{}
}

// NewWriter creates a Writer with room for channelDepth pending writes, flushing the
// underlying writer at least every flushInterval.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan chan error),
		closed:        make(chan struct{}),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
	go aw.writeLoop()
	return aw
}

// Write queues a copy of p. It returns the underlying writer's first error, if any.
func (aw *Writer) Write(p []byte) (int, error) {
	if err := aw.Err(); err != nil {
		return 0, err
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// Err returns the first error of the underlying writer.
func (aw *Writer) Err() error {
	aw.errMu.Lock()
	defer aw.errMu.Unlock()
	return aw.err
}

func (aw *Writer) setErr(err error) {
	if err == nil {
		return
	}
	aw.errMu.Lock()
	defer aw.errMu.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

// Flush writes every queued write to the underlying writer and blocks until that is done.
func (aw *Writer) Flush() error {
	reply := make(chan error)
	select {
	case aw.flushNow <- reply:
		return <-reply
	case <-aw.done:
		return aw.Err()
	}
}

// Close flushes and stops the background goroutine. It does not close the underlying writer.
// Write must not be called after Close.
func (aw *Writer) Close() error {
	aw.once.Do(func() { close(aw.closed) })
	<-aw.done
	return aw.Err()
}

func (aw *Writer) writeLoop() {
	defer close(aw.done)
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setErr(err)

		case reply := <-aw.flushNow:
			reply <- aw.flush()

		case <-ticker.C:
			aw.flush()

		case <-aw.closed:
			aw.flush()
			return
		}
	}
}

// flush empties the data channel, then flushes the bufio.Writer.
func (aw *Writer) flush() error {
	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setErr(err)
		default:
			aw.setErr(aw.writer.Flush())
			return aw.Err()
		}
	}
}
