// Package npyappend writes 2-d float64 arrays in numpy's .npy format one row at a time. The
// header has a fixed size so it can be rewritten with the row count as the file grows.
package npyappend

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/epicstools/pvscope/asyncbufio"
)

// HeaderLen is the size in bytes of the .npy preamble plus header written by RowAppender.
const HeaderLen = 128

const (
	magicString   = "\x93NUMPY"
	versionBytes  = "\x01\x00"
	preambleLen   = len(magicString) + len(versionBytes) + 2
	writeDepth    = 1024
	flushInterval = time.Second
)

// RowAppender appends rows of a fixed length to a .npy file of shape (rows, RowLength).
type RowAppender struct {
	Filename  string
	RowLength int

	file   *os.File
	writer *asyncbufio.Writer
	rows   int
	buf    []byte
}

// Create makes (or truncates) filename and writes the header of an empty array.
func Create(filename string, rowLength int) (*RowAppender, error) {
	if rowLength < 1 {
		return nil, fmt.Errorf("row length %d is not valid", rowLength)
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	a := &RowAppender{
		Filename:  filename,
		RowLength: rowLength,
		file:      file,
		buf:       make([]byte, 8*rowLength),
	}
	if err := a.writeHeader(); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(HeaderLen, 0); err != nil {
		file.Close()
		return nil, err
	}
	a.writer = asyncbufio.NewWriter(file, writeDepth, flushInterval)
	return a, nil
}

// header is the .npy preamble and header dictionary for the current shape.
func (a *RowAppender) header() ([]byte, error) {
	dict := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d, %d), }", a.rows, a.RowLength)
	padding := HeaderLen - preambleLen - len(dict) - 1
	if padding < 0 {
		return nil, fmt.Errorf("npy header for shape (%d, %d) exceeds %d bytes", a.rows, a.RowLength, HeaderLen)
	}
	hdr := make([]byte, 0, HeaderLen)
	hdr = append(hdr, magicString...)
	hdr = append(hdr, versionBytes...)
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(HeaderLen-preambleLen))
	hdr = append(hdr, dict...)
	hdr = append(hdr, strings.Repeat(" ", padding)...)
	return append(hdr, '\n'), nil
}

func (a *RowAppender) writeHeader() error {
	hdr, err := a.header()
	if err != nil {
		return err
	}
	_, err = a.file.WriteAt(hdr, 0)
	return err
}

// Append queues one row for writing. The row must have RowLength values.
func (a *RowAppender) Append(row []float64) error {
	if len(row) != a.RowLength {
		return fmt.Errorf("row of %d values appended to %s, want %d", len(row), a.Filename, a.RowLength)
	}
	for i, v := range row {
		binary.LittleEndian.PutUint64(a.buf[8*i:], math.Float64bits(v))
	}
	if _, err := a.writer.Write(a.buf); err != nil {
		return err
	}
	a.rows++
	return nil
}

// Rows is the number of rows appended.
func (a *RowAppender) Rows() int {
	return a.rows
}

// Flush writes all queued rows and updates the header, leaving a valid file on disk.
func (a *RowAppender) Flush() error {
	if err := a.writer.Flush(); err != nil {
		return err
	}
	return a.writeHeader()
}

// Close flushes, writes the final header and closes the file.
func (a *RowAppender) Close() error {
	if err := a.writer.Close(); err != nil {
		a.file.Close()
		return err
	}
	if err := a.writeHeader(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}
