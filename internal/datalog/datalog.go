// Package datalog reads and writes the binary structured logs recorded by
// the vehicle: a one-line JSON header naming the log family and its field
// layout, followed by length-prefixed records of little-endian float64
// values in header field order.
package datalog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// FormatName identifies the container in the header.
const FormatName = "trnlog"

// FormatVersion is the container version written by this package.
const FormatVersion = 1

// maxHeaderSize bounds the header line.
const maxHeaderSize = 64 * 1024

// maxRecordSize bounds a single record payload.
const maxRecordSize = 1 << 20

// ErrTruncated is returned when the log ends inside a record.
var ErrTruncated = errors.New("datalog: truncated record")

// CorruptRecordError reports a record whose payload does not match the
// header layout. The reader has already advanced past it.
type CorruptRecordError struct {
	Index  uint64
	Length uint32
	Want   int
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("datalog: record %d has %d bytes, want %d", e.Index, e.Length, e.Want)
}

// Header describes a log.
type Header struct {
	Format    string   `json:"format"`
	Version   int      `json:"version"`
	Family    string   `json:"family"`
	Fields    []string `json:"fields"`
	CreatedNs int64    `json:"created_ns"`
}

// RecordSize returns the payload size in bytes of one record.
func (h Header) RecordSize() int {
	return len(h.Fields) * 8
}

// Writer appends records to a log.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	header Header
	count  uint64
	closed bool
}

// Create creates (or truncates) the log at path and writes its header.
func Create(path, family string, fields []string) (*Writer, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("datalog: no fields for family %q", family)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log: %w", err)
	}

	w := &Writer{
		file: f,
		w:    bufio.NewWriter(f),
		header: Header{
			Format:    FormatName,
			Version:   FormatVersion,
			Family:    family,
			Fields:    append([]string(nil), fields...),
			CreatedNs: time.Now().UnixNano(),
		},
	}

	headerData, err := json.Marshal(w.header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	headerData = append(headerData, '\n')
	if _, err := w.w.Write(headerData); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return w, nil
}

// Write appends one record. values must follow the header field order.
func (w *Writer) Write(values []float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("datalog: writer is closed")
	}
	if len(values) != len(w.header.Fields) {
		return fmt.Errorf("datalog: got %d values, layout has %d fields", len(values), len(w.header.Fields))
	}

	buf := make([]byte, 4+8*len(values))
	binary.LittleEndian.PutUint32(buf, uint32(8*len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[4+8*i:], math.Float64bits(v))
	}
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the log.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush log: %w", err)
	}
	return w.file.Close()
}

// Reader reads records sequentially from a log.
type Reader struct {
	file   io.Closer
	r      *bufio.Reader
	header Header
	index  uint64
}

// Open opens the log at path and reads its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewReader reads a log from an already opened stream.
func NewReader(rd io.Reader) (*Reader, error) {
	br := bufio.NewReader(rd)
	line, err := readHeaderLine(br)
	if err != nil {
		return nil, err
	}

	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	if h.Format != FormatName {
		return nil, fmt.Errorf("not a %s log (format %q)", FormatName, h.Format)
	}
	if h.Version > FormatVersion {
		return nil, fmt.Errorf("unsupported %s version %d", FormatName, h.Version)
	}
	if len(h.Fields) == 0 {
		return nil, fmt.Errorf("header declares no fields")
	}
	return &Reader{r: br, header: h}, nil
}

func readHeaderLine(br *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := br.ReadSlice('\n')
		buf.Write(chunk)
		if buf.Len() > maxHeaderSize {
			return nil, fmt.Errorf("header exceeds %d bytes", maxHeaderSize)
		}
		if err == nil {
			return bytes.TrimSpace(buf.Bytes()), nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			return nil, fmt.Errorf("failed to read header: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
}

// Header returns the log header.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next record's values. It returns io.EOF at a clean end
// of log, ErrTruncated when the log ends mid-record and
// *CorruptRecordError for a record whose size does not match the layout;
// after a CorruptRecordError the reader can continue.
func (r *Reader) Next() ([]float64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxRecordSize {
		// A length this large means the framing itself is lost.
		return nil, ErrTruncated
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, ErrTruncated
	}
	idx := r.index
	r.index++

	want := r.header.RecordSize()
	if int(n) != want {
		return nil, &CorruptRecordError{Index: idx, Length: n, Want: want}
	}

	values := make([]float64, len(r.header.Fields))
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
	}
	return values, nil
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
