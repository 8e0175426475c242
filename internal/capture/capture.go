// Package capture records the pairs a replay emits so two replays can be
// compared. Each entry is a snappy-compressed pair message followed by a
// CRC32 of the compressed bytes.
package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/golang/snappy"

	"github.com/banshee-data/trn.replay/internal/trn"
	"github.com/banshee-data/trn.replay/internal/wire"
)

// magic opens every capture file.
var magic = [8]byte{'T', 'R', 'N', 'C', 'A', 'P', '0', '1'}

// maxEntrySize bounds a compressed entry.
const maxEntrySize = 4 << 20

// Writer appends pairs to a capture file.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	w     *bufio.Writer
	count int64

	bytesRaw        uint64
	bytesCompressed uint64
}

// Create creates (or truncates) a capture at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture: %w", err)
	}
	w := &Writer{file: f, w: bufio.NewWriter(f)}
	if _, err := w.w.Write(magic[:]); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WritePair appends one pair.
func (w *Writer) WritePair(p trn.Pair) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw := wire.MarshalPair(p)
	data := snappy.Encode(nil, raw)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(hdr[:], crc32.ChecksumIEEE(data))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}

	w.count++
	w.bytesRaw += uint64(len(raw))
	w.bytesCompressed += uint64(len(data))
	return nil
}

// Count returns the number of pairs written.
func (w *Writer) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Ratio returns compressed over raw bytes written so far.
func (w *Writer) Ratio() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bytesRaw == 0 {
		return 0
	}
	return float64(w.bytesCompressed) / float64(w.bytesRaw)
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Reader reads pairs back from a capture.
type Reader struct {
	file  io.Closer
	r     *bufio.Reader
	index int64
}

// Open opens the capture at path.
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

// NewReader reads a capture from rd.
func NewReader(rd io.Reader) (*Reader, error) {
	br := bufio.NewReader(rd)
	var got [8]byte
	if _, err := io.ReadFull(br, got[:]); err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("not a capture file")
	}
	return &Reader{r: br}, nil
}

// Next returns the next pair, or io.EOF at the end of the capture.
func (r *Reader) Next() (trn.Pair, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err == io.EOF {
			return trn.Pair{}, io.EOF
		}
		return trn.Pair{}, fmt.Errorf("entry %d: %w", r.index, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > maxEntrySize {
		return trn.Pair{}, fmt.Errorf("entry %d: %d bytes exceeds limit", r.index, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return trn.Pair{}, fmt.Errorf("entry %d: %w", r.index, io.ErrUnexpectedEOF)
	}
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return trn.Pair{}, fmt.Errorf("entry %d: %w", r.index, io.ErrUnexpectedEOF)
	}
	if crc32.ChecksumIEEE(data) != binary.LittleEndian.Uint32(hdr[:]) {
		return trn.Pair{}, fmt.Errorf("checksum mismatch for entry %d", r.index)
	}

	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return trn.Pair{}, fmt.Errorf("failed to decompress entry %d: %w", r.index, err)
	}
	env, err := wire.UnmarshalEnvelope(raw)
	if err != nil {
		return trn.Pair{}, fmt.Errorf("entry %d: %w", r.index, err)
	}
	if env.Type != wire.MsgPair {
		return trn.Pair{}, fmt.Errorf("entry %d: unexpected %v", r.index, env.Type)
	}
	p, err := wire.UnmarshalPair(env.Body)
	if err != nil {
		return trn.Pair{}, fmt.Errorf("entry %d: %w", r.index, err)
	}
	r.index++
	return p, nil
}

// ReadAll reads every remaining pair.
func (r *Reader) ReadAll() ([]trn.Pair, error) {
	var out []trn.Pair
	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
