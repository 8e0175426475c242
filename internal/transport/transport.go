// Package transport moves encoded filter messages between the replay and a
// remote filter host, either over a TCP socket with length-prefixed frames
// or over a nanomsg REQ/REP bus.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message.
const MaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// Client sends one request and waits for its reply.
type Client interface {
	Roundtrip(ctx context.Context, req []byte) ([]byte, error)
	Addr() string
	Close() error
}

// Receiver is implemented by stream clients, where a reply can still
// arrive after its roundtrip gave up.
type Receiver interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Handler answers requests on the serving side. One Handler serves one
// remote session.
type Handler interface {
	Handle(req []byte) []byte
}

// HandlerFactory creates the Handler for a new session.
type HandlerFactory func() Handler

// WriteFrame writes b prefixed by its little-endian u32 length.
func WriteFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}
