package source

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/banshee-data/trn.replay/internal/datalog"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/trn"
)

type binarySource struct {
	gate
	file   fs.File
	r      *datalog.Reader
	dec    *decoder
	closed bool
}

// OpenBinary opens a binary log of the given family. An absent, unreadable
// or mismatched log yields *trn.SourceUnavailableError.
func OpenBinary(path string, kind trn.SourceKind, opts ...Option) (Source, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	unavailable := func(err error) error {
		return &trn.SourceUnavailableError{Source: string(kind), Path: path, Err: err}
	}

	f, err := o.fs.Open(path)
	if err != nil {
		return nil, unavailable(err)
	}
	r, err := datalog.NewReader(f)
	if err != nil {
		f.Close()
		return nil, unavailable(err)
	}
	h := r.Header()
	if h.Family != string(kind) {
		f.Close()
		return nil, unavailable(fmt.Errorf("log family %q, want %q", h.Family, kind))
	}
	dec, err := newDecoder(kind, h.Fields)
	if err != nil {
		f.Close()
		return nil, unavailable(err)
	}

	s := &binarySource{file: f, r: r, dec: dec}
	s.stats = Stats{Name: filepath.Base(path), Kind: kind, Path: path}
	s.onSkip = o.onSkip
	return s, nil
}

func (s *binarySource) Name() string         { return s.stats.Name }
func (s *binarySource) Kind() trn.SourceKind { return s.stats.Kind }
func (s *binarySource) Stats() Stats         { return s.stats }

func (s *binarySource) Next() (trn.Record, error) {
	for {
		if s.stats.Exhausted || s.closed {
			return trn.Record{}, trn.ErrExhausted
		}

		values, err := s.r.Next()
		var corrupt *datalog.CorruptRecordError
		switch {
		case err == io.EOF:
			s.finish()
			return trn.Record{}, trn.ErrExhausted
		case errors.As(err, &corrupt):
			s.stats.Read++
			s.skip(&trn.ParseError{Source: s.stats.Name, Line: int(corrupt.Index) + 1, Err: corrupt}, true)
			continue
		case err != nil:
			// Framing is lost; nothing after this point can be trusted.
			monitoring.Logf("[source] %s: %v after %d records", s.stats.Name, err, s.stats.Read)
			s.finish()
			return trn.Record{}, trn.ErrExhausted
		}

		s.stats.Read++
		rec := s.dec.decode(values)
		if err := s.admit(rec.Time, s.stats.Read); err != nil {
			s.skip(err, false)
			continue
		}
		s.emit(rec.Time)
		return rec, nil
	}
}

func (s *binarySource) finish() {
	s.stats.Exhausted = true
	s.Close()
}

func (s *binarySource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
