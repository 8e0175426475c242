// Package source adapts the recorded mission logs into forward-only streams
// of timestamped records. Every log family sits behind the same Source
// interface; records with unusable timestamps or corrupt payloads are
// counted and skipped rather than ending the stream.
package source

import (
	"errors"

	"github.com/banshee-data/trn.replay/internal/fsutil"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/trn"
)

var (
	// ErrIndeterminateTime marks a record whose timestamp is NaN, infinite
	// or not positive.
	ErrIndeterminateTime = errors.New("indeterminate timestamp")

	// ErrOutOfOrder marks a record older than its predecessor.
	ErrOutOfOrder = errors.New("timestamp earlier than previous record")
)

// Source is a forward-only, finite reader over one log. Timestamps of the
// records it returns never decrease. Next returns trn.ErrExhausted once the
// log is spent; reopen the log to restart it.
type Source interface {
	Name() string
	Kind() trn.SourceKind
	Next() (trn.Record, error)
	Stats() Stats
	Close() error
}

// Stats counts what a source has read so far.
type Stats struct {
	Name        string         `json:"name"`
	Kind        trn.SourceKind `json:"kind"`
	Path        string         `json:"path"`
	Read        int            `json:"read"`
	Emitted     int            `json:"emitted"`
	Skipped     int            `json:"skipped"`
	ParseErrors int            `json:"parse_errors"`
	LastTime    float64        `json:"last_time"`
	Exhausted   bool           `json:"exhausted"`
}

// Option configures how a source is opened.
type Option func(*options)

type options struct {
	fs     fsutil.FileSystem
	onSkip func(err error)
}

func defaultOptions() options {
	return options{
		fs: fsutil.OSFileSystem{},
		onSkip: func(err error) {
			monitoring.Debugf("[source] skipped record: %v", err)
		},
	}
}

// WithFileSystem opens logs through fsys instead of the OS.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(o *options) { o.fs = fsys }
}

// WithSkipHandler replaces the default debug log for skipped records. The
// handler receives a *trn.ParseError.
func WithSkipHandler(fn func(err error)) Option {
	return func(o *options) { o.onSkip = fn }
}

// gate enforces the timestamp rules shared by every adapter.
type gate struct {
	stats   Stats
	onSkip  func(err error)
	started bool
}

func (g *gate) admit(t float64, line int) error {
	if !trn.ValidTime(t) {
		return &trn.ParseError{Source: g.stats.Name, Line: line, Field: TimeField, Err: ErrIndeterminateTime}
	}
	if g.started && t < g.stats.LastTime {
		return &trn.ParseError{Source: g.stats.Name, Line: line, Field: TimeField, Err: ErrOutOfOrder}
	}
	return nil
}

func (g *gate) emit(t float64) {
	g.started = true
	g.stats.LastTime = t
	g.stats.Emitted++
}

func (g *gate) skip(err error, parse bool) {
	g.stats.Skipped++
	if parse {
		g.stats.ParseErrors++
	}
	if g.onSkip != nil {
		g.onSkip(err)
	}
}
