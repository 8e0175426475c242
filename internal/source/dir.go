package source

import (
	"errors"
	"path/filepath"

	"github.com/banshee-data/trn.replay/internal/security"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// Fixed file names of the binary logs in a mission directory.
const (
	TRNLogName   = "TerrainNav.log"
	DVLLogName   = "dvlSim.log"
	NavLogName   = "navigation.log"
	MbTrnLogName = "MbTrn.log"
)

// LogName returns the fixed file name for a binary log family.
func LogName(kind trn.SourceKind) string {
	switch kind {
	case trn.SourceTRN:
		return TRNLogName
	case trn.SourceMBTRN:
		return MbTrnLogName
	case trn.SourceDVL:
		return DVLLogName
	case trn.SourceNav:
		return NavLogName
	}
	return ""
}

// Set holds the sources opened from one mission directory. A nil field
// means the log was absent or unreadable; the reason is in Unavailable.
type Set struct {
	TRN   Source
	MBTRN Source
	DVL   Source
	Nav   Source
	CSV   Source

	Unavailable []*trn.SourceUnavailableError
}

// All returns the open sources in a fixed order.
func (s *Set) All() []Source {
	var out []Source
	for _, src := range []Source{s.TRN, s.MBTRN, s.DVL, s.Nav, s.CSV} {
		if src != nil {
			out = append(out, src)
		}
	}
	return out
}

// Close closes every open source.
func (s *Set) Close() error {
	var errs []error
	for _, src := range s.All() {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenDir opens every recognized log in dir. csvName is the optional CSV
// DVL file named by the mission attributes; it must resolve inside dir.
// Logs that cannot be opened are recorded in Set.Unavailable and never
// fail the call.
func OpenDir(dir, csvName string, opts ...Option) *Set {
	set := &Set{}
	note := func(err error) {
		var su *trn.SourceUnavailableError
		if errors.As(err, &su) {
			set.Unavailable = append(set.Unavailable, su)
		}
	}

	for _, kind := range []trn.SourceKind{trn.SourceTRN, trn.SourceMBTRN, trn.SourceDVL, trn.SourceNav} {
		src, err := OpenBinary(filepath.Join(dir, LogName(kind)), kind, opts...)
		if err != nil {
			note(err)
			continue
		}
		switch kind {
		case trn.SourceTRN:
			set.TRN = src
		case trn.SourceMBTRN:
			set.MBTRN = src
		case trn.SourceDVL:
			set.DVL = src
		case trn.SourceNav:
			set.Nav = src
		}
	}

	if csvName != "" {
		path, err := security.ResolveLogPath(dir, csvName)
		if err != nil {
			note(&trn.SourceUnavailableError{Source: string(trn.SourceDVLCSV), Path: csvName, Err: err})
			return set
		}
		src, err := OpenCSV(path, opts...)
		if err != nil {
			note(err)
			return set
		}
		set.CSV = src
	}
	return set
}
