package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// CSV column order of the LRAUV DVL export.
const (
	csvTime = iota
	csvNorth
	csvEast
	csvDepth
	csvPsi
	csvTheta
	csvPhi
	csvWx
	csvWy
	csvWz
	csvVx
	csvVy
	csvVz
	csvValid
	csvLock
	csvNumBeams
	csvFirstRange
)

var csvNames = [...]string{
	csvTime:     "time",
	csvNorth:    "north",
	csvEast:     "east",
	csvDepth:    "depth",
	csvPsi:      "psi",
	csvTheta:    "theta",
	csvPhi:      "phi",
	csvWx:       "wx",
	csvWy:       "wy",
	csvWz:       "wz",
	csvVx:       "vx",
	csvVy:       "vy",
	csvVz:       "vz",
	csvValid:    "valid",
	csvLock:     "lock",
	csvNumBeams: "nbeams",
}

// maxCSVBeams bounds the beam count accepted from a line.
const maxCSVBeams = 64

type csvSource struct {
	gate
	file   fs.File
	r      *csv.Reader
	closed bool
}

// OpenCSV opens a comma-separated DVL log. Each line carries a full pose
// and a DVL measurement, so the records it yields have both halves set.
func OpenCSV(path string, opts ...Option) (Source, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	f, err := o.fs.Open(path)
	if err != nil {
		return nil, &trn.SourceUnavailableError{Source: string(trn.SourceDVLCSV), Path: path, Err: err}
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true
	r.LazyQuotes = true
	r.ReuseRecord = true

	s := &csvSource{file: f, r: r}
	s.stats = Stats{Name: filepath.Base(path), Kind: trn.SourceDVLCSV, Path: path}
	s.onSkip = o.onSkip
	return s, nil
}

func (s *csvSource) Name() string         { return s.stats.Name }
func (s *csvSource) Kind() trn.SourceKind { return s.stats.Kind }
func (s *csvSource) Stats() Stats         { return s.stats }

func (s *csvSource) Next() (trn.Record, error) {
	for {
		if s.stats.Exhausted || s.closed {
			return trn.Record{}, trn.ErrExhausted
		}

		fields, err := s.r.Read()
		if err == io.EOF {
			s.stats.Exhausted = true
			s.Close()
			return trn.Record{}, trn.ErrExhausted
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			s.stats.Read++
			s.skip(&trn.ParseError{Source: s.stats.Name, Line: perr.Line, Err: perr.Err}, true)
			continue
		}
		if err != nil {
			monitoring.Logf("[source] %s: read failed: %v", s.stats.Name, err)
			s.stats.Exhausted = true
			s.Close()
			return trn.Record{}, trn.ErrExhausted
		}

		s.stats.Read++
		line, _ := s.r.FieldPos(0)
		rec, err := parseCSVLine(s.stats.Name, line, fields)
		if err != nil {
			s.skip(err, true)
			continue
		}
		if err := s.admit(rec.Time, line); err != nil {
			s.skip(err, false)
			continue
		}
		s.emit(rec.Time)
		return rec, nil
	}
}

func parseCSVLine(name string, line int, fields []string) (trn.Record, error) {
	fail := func(field string, err error) (trn.Record, error) {
		return trn.Record{}, &trn.ParseError{Source: name, Line: line, Field: field, Err: err}
	}
	if len(fields) < csvFirstRange {
		return fail("", fmt.Errorf("%d fields, want at least %d", len(fields), csvFirstRange))
	}

	var v [csvFirstRange]float64
	for i := 0; i < csvFirstRange; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(fields[i]), 64)
		if err != nil {
			return fail(csvNames[i], err)
		}
		v[i] = f
	}

	n := int(v[csvNumBeams])
	if float64(n) != v[csvNumBeams] || n < 0 || n > maxCSVBeams {
		return fail(csvNames[csvNumBeams], fmt.Errorf("invalid beam count %v", v[csvNumBeams]))
	}
	if len(fields) < csvFirstRange+n {
		return fail("range", fmt.Errorf("%d ranges, want %d", len(fields)-csvFirstRange, n))
	}

	valid := v[csvValid] != 0
	lock := v[csvLock] != 0
	velocity := [3]float64{v[csvVx], v[csvVy], v[csvVz]}

	meas := &trn.Meas{
		Time:       v[csvTime],
		DataType:   trn.SensorDVL,
		Ping:       int64(line),
		NumBeams:   n,
		Ranges:     make([]float64, n),
		Valid:      make([]bool, n),
		BottomLock: lock,
		Velocity:   velocity,
	}
	for i := 0; i < n; i++ {
		r, err := strconv.ParseFloat(strings.TrimSpace(fields[csvFirstRange+i]), 64)
		if err != nil {
			return fail("range."+strconv.Itoa(i), err)
		}
		meas.Ranges[i] = r
		meas.Valid[i] = valid && r > 0
	}

	pose := &trn.Pose{
		Time:       v[csvTime],
		North:      v[csvNorth],
		East:       v[csvEast],
		Depth:      v[csvDepth],
		Phi:        v[csvPhi],
		Theta:      v[csvTheta],
		Psi:        v[csvPsi],
		Wx:         v[csvWx],
		Wy:         v[csvWy],
		Wz:         v[csvWz],
		Vx:         velocity[0],
		Vy:         velocity[1],
		Vz:         velocity[2],
		BottomLock: lock,
		DVLValid:   valid,
	}
	return trn.Record{Time: v[csvTime], Kind: trn.SourceDVLCSV, Pose: pose, Meas: meas}, nil
}

func (s *csvSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
