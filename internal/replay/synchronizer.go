// Package replay re-derives time-aligned pose and measurement pairs from
// recorded logs and drives them through a dispatcher.
package replay

import (
	"errors"
	"math"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/source"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// Match tolerances in seconds between an anchor and a secondary record.
const (
	DVL4TRN = 0.2
	NAV4TRN = 0.5
)

// SyncConfig names the sources playing each role.
type SyncConfig struct {
	// Primary supplies the anchors. A nil Primary yields no pairs.
	Primary source.Source
	// DVL supplies measurement halves, Nav pose halves. Either may be nil.
	DVL source.Source
	Nav source.Source

	// Sensor is stamped on every dispatched measurement.
	Sensor trn.SensorType

	// Tolerances override DVL4TRN and NAV4TRN when positive.
	DVLTolerance float64
	NavTolerance float64
}

// SelectSources assigns roles for a mission. The primary is the MBTRN log
// when UseMbTrnData is set, otherwise the TRN log; when neither is
// available the CSV DVL log becomes the primary. Otherwise the CSV fills
// the DVL role if there is no binary DVL log.
func SelectSources(set *source.Set, attrs config.Attributes) SyncConfig {
	cfg := SyncConfig{
		DVL:    set.DVL,
		Nav:    set.Nav,
		Sensor: attrs.MeasurementType(),
	}
	if attrs.UseMbTrnData {
		cfg.Primary = set.MBTRN
	} else {
		cfg.Primary = set.TRN
	}
	if cfg.Primary == nil && set.CSV != nil {
		cfg.Primary = set.CSV
		return cfg
	}
	if cfg.DVL == nil {
		cfg.DVL = set.CSV
	}
	return cfg
}

// secondary buffers the records of one non-anchor source.
type secondary struct {
	src       source.Source
	tol       float64
	pending   []trn.Record
	exhausted bool
	dropped   int
}

func newSecondary(src source.Source, tol float64) *secondary {
	if src == nil {
		return nil
	}
	return &secondary{src: src, tol: tol}
}

// match returns the buffered record closest to t within tolerance and
// consumes it. Records older than t-tol are discarded first; the source is
// read until a record lies past t+tol or it is exhausted. An exact tie in
// distance goes to the earlier record.
func (s *secondary) match(t float64) (trn.Record, bool) {
	if s == nil {
		return trn.Record{}, false
	}
	lo, hi := t-s.tol, t+s.tol

	n := 0
	for n < len(s.pending) && s.pending[n].Time < lo {
		n++
	}
	s.dropped += n
	s.pending = s.pending[n:]

	for !s.exhausted && (len(s.pending) == 0 || s.pending[len(s.pending)-1].Time <= hi) {
		rec, err := s.src.Next()
		if err != nil {
			if !errors.Is(err, trn.ErrExhausted) {
				monitoring.Logf("[replay] %s: %v", s.src.Name(), err)
			}
			s.exhausted = true
			break
		}
		if rec.Time < lo {
			s.dropped++
			continue
		}
		s.pending = append(s.pending, rec)
	}

	best := -1
	bestDt := math.Inf(1)
	for i, rec := range s.pending {
		if rec.Time > hi {
			break
		}
		if dt := math.Abs(rec.Time - t); dt < bestDt {
			best, bestDt = i, dt
		}
	}
	if best < 0 {
		return trn.Record{}, false
	}
	rec := s.pending[best]
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	return rec, true
}

// Synchronizer emits one Pair per primary record.
type Synchronizer struct {
	primary source.Source
	dvl     *secondary
	nav     *secondary
	sensor  trn.SensorType

	lastPose trn.Pose
	lastMeas trn.Meas
	seq      int64
	done     bool
}

// NewSynchronizer creates a synchronizer over cfg's sources.
func NewSynchronizer(cfg SyncConfig) *Synchronizer {
	dvlTol, navTol := DVL4TRN, NAV4TRN
	if cfg.DVLTolerance > 0 {
		dvlTol = cfg.DVLTolerance
	}
	if cfg.NavTolerance > 0 {
		navTol = cfg.NavTolerance
	}
	sensor := cfg.Sensor
	if sensor == 0 {
		sensor = trn.SensorDVL
	}
	return &Synchronizer{
		primary:  cfg.Primary,
		dvl:      newSecondary(cfg.DVL, dvlTol),
		nav:      newSecondary(cfg.Nav, navTol),
		sensor:   sensor,
		lastPose: trn.SentinelPose(),
		lastMeas: trn.SentinelMeas(),
	}
}

// Primary returns the anchor source kind, or "" when there is none.
func (s *Synchronizer) Primary() trn.SourceKind {
	if s.primary == nil {
		return ""
	}
	return s.primary.Kind()
}

// Next returns the pair for the next anchor, or trn.ErrExhausted once the
// primary source is spent.
//
// A half matched from a secondary wins; otherwise the anchor's own half is
// used, then the last matched half, then a sentinel.
func (s *Synchronizer) Next() (trn.Pair, error) {
	if s.done || s.primary == nil {
		return trn.Pair{}, trn.ErrExhausted
	}
	anchor, err := s.primary.Next()
	if err != nil {
		if !errors.Is(err, trn.ErrExhausted) {
			monitoring.Logf("[replay] primary %s: %v", s.primary.Name(), err)
		}
		s.done = true
		return trn.Pair{}, trn.ErrExhausted
	}

	t := anchor.Time
	pair := trn.Pair{Seq: s.seq, Time: t, Anchor: anchor.Kind}
	s.seq++

	if rec, ok := s.nav.match(t); ok && rec.Pose != nil {
		pair.Pose = *rec.Pose
		pair.NavMatched = true
		pair.NavDt = rec.Time - t
		s.lastPose = pair.Pose
	} else if anchor.Pose != nil {
		pair.Pose = *anchor.Pose
	} else {
		pair.Pose = s.lastPose
	}

	if rec, ok := s.dvl.match(t); ok && rec.Meas != nil {
		pair.Meas = *rec.Meas.Clone()
		pair.DVLMatched = true
		pair.DVLDt = rec.Time - t
		s.lastMeas = *pair.Meas.Clone()
	} else if anchor.Meas != nil {
		pair.Meas = *anchor.Meas.Clone()
	} else {
		pair.Meas = *s.lastMeas.Clone()
	}
	if pair.Meas.Time != trn.NoTime {
		pair.Meas.DataType = s.sensor
	}
	return pair, nil
}

// Dropped returns how many secondary records fell outside every anchor's
// window.
func (s *Synchronizer) Dropped() (dvl, nav int) {
	if s.dvl != nil {
		dvl = s.dvl.dropped
	}
	if s.nav != nil {
		nav = s.nav.dropped
	}
	return dvl, nav
}
