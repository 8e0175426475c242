// Package trn defines the records that flow through a replay: poses,
// measurements, the timestamped records produced by log sources and the
// matched pairs handed to a navigation filter.
package trn

import (
	"fmt"
	"math"
)

// NoTime marks the timestamp of a sentinel half-record, i.e. a pose or
// measurement no source has provided yet.
const NoTime = -1.0

// SourceKind identifies the log family a record came from.
type SourceKind string

const (
	SourceTRN    SourceKind = "trn"
	SourceMBTRN  SourceKind = "mbtrn"
	SourceDVL    SourceKind = "dvl"
	SourceNav    SourceKind = "nav"
	SourceDVLCSV SourceKind = "dvl-csv"
)

// SensorType is the measurement type reported to the filter.
type SensorType int

const (
	SensorDVL       SensorType = 1
	SensorMultibeam SensorType = 2
	SensorPencil    SensorType = 3
	SensorHomer     SensorType = 4
	SensorDeltaT    SensorType = 5
)

func (s SensorType) String() string {
	switch s {
	case SensorDVL:
		return "dvl"
	case SensorMultibeam:
		return "multibeam"
	case SensorPencil:
		return "pencil"
	case SensorHomer:
		return "homer"
	case SensorDeltaT:
		return "deltat"
	default:
		return fmt.Sprintf("sensor(%d)", int(s))
	}
}

// Pose is a vehicle position/attitude sample. Position is local
// north/east/depth in metres, attitude in radians.
type Pose struct {
	Time float64

	North, East, Depth float64
	Phi, Theta, Psi    float64
	Wx, Wy, Wz         float64
	Vx, Vy, Vz         float64

	// Cov holds the north, east and depth variances.
	Cov [3]float64

	GPSValid   bool
	BottomLock bool
	DVLValid   bool
}

// Meas is a ranging sensor observation.
type Meas struct {
	Time       float64
	DataType   SensorType
	Ping       int64
	NumBeams   int
	Ranges     []float64
	Valid      []bool
	BottomLock bool
	Velocity   [3]float64
}

// ValidBeams returns the number of beams flagged valid.
func (m *Meas) ValidBeams() int {
	n := 0
	for i := 0; i < m.NumBeams && i < len(m.Valid); i++ {
		if m.Valid[i] {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of m.
func (m *Meas) Clone() *Meas {
	if m == nil {
		return nil
	}
	c := *m
	c.Ranges = append([]float64(nil), m.Ranges...)
	c.Valid = append([]bool(nil), m.Valid...)
	return &c
}

// Record is the unit produced by every log source: a timestamp plus a pose,
// a measurement or both.
type Record struct {
	Time float64
	Kind SourceKind
	Pose *Pose
	Meas *Meas
}

// ValidTime reports whether t is usable as a record timestamp.
func ValidTime(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0) && t > 0
}

// Pair is one synchronization step: the anchor time and the pose and
// measurement halves dispatched together.
type Pair struct {
	Seq    int64
	Time   float64
	Anchor SourceKind

	Pose Pose
	Meas Meas

	NavMatched bool
	DVLMatched bool
	// NavDt and DVLDt are secondary minus anchor time for matched halves.
	NavDt float64
	DVLDt float64
}

// SentinelPose returns the placeholder pose used before any source has
// supplied one.
func SentinelPose() Pose {
	return Pose{Time: NoTime}
}

// SentinelMeas returns the placeholder measurement used before any source
// has supplied one.
func SentinelMeas() Meas {
	return Meas{Time: NoTime}
}
