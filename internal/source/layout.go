package source

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/trn.replay/internal/trn"
)

// DVLBeams is the beam count of the DVL logs.
const DVLBeams = 4

// TimeField names the timestamp column of every binary log.
const TimeField = "time"

var poseFields = []string{
	"north", "east", "depth",
	"phi", "theta", "psi",
	"wx", "wy", "wz",
	"vx", "vy", "vz",
	"covN", "covE", "covD",
	"gpsValid", "bottomLock", "dvlValid",
}

var measHeadFields = []string{"type", "ping", "nbeams", "lock", "mvx", "mvy", "mvz"}

// Fields returns the binary field layout written for kind with the given
// number of beams. TRN and MBTRN logs carry a pose and a measurement, DVL
// logs a measurement and NAV logs a pose.
func Fields(kind trn.SourceKind, beams int) ([]string, error) {
	hasPose, hasMeas, err := familyHalves(kind)
	if err != nil {
		return nil, err
	}
	fields := []string{TimeField}
	if hasPose {
		fields = append(fields, poseFields...)
	}
	if hasMeas {
		fields = append(fields, measHeadFields...)
		for i := 0; i < beams; i++ {
			fields = append(fields, "range."+strconv.Itoa(i))
		}
		for i := 0; i < beams; i++ {
			fields = append(fields, "valid."+strconv.Itoa(i))
		}
	}
	return fields, nil
}

func familyHalves(kind trn.SourceKind) (pose, meas bool, err error) {
	switch kind {
	case trn.SourceTRN, trn.SourceMBTRN:
		return true, true, nil
	case trn.SourceDVL:
		return false, true, nil
	case trn.SourceNav:
		return true, false, nil
	default:
		return false, false, fmt.Errorf("no binary layout for %q", kind)
	}
}

// Encode flattens rec into values ordered by fields. Fields the record has
// no data for are written as zero.
func Encode(fields []string, rec trn.Record) []float64 {
	out := make([]float64, len(fields))
	for i, name := range fields {
		out[i] = fieldValue(name, rec)
	}
	return out
}

func fieldValue(name string, rec trn.Record) float64 {
	if name == TimeField {
		return rec.Time
	}
	if p := rec.Pose; p != nil {
		switch name {
		case "north":
			return p.North
		case "east":
			return p.East
		case "depth":
			return p.Depth
		case "phi":
			return p.Phi
		case "theta":
			return p.Theta
		case "psi":
			return p.Psi
		case "wx":
			return p.Wx
		case "wy":
			return p.Wy
		case "wz":
			return p.Wz
		case "vx":
			return p.Vx
		case "vy":
			return p.Vy
		case "vz":
			return p.Vz
		case "covN":
			return p.Cov[0]
		case "covE":
			return p.Cov[1]
		case "covD":
			return p.Cov[2]
		case "gpsValid":
			return flag(p.GPSValid)
		case "bottomLock":
			return flag(p.BottomLock)
		case "dvlValid":
			return flag(p.DVLValid)
		}
	}
	if m := rec.Meas; m != nil {
		switch name {
		case "type":
			return float64(m.DataType)
		case "ping":
			return float64(m.Ping)
		case "nbeams":
			return float64(m.NumBeams)
		case "lock":
			return flag(m.BottomLock)
		case "mvx":
			return m.Velocity[0]
		case "mvy":
			return m.Velocity[1]
		case "mvz":
			return m.Velocity[2]
		}
		if i, ok := beamIndex(name, "range."); ok && i < len(m.Ranges) {
			return m.Ranges[i]
		}
		if i, ok := beamIndex(name, "valid."); ok && i < len(m.Valid) {
			return flag(m.Valid[i])
		}
	}
	return 0
}

func beamIndex(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	i, err := strconv.Atoi(name[len(prefix):])
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// decoder maps a header's field list back onto records.
type decoder struct {
	kind  trn.SourceKind
	index map[string]int
	pose  bool
	meas  bool
	beams int
}

func newDecoder(kind trn.SourceKind, fields []string) (*decoder, error) {
	d := &decoder{kind: kind, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		d.index[f] = i
		if _, ok := beamIndex(f, "range."); ok {
			d.beams++
		}
	}
	if _, ok := d.index[TimeField]; !ok {
		return nil, fmt.Errorf("layout has no %q field", TimeField)
	}
	_, d.pose = d.index["north"]
	_, d.meas = d.index["nbeams"]

	wantPose, wantMeas, err := familyHalves(kind)
	if err != nil {
		return nil, err
	}
	if wantPose && !d.pose {
		return nil, fmt.Errorf("%s layout carries no pose", kind)
	}
	if wantMeas && !d.meas {
		return nil, fmt.Errorf("%s layout carries no measurement", kind)
	}
	return d, nil
}

func (d *decoder) get(values []float64, name string) float64 {
	if i, ok := d.index[name]; ok && i < len(values) {
		return values[i]
	}
	return 0
}

func (d *decoder) decode(values []float64) trn.Record {
	rec := trn.Record{Time: d.get(values, TimeField), Kind: d.kind}
	if d.pose {
		rec.Pose = &trn.Pose{
			Time:       rec.Time,
			North:      d.get(values, "north"),
			East:       d.get(values, "east"),
			Depth:      d.get(values, "depth"),
			Phi:        d.get(values, "phi"),
			Theta:      d.get(values, "theta"),
			Psi:        d.get(values, "psi"),
			Wx:         d.get(values, "wx"),
			Wy:         d.get(values, "wy"),
			Wz:         d.get(values, "wz"),
			Vx:         d.get(values, "vx"),
			Vy:         d.get(values, "vy"),
			Vz:         d.get(values, "vz"),
			Cov:        [3]float64{d.get(values, "covN"), d.get(values, "covE"), d.get(values, "covD")},
			GPSValid:   d.get(values, "gpsValid") != 0,
			BottomLock: d.get(values, "bottomLock") != 0,
			DVLValid:   d.get(values, "dvlValid") != 0,
		}
	}
	if d.meas {
		n := int(d.get(values, "nbeams"))
		if n < 0 || n > d.beams {
			n = d.beams
		}
		m := &trn.Meas{
			Time:       rec.Time,
			DataType:   trn.SensorType(d.get(values, "type")),
			Ping:       int64(d.get(values, "ping")),
			NumBeams:   n,
			Ranges:     make([]float64, n),
			Valid:      make([]bool, n),
			BottomLock: d.get(values, "lock") != 0,
			Velocity:   [3]float64{d.get(values, "mvx"), d.get(values, "mvy"), d.get(values, "mvz")},
		}
		for i := 0; i < n; i++ {
			m.Ranges[i] = d.get(values, "range."+strconv.Itoa(i))
			m.Valid[i] = d.get(values, "valid."+strconv.Itoa(i)) != 0
		}
		rec.Meas = m
	}
	return rec
}
