// Package mission writes synthetic mission directories: binary logs, an
// optional LRAUV-style CSV and the attribute file, for tests and demos.
package mission

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/datalog"
	"github.com/banshee-data/trn.replay/internal/source"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// Plan describes the mission to synthesize.
type Plan struct {
	Start    float64 // epoch seconds of the first anchor
	Duration float64 // seconds

	AnchorPeriod float64 // seconds between TRN (or MBTRN) records
	DVLPeriod    float64 // seconds between DVL records, 0 = no DVL log
	NavPeriod    float64 // seconds between NAV records, 0 = no NAV log
	// Jitter offsets every secondary record by a uniform value in
	// [-Jitter, Jitter] seconds.
	Jitter float64

	Beams    int
	SpeedMPS float64
	Heading  float64 // radians
	Depth    float64 // metres
	Altitude float64 // metres above the seabed

	// NavDropout removes NAV records in [From, To) seconds after Start.
	NavDropout [2]float64

	MbTrn    bool   // write MbTrn.log instead of TerrainNav.log
	CSVName  string // also write a CSV DVL file with this name
	NoAnchor bool   // omit the anchor log (CSV primary missions)

	// Attribute file values.
	MapFile string
	Host    string
	Port    int
	Reinits bool
	MaxNCov float64
	MaxECov float64
	Seed    int64
}

// DefaultPlan is a two minute DVL-aided transect.
func DefaultPlan() Plan {
	return Plan{
		Start:        1499100000,
		Duration:     120,
		AnchorPeriod: 1,
		DVLPeriod:    0.5,
		NavPeriod:    0.2,
		Jitter:       0.05,
		Beams:        source.DVLBeams,
		SpeedMPS:     1.5,
		Heading:      math.Pi / 4,
		Depth:        50,
		Altitude:     20,
		MapFile:      "PortTiles",
		Seed:         1,
	}
}

// Manifest reports what Generate wrote.
type Manifest struct {
	Dir     string
	Config  string
	Files   map[trn.SourceKind]string
	Records map[trn.SourceKind]int
}

// Generator produces the vehicle state along the planned transect.
type Generator struct {
	plan Plan
	rng  *rand.Rand
}

func NewGenerator(p Plan) *Generator {
	return &Generator{plan: p, rng: rand.New(rand.NewSource(p.Seed))}
}

// Pose returns the vehicle pose at t.
func (g *Generator) Pose(t float64) trn.Pose {
	p := g.plan
	el := t - p.Start
	dist := p.SpeedMPS * el
	return trn.Pose{
		Time:       t,
		North:      dist * math.Cos(p.Heading),
		East:       dist * math.Sin(p.Heading),
		Depth:      p.Depth + 0.5*math.Sin(el/10),
		Psi:        p.Heading,
		Vx:         p.SpeedMPS,
		Cov:        [3]float64{1 + el/100, 1 + el/100, 0.1},
		GPSValid:   el < 5,
		BottomLock: true,
		DVLValid:   true,
	}
}

// Meas returns a beam measurement at t. Beams fan out 30 degrees from
// vertical; the last beam drops out every tenth ping.
func (g *Generator) Meas(t float64, ping int64) trn.Meas {
	p := g.plan
	n := p.Beams
	m := trn.Meas{
		Time:       t,
		Ping:       ping,
		NumBeams:   n,
		Ranges:     make([]float64, n),
		Valid:      make([]bool, n),
		BottomLock: true,
		Velocity:   [3]float64{p.SpeedMPS, 0, 0},
	}
	alt := p.Altitude + math.Sin((t-p.Start)/7)
	for i := 0; i < n; i++ {
		m.Ranges[i] = alt/math.Cos(math.Pi/6) + 0.05*g.rng.NormFloat64()
		m.Valid[i] = !(i == n-1 && ping%10 == 0)
	}
	return m
}

func (g *Generator) jitter() float64 {
	if g.plan.Jitter <= 0 {
		return 0
	}
	return (2*g.rng.Float64() - 1) * g.plan.Jitter
}

// Generate writes the planned mission into dir, creating it if needed.
func Generate(dir string, p Plan) (Manifest, error) {
	if p.Duration <= 0 || p.AnchorPeriod <= 0 {
		return Manifest{}, fmt.Errorf("duration and anchor period must be positive")
	}
	if p.Beams <= 0 {
		p.Beams = source.DVLBeams
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, err
	}
	g := NewGenerator(p)
	man := Manifest{Dir: dir, Files: map[trn.SourceKind]string{}, Records: map[trn.SourceKind]int{}}

	anchor := trn.SourceTRN
	if p.MbTrn {
		anchor = trn.SourceMBTRN
	}
	if !p.NoAnchor {
		var recs []trn.Record
		ping := int64(0)
		for t := p.Start; t < p.Start+p.Duration; t += p.AnchorPeriod {
			ping++
			pose, meas := g.Pose(t), g.Meas(t, ping)
			recs = append(recs, trn.Record{Time: t, Kind: anchor, Pose: &pose, Meas: &meas})
		}
		if err := writeLog(&man, dir, anchor, p.Beams, recs); err != nil {
			return man, err
		}
	}

	if p.DVLPeriod > 0 {
		var recs []trn.Record
		ping := int64(0)
		for t := p.Start; t < p.Start+p.Duration; t += p.DVLPeriod {
			ping++
			ts := math.Max(p.Start, t+g.jitter())
			if n := len(recs); n > 0 && ts < recs[n-1].Time {
				ts = recs[n-1].Time
			}
			meas := g.Meas(ts, ping)
			recs = append(recs, trn.Record{Time: ts, Kind: trn.SourceDVL, Meas: &meas})
		}
		if err := writeLog(&man, dir, trn.SourceDVL, p.Beams, recs); err != nil {
			return man, err
		}
	}

	if p.NavPeriod > 0 {
		var recs []trn.Record
		for t := p.Start; t < p.Start+p.Duration; t += p.NavPeriod {
			el := t - p.Start
			if el >= p.NavDropout[0] && el < p.NavDropout[1] {
				continue
			}
			ts := math.Max(p.Start, t+g.jitter())
			if n := len(recs); n > 0 && ts < recs[n-1].Time {
				ts = recs[n-1].Time
			}
			pose := g.Pose(ts)
			recs = append(recs, trn.Record{Time: ts, Kind: trn.SourceNav, Pose: &pose})
		}
		if err := writeLog(&man, dir, trn.SourceNav, p.Beams, recs); err != nil {
			return man, err
		}
	}

	if p.CSVName != "" {
		if err := writeCSV(&man, g, dir, p); err != nil {
			return man, err
		}
	}

	cfgPath := filepath.Join(dir, config.DefaultConfigName)
	if err := os.WriteFile(cfgPath, []byte(Attributes(p)), 0o644); err != nil {
		return man, err
	}
	man.Config = cfgPath
	return man, nil
}

// Attributes renders the attribute file for p.
func Attributes(p Plan) string {
	var b strings.Builder
	kv := func(k, v string) { fmt.Fprintf(&b, "%s = %s\n", k, v) }
	b.WriteString("// synthetic mission\n")
	kv("mapFileName", orDefault(p.MapFile, "PortTiles"))
	kv("map_type", "2")
	kv("filterType", "2")
	kv("particlesName", "particles.cfg")
	kv("vehicleCfgName", "mappingAUV_specs.cfg")
	if p.Host != "" {
		kv("terrainNavServer", p.Host)
		kv("terrainNavPort", strconv.Itoa(p.Port))
	}
	if p.CSVName != "" {
		kv("lrauvDvlFilename", p.CSVName)
	}
	kv("allowFilterReinits", strconv.FormatBool(p.Reinits))
	kv("useMbTrnData", strconv.FormatBool(p.MbTrn))
	if p.MaxNCov > 0 {
		kv("maxNorthingCov", strconv.FormatFloat(p.MaxNCov, 'g', -1, 64))
	}
	if p.MaxECov > 0 {
		kv("maxEastingCov", strconv.FormatFloat(p.MaxECov, 'g', -1, 64))
	}
	return b.String()
}

func writeLog(man *Manifest, dir string, kind trn.SourceKind, beams int, recs []trn.Record) error {
	fields, err := source.Fields(kind, beams)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, source.LogName(kind))
	w, err := datalog.Create(path, string(kind), fields)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := w.Write(source.Encode(fields, rec)); err != nil {
			w.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	man.Files[kind] = path
	man.Records[kind] = len(recs)
	return nil
}

func writeCSV(man *Manifest, g *Generator, dir string, p Plan) error {
	var b strings.Builder
	b.WriteString("# time,north,east,depth,psi,theta,phi,wx,wy,wz,vx,vy,vz,valid,lock,nbeams,ranges\n")
	period := p.DVLPeriod
	if period <= 0 {
		period = p.AnchorPeriod
	}
	n := 0
	ping := int64(0)
	for t := p.Start; t < p.Start+p.Duration; t += period {
		ping++
		pose, meas := g.Pose(t), g.Meas(t, ping)
		cols := []float64{
			t, pose.North, pose.East, pose.Depth, pose.Psi, pose.Theta, pose.Phi,
			pose.Wx, pose.Wy, pose.Wz, pose.Vx, pose.Vy, pose.Vz,
			flag(pose.DVLValid), flag(meas.BottomLock), float64(meas.NumBeams),
		}
		for i, r := range meas.Ranges {
			if !meas.Valid[i] {
				r = 0
			}
			cols = append(cols, r)
		}
		for i, c := range cols {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(c, 'f', -1, 64))
		}
		b.WriteByte('\n')
		n++
	}
	path := filepath.Join(dir, p.CSVName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return err
	}
	man.Files[trn.SourceDVLCSV] = path
	man.Records[trn.SourceDVLCSV] = n
	return nil
}

func flag(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
