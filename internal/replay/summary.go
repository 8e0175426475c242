package replay

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/trn.replay/internal/dispatch"
	"github.com/banshee-data/trn.replay/internal/source"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// OffsetStats describes the time offsets of matched halves.
type OffsetStats struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	MaxAbs float64 `json:"max_abs"`
}

func offsetStats(dts []float64) OffsetStats {
	out := OffsetStats{N: len(dts)}
	if len(dts) == 0 {
		return out
	}
	out.Mean, out.StdDev = stat.MeanStdDev(dts, nil)
	if len(dts) < 2 {
		out.StdDev = 0
	}
	for _, dt := range dts {
		out.MaxAbs = math.Max(out.MaxAbs, math.Abs(dt))
	}
	return out
}

// Summary reports a session. It is complete even when the session stopped
// early.
type Summary struct {
	SessionID   string         `json:"session_id"`
	Primary     trn.SourceKind `json:"primary"`
	Target      string         `json:"target"`
	FellBack    bool           `json:"fell_back"`
	Sources     []source.Stats `json:"sources"`
	Unavailable []string       `json:"unavailable,omitempty"`

	Pairs         int64 `json:"pairs"`
	NavMatched    int64 `json:"nav_matched"`
	DVLMatched    int64 `json:"dvl_matched"`
	NavDropped    int   `json:"nav_dropped"`
	DVLDropped    int   `json:"dvl_dropped"`
	ResumeSkipped int64 `json:"resume_skipped"`
	SinkErrors    int64 `json:"sink_errors"`

	NavOffsets OffsetStats `json:"nav_offsets"`
	DVLOffsets OffsetStats `json:"dvl_offsets"`

	Counters dispatch.Counters `json:"counters"`

	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Done      bool      `json:"done"`
	Cancelled bool      `json:"cancelled"`
}

// Forwarded returns the number of pairs handed to the dispatcher.
func (s Summary) Forwarded() int64 {
	return s.Pairs - s.ResumeSkipped
}

// offsets keeps every matched offset for the final summary and running
// moments for per-step snapshots.
type offsets struct {
	dts    []float64
	mean   float64
	m2     float64
	maxAbs float64
}

func (o *offsets) add(dt float64) {
	o.dts = append(o.dts, dt)
	n := float64(len(o.dts))
	delta := dt - o.mean
	o.mean += delta / n
	o.m2 += delta * (dt - o.mean)
	o.maxAbs = math.Max(o.maxAbs, math.Abs(dt))
}

func (o *offsets) running() OffsetStats {
	out := OffsetStats{N: len(o.dts), Mean: o.mean, MaxAbs: o.maxAbs}
	if out.N >= 2 {
		out.StdDev = math.Sqrt(o.m2 / float64(out.N-1))
	}
	return out
}

func (o *offsets) stats(exact bool) OffsetStats {
	if exact {
		return offsetStats(o.dts)
	}
	return o.running()
}

// tally accumulates per-pair statistics.
type tally struct {
	pairs         int64
	navMatched    int64
	dvlMatched    int64
	resumeSkipped int64
	sinkErrors    int64
	nav           offsets
	dvl           offsets
}

func (t *tally) pair(p trn.Pair) {
	t.pairs++
	if p.NavMatched {
		t.navMatched++
		t.nav.add(p.NavDt)
	}
	if p.DVLMatched {
		t.dvlMatched++
		t.dvl.add(p.DVLDt)
	}
}

func (t *tally) summary(exact bool) Summary {
	return Summary{
		Pairs:         t.pairs,
		NavMatched:    t.navMatched,
		DVLMatched:    t.dvlMatched,
		ResumeSkipped: t.resumeSkipped,
		SinkErrors:    t.sinkErrors,
		NavOffsets:    t.nav.stats(exact),
		DVLOffsets:    t.dvl.stats(exact),
	}
}
