package dispatch

import (
	"errors"

	"github.com/banshee-data/trn.replay/internal/trn"
)

// Estimate is the filter's position solution with per-axis variance.
type Estimate struct {
	Time               float64
	North, East, Depth float64
	Cov                [3]float64
}

// Engine is the navigation filter a local target drives. Implementations
// live outside this module; NullEngine stands in when none is linked.
type Engine interface {
	// MotionUpdate propagates the filter with a vehicle pose.
	MotionUpdate(p *trn.Pose) error
	// MeasUpdate applies a measurement and reports whether it was used.
	MeasUpdate(m *trn.Meas) (bool, error)
	// Estimate returns the current solution.
	Estimate() (Estimate, error)
	// Reinit resets the filter state.
	Reinit() error
	Close() error
}

// ErrNoPose is returned by NullEngine for an estimate before any motion
// update.
var ErrNoPose = errors.New("dispatch: no pose yet")

// NullEngine is a pass-through filter: its estimate is the last pose and a
// measurement is used whenever it has a valid beam.
type NullEngine struct {
	last    trn.Pose
	hasPose bool
	reinits int
}

// NewNullEngine returns an empty NullEngine.
func NewNullEngine() *NullEngine {
	return &NullEngine{}
}

func (e *NullEngine) MotionUpdate(p *trn.Pose) error {
	e.last = *p
	e.hasPose = true
	return nil
}

func (e *NullEngine) MeasUpdate(m *trn.Meas) (bool, error) {
	return e.hasPose && m.ValidBeams() > 0, nil
}

func (e *NullEngine) Estimate() (Estimate, error) {
	if !e.hasPose {
		return Estimate{}, ErrNoPose
	}
	return Estimate{
		Time:  e.last.Time,
		North: e.last.North,
		East:  e.last.East,
		Depth: e.last.Depth,
		Cov:   e.last.Cov,
	}, nil
}

func (e *NullEngine) Reinit() error {
	e.hasPose = false
	e.reinits++
	return nil
}

// Reinits returns how often the engine was reset.
func (e *NullEngine) Reinits() int { return e.reinits }

func (e *NullEngine) Close() error { return nil }
