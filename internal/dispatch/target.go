package dispatch

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// Outcome is what a target reports for one forwarded pair.
type Outcome struct {
	// Accepted is set when the target applied the pair.
	Accepted bool
	// MeasUsed is set when the measurement half was incorporated.
	MeasUsed bool
	// Reinitialized is set when the target reset its filter after a
	// failed health check.
	Reinitialized bool
}

// Target receives matched pairs.
type Target interface {
	Name() string
	Forward(ctx context.Context, pair trn.Pair) (Outcome, error)
	Close() error
}

// HealthPolicy bounds an acceptable filter estimate. A zero ceiling
// disables that check.
type HealthPolicy struct {
	MaxNorthingCov   float64
	MaxEastingCov    float64
	MaxNorthingError float64
	MaxEastingError  float64
	AllowReinits     bool
}

// PolicyFromAttributes builds the health policy of a mission.
func PolicyFromAttributes(a config.Attributes) HealthPolicy {
	return HealthPolicy{
		MaxNorthingCov:   a.MaxNorthingCov,
		MaxEastingCov:    a.MaxEastingCov,
		MaxNorthingError: a.MaxNorthingError,
		MaxEastingError:  a.MaxEastingError,
		AllowReinits:     a.AllowFilterReinits,
	}
}

// Check returns a description of the first violated bound, or "" when the
// estimate is healthy. Error bounds are only checked against a real pose.
func (h HealthPolicy) Check(est Estimate, pose *trn.Pose) string {
	if h.MaxNorthingCov > 0 && est.Cov[0] > h.MaxNorthingCov {
		return fmt.Sprintf("northing variance %.3f > %.3f", est.Cov[0], h.MaxNorthingCov)
	}
	if h.MaxEastingCov > 0 && est.Cov[1] > h.MaxEastingCov {
		return fmt.Sprintf("easting variance %.3f > %.3f", est.Cov[1], h.MaxEastingCov)
	}
	if pose == nil || pose.Time == trn.NoTime {
		return ""
	}
	if dn := math.Abs(est.North - pose.North); h.MaxNorthingError > 0 && dn > h.MaxNorthingError {
		return fmt.Sprintf("northing error %.3f > %.3f", dn, h.MaxNorthingError)
	}
	if de := math.Abs(est.East - pose.East); h.MaxEastingError > 0 && de > h.MaxEastingError {
		return fmt.Sprintf("easting error %.3f > %.3f", de, h.MaxEastingError)
	}
	return ""
}

// LocalTarget drives an Engine in process.
type LocalTarget struct {
	engine  Engine
	policy  HealthPolicy
	reinits int64
}

// NewLocalTarget wraps engine with a health policy.
func NewLocalTarget(engine Engine, policy HealthPolicy) *LocalTarget {
	if engine == nil {
		engine = NewNullEngine()
	}
	return &LocalTarget{engine: engine, policy: policy}
}

func (t *LocalTarget) Name() string { return "local" }

// Reinits returns the number of resets this target performed.
func (t *LocalTarget) Reinits() int64 { return t.reinits }

// Forward applies the pose as a motion update, then the measurement, then
// checks the estimate. Sentinel halves are not applied.
func (t *LocalTarget) Forward(_ context.Context, pair trn.Pair) (Outcome, error) {
	var out Outcome
	hasPose := pair.Pose.Time != trn.NoTime
	if hasPose {
		if err := t.engine.MotionUpdate(&pair.Pose); err != nil {
			return out, fmt.Errorf("motion update: %w", err)
		}
	}
	if pair.Meas.Time != trn.NoTime {
		used, err := t.engine.MeasUpdate(&pair.Meas)
		if err != nil {
			return out, fmt.Errorf("measurement update: %w", err)
		}
		out.MeasUsed = used
	}
	out.Accepted = true

	if !out.MeasUsed {
		return out, nil
	}
	est, err := t.engine.Estimate()
	if err != nil {
		return out, nil
	}
	var pose *trn.Pose
	if hasPose {
		pose = &pair.Pose
	}
	reason := t.policy.Check(est, pose)
	if reason == "" {
		return out, nil
	}
	if !t.policy.AllowReinits {
		monitoring.Debugf("[dispatch] pair %d: unhealthy estimate (%s), reinit disabled", pair.Seq, reason)
		return out, nil
	}
	if err := t.engine.Reinit(); err != nil {
		return out, fmt.Errorf("reinit: %w", err)
	}
	t.reinits++
	out.Reinitialized = true
	monitoring.Logf("[dispatch] pair %d at %.3f: %s, filter reinitialized", pair.Seq, pair.Time, reason)
	return out, nil
}

func (t *LocalTarget) Close() error {
	return t.engine.Close()
}
