package replay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/trn.replay/internal/dispatch"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/source"
	"github.com/banshee-data/trn.replay/internal/timeutil"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// StepResult is what happened to one pair.
type StepResult struct {
	SessionID string
	Pair      trn.Pair
	Outcome   dispatch.Outcome
	// Err is the per-pair *trn.TransportError, if forwarding failed.
	Err error
	// Skipped is set for anchors at or before the resume point; they are
	// not dispatched.
	Skipped bool
}

// StepSink observes every step of a session.
type StepSink interface {
	ObserveStep(res StepResult) error
}

// SinkFunc adapts a function to StepSink.
type SinkFunc func(res StepResult) error

func (f SinkFunc) ObserveStep(res StepResult) error { return f(res) }

// SessionConfig configures NewSession.
type SessionConfig struct {
	// ID defaults to a random UUID.
	ID         string
	Sources    *source.Set
	Sync       SyncConfig
	Dispatcher *dispatch.Dispatcher
	Sinks      []StepSink

	// ResumeAfter skips anchors at or before this time.
	ResumeAfter float64
	// Rate paces dispatch at recorded time divided by Rate. Zero replays
	// as fast as possible.
	Rate  float64
	Clock timeutil.Clock
}

// Session runs the pull loop: synchronize, dispatch, observe.
type Session struct {
	id    string
	set   *source.Set
	sync  *Synchronizer
	disp  *dispatch.Dispatcher
	sinks []StepSink

	resumeAfter float64
	rate        float64
	clock       timeutil.Clock
	prevTime    float64

	tally    tally
	started  time.Time
	finished time.Time
	done     bool

	snapshot atomic.Pointer[Summary]
}

// NewSession builds a session. The dispatcher must already be connected.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("session needs a dispatcher")
	}
	if cfg.Rate < 0 {
		return nil, fmt.Errorf("rate must be non-negative, got %g", cfg.Rate)
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Session{
		id:          id,
		set:         cfg.Sources,
		sync:        NewSynchronizer(cfg.Sync),
		disp:        cfg.Dispatcher,
		sinks:       cfg.Sinks,
		resumeAfter: cfg.ResumeAfter,
		rate:        cfg.Rate,
		clock:       clock,
		prevTime:    trn.NoTime,
	}
	s.started = clock.Now()
	s.publish()
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Next performs one synchronization step. It returns trn.ErrExhausted once
// the primary is spent, or the context error when ctx is done before the
// step starts or while it waits for its paced dispatch time. A pair whose forwarding failed is still a successful step;
// the failure is in StepResult.Err.
func (s *Session) Next(ctx context.Context) (StepResult, error) {
	if s.done {
		return StepResult{}, trn.ErrExhausted
	}
	if err := ctx.Err(); err != nil {
		return StepResult{}, err
	}

	pair, err := s.sync.Next()
	if err != nil {
		s.finish()
		return StepResult{}, err
	}

	res := StepResult{SessionID: s.id, Pair: pair}
	if s.resumeAfter > 0 && pair.Time <= s.resumeAfter {
		s.tally.pair(pair)
		res.Skipped = true
		s.tally.resumeSkipped++
		s.observe(res)
		return res, nil
	}

	// A pair whose pacing wait is cut short by ctx is dropped undispatched;
	// a resumed run picks it up again.
	if err := s.pace(ctx, pair.Time); err != nil {
		return StepResult{}, err
	}
	s.tally.pair(pair)

	// The pair goes out even if ctx is cancelled meanwhile so the counters
	// stay consistent with the last dispatched timestamp.
	out, err := s.disp.Dispatch(context.WithoutCancel(ctx), pair)
	res.Outcome = out
	if err != nil {
		res.Err = err
		monitoring.Debugf("[replay] pair %d at %.3f: %v", pair.Seq, pair.Time, err)
	}
	s.observe(res)
	return res, nil
}

func (s *Session) pace(ctx context.Context, t float64) error {
	if s.rate > 0 && s.prevTime != trn.NoTime && t > s.prevTime {
		d := time.Duration((t - s.prevTime) / s.rate * float64(time.Second))
		timer := s.clock.NewTimer(d)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	s.prevTime = t
	return nil
}

func (s *Session) observe(res StepResult) {
	for _, sink := range s.sinks {
		if err := sink.ObserveStep(res); err != nil {
			s.tally.sinkErrors++
			if s.tally.sinkErrors == 1 {
				monitoring.Logf("[replay] step sink failed: %v", err)
			}
		}
	}
	s.publish()
}

func (s *Session) finish() {
	if s.done {
		return
	}
	s.done = true
	s.finished = s.clock.Now()
	s.publish()
}

// Run steps until the primary is exhausted or ctx is done. The summary is
// returned in both cases; the error is nil on a normal end and the context
// error on cancellation.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	monitoring.Logf("[replay] session %s: primary %s, target %s", s.id, orNone(string(s.sync.Primary())), s.disp.Target())
	for {
		_, err := s.Next(ctx)
		if errors.Is(err, trn.ErrExhausted) {
			sum := s.Summary()
			monitoring.Logf("[replay] session %s done: %d pairs, %d updates, %d reinits, %d failures",
				s.id, sum.Pairs, sum.Counters.Updates, sum.Counters.Reinits, sum.Counters.Failures)
			return sum, nil
		}
		if err != nil {
			s.finished = s.clock.Now()
			sum := s.Summary()
			sum.Cancelled = true
			monitoring.Logf("[replay] session %s stopped after %d pairs: %v", s.id, sum.Pairs, err)
			return sum, err
		}
	}
}

// Done reports whether the primary is exhausted.
func (s *Session) Done() bool { return s.done }

// Summary returns the session summary so far. Offset statistics are
// computed over every recorded offset.
func (s *Session) Summary() Summary {
	return s.summary(true)
}

func (s *Session) summary(exact bool) Summary {
	sum := s.tally.summary(exact)
	sum.SessionID = s.id
	sum.Primary = s.sync.Primary()
	sum.Target = s.disp.Target()
	sum.FellBack = s.disp.FellBack()
	sum.Counters = s.disp.Counters()
	sum.DVLDropped, sum.NavDropped = s.sync.Dropped()
	sum.Started = s.started
	sum.Finished = s.finished
	sum.Done = s.done
	if s.set != nil {
		for _, src := range s.set.All() {
			sum.Sources = append(sum.Sources, src.Stats())
		}
		for _, su := range s.set.Unavailable {
			sum.Unavailable = append(sum.Unavailable, su.Error())
		}
	}
	return sum
}

// publish runs after every step, so it uses the running offset moments.
func (s *Session) publish() {
	sum := s.summary(false)
	s.snapshot.Store(&sum)
}

// Snapshot returns the summary as of the last completed step. It is safe
// to call from other goroutines while the session runs.
func (s *Session) Snapshot() Summary {
	return *s.snapshot.Load()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
