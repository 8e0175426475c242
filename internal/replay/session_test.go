package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/dispatch"
	"github.com/banshee-data/trn.replay/internal/source"
	"github.com/banshee-data/trn.replay/internal/timeutil"
	"github.com/banshee-data/trn.replay/internal/trn"
)

func localDispatcher() *dispatch.Dispatcher {
	return dispatch.NewWithTarget(dispatch.NewLocalTarget(dispatch.NewNullEngine(), dispatch.HealthPolicy{}), 0)
}

type recorder struct {
	steps []StepResult
}

func (r *recorder) ObserveStep(res StepResult) error {
	r.steps = append(r.steps, res)
	return nil
}

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = localDispatcher()
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

func TestSessionRun(t *testing.T) {
	primary := anchors(trn.SourceTRN, 100, 101, 102)
	dvl := dvlRecords(100.1, 101.05, 103)
	set := &source.Set{TRN: primary, DVL: dvl}
	rec := &recorder{}

	s := newTestSession(t, SessionConfig{
		ID:      "fixed-id",
		Sources: set,
		Sync:    SelectSources(set, config.DefaultAttributes()),
		Sinks:   []StepSink{rec},
	})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "fixed-id", sum.SessionID)
	assert.Equal(t, trn.SourceTRN, sum.Primary)
	assert.Equal(t, "local", sum.Target)
	assert.EqualValues(t, 3, sum.Pairs)
	assert.EqualValues(t, 3, sum.Forwarded())
	assert.EqualValues(t, 2, sum.DVLMatched)
	assert.Equal(t, dispatch.Counters{LastTime: 102, Updates: 3}, sum.Counters)
	assert.Equal(t, 2, sum.DVLOffsets.N)
	assert.InDelta(t, 0.075, sum.DVLOffsets.Mean, 1e-9)
	assert.InDelta(t, 0.1, sum.DVLOffsets.MaxAbs, 1e-9)
	assert.True(t, sum.Done)
	assert.False(t, sum.Cancelled)
	require.Len(t, sum.Sources, 2)
	assert.Equal(t, 3, sum.Sources[0].Read)

	require.Len(t, rec.steps, 3)
	for i, step := range rec.steps {
		assert.EqualValues(t, i, step.Pair.Seq)
		assert.True(t, step.Outcome.Accepted)
		assert.NoError(t, step.Err)
		assert.Equal(t, "fixed-id", step.SessionID)
	}

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, trn.ErrExhausted)
	assert.Equal(t, sum.Counters, s.Snapshot().Counters)
}

func TestSessionWithoutPrimary(t *testing.T) {
	set := &source.Set{DVL: dvlRecords(1, 2)}
	s := newTestSession(t, SessionConfig{Sources: set, Sync: SelectSources(set, config.DefaultAttributes())})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Pairs)
	assert.Zero(t, sum.Counters.Updates)
	assert.NotEmpty(t, s.ID(), "a session ID is generated")
}

func TestSessionResume(t *testing.T) {
	rec := &recorder{}
	s := newTestSession(t, SessionConfig{
		Sync:        SyncConfig{Primary: anchors(trn.SourceTRN, 10, 11, 12, 13)},
		Sinks:       []StepSink{rec},
		ResumeAfter: 11,
	})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 4, sum.Pairs)
	assert.EqualValues(t, 2, sum.ResumeSkipped)
	assert.EqualValues(t, 2, sum.Forwarded())
	assert.Equal(t, dispatch.Counters{LastTime: 13, Updates: 2}, sum.Counters)

	require.Len(t, rec.steps, 4)
	assert.True(t, rec.steps[0].Skipped)
	assert.True(t, rec.steps[1].Skipped)
	assert.False(t, rec.steps[2].Skipped)
}

func TestSessionCancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while the first pair is being observed; that pair still
	// completes and nothing after it is dispatched.
	stopAfterFirst := SinkFunc(func(StepResult) error {
		cancel()
		return nil
	})
	s := newTestSession(t, SessionConfig{
		Sync:  SyncConfig{Primary: anchors(trn.SourceTRN, 1, 2, 3)},
		Sinks: []StepSink{stopAfterFirst},
	})
	sum, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Cancelled)
	assert.False(t, sum.Done)
	assert.EqualValues(t, 1, sum.Pairs)
	assert.Equal(t, dispatch.Counters{LastTime: 1, Updates: 1}, sum.Counters)
}

func TestSessionPacing(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	s := newTestSession(t, SessionConfig{
		Sync:  SyncConfig{Primary: anchors(trn.SourceTRN, 5, 6, 8, 8)},
		Rate:  2,
		Clock: clock,
	})
	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, clock.Sleeps())
}

func TestSessionRejectsNegativeRate(t *testing.T) {
	_, err := NewSession(SessionConfig{Dispatcher: localDispatcher(), Rate: -1})
	assert.Error(t, err)
	_, err = NewSession(SessionConfig{})
	assert.Error(t, err)
}

type failingTarget struct{ calls int }

func (f *failingTarget) Name() string { return "flaky" }
func (f *failingTarget) Close() error { return nil }
func (f *failingTarget) Forward(_ context.Context, p trn.Pair) (dispatch.Outcome, error) {
	f.calls++
	if f.calls == 2 {
		return dispatch.Outcome{}, errors.New("connection reset")
	}
	return dispatch.Outcome{Accepted: true}, nil
}

func TestSessionContinuesAfterForwardFailure(t *testing.T) {
	rec := &recorder{}
	s := newTestSession(t, SessionConfig{
		Sync:       SyncConfig{Primary: anchors(trn.SourceTRN, 1, 2, 3)},
		Dispatcher: dispatch.NewWithTarget(&failingTarget{}, 0),
		Sinks:      []StepSink{rec},
	})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 3, sum.Pairs)
	assert.Equal(t, dispatch.Counters{LastTime: 3, Updates: 2, Failures: 1}, sum.Counters)
	var te *trn.TransportError
	assert.ErrorAs(t, rec.steps[1].Err, &te)
}

func TestSinkErrorsAreCounted(t *testing.T) {
	broken := SinkFunc(func(StepResult) error { return errors.New("disk full") })
	s := newTestSession(t, SessionConfig{
		Sync:  SyncConfig{Primary: anchors(trn.SourceTRN, 1, 2)},
		Sinks: []StepSink{broken},
	})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, sum.SinkErrors)
	assert.EqualValues(t, 2, sum.Counters.Updates)
}

func TestSessionReplayIsIdempotent(t *testing.T) {
	run := func() ([]trn.Pair, dispatch.Counters) {
		rec := &recorder{}
		s := newTestSession(t, SessionConfig{
			Sync: SyncConfig{
				Primary: anchors(trn.SourceTRN, 1, 2, 3, 4),
				DVL:     dvlRecords(1.1, 2.9, 3.05),
				Nav:     navRecords(0.8, 2.2, 4.4),
			},
			Sinks: []StepSink{rec},
		})
		sum, err := s.Run(context.Background())
		require.NoError(t, err)
		var pairs []trn.Pair
		for _, step := range rec.steps {
			pairs = append(pairs, step.Pair)
		}
		return pairs, sum.Counters
	}
	p1, c1 := run()
	p2, c2 := run()
	if diff := cmp.Diff(p1, p2); diff != "" {
		t.Errorf("pair sequences differ (-first +second):\n%s", diff)
	}
	assert.Equal(t, c1, c2)
}

func TestSessionCancellationDuringPacing(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1_700_000_000, 0))
	clock.SetManual(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &recorder{}
	s := newTestSession(t, SessionConfig{
		Sync:  SyncConfig{Primary: anchors(trn.SourceTRN, 100, 103)},
		Sinks: []StepSink{rec},
		Rate:  1,
		Clock: clock,
	})

	// The second pair waits three recorded seconds; cancel while it waits.
	go func() {
		for clock.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	done := make(chan struct{})
	var sum Summary
	var err error
	go func() {
		sum, err = s.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation during a pacing wait")
	}

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sum.Cancelled)
	assert.EqualValues(t, 1, sum.Pairs)
	assert.Equal(t, dispatch.Counters{LastTime: 100, Updates: 1}, sum.Counters)
	require.Len(t, rec.steps, 1)
	assert.Zero(t, clock.Pending(), "the pacing timer is stopped")
}

func TestSnapshotOffsetsTrackSummary(t *testing.T) {
	const n = 2000
	times := make([]float64, n)
	dvl := make([]float64, n)
	nav := make([]float64, n)
	for i := range times {
		times[i] = 1000 + float64(i)
		dvl[i] = times[i] + 0.01*float64(i%7) - 0.03
		nav[i] = times[i] - 0.02*float64(i%5)
	}
	s := newTestSession(t, SessionConfig{
		Sync: SyncConfig{
			Primary: anchors(trn.SourceTRN, times...),
			DVL:     dvlRecords(dvl...),
			Nav:     navRecords(nav...),
		},
	})
	sum, err := s.Run(context.Background())
	require.NoError(t, err)

	snap := s.Snapshot()
	for _, c := range []struct {
		name        string
		snap, exact OffsetStats
	}{
		{"dvl", snap.DVLOffsets, sum.DVLOffsets},
		{"nav", snap.NavOffsets, sum.NavOffsets},
	} {
		assert.Equal(t, n, c.exact.N, c.name)
		assert.Equal(t, c.exact.N, c.snap.N, c.name)
		assert.InDelta(t, c.exact.Mean, c.snap.Mean, 1e-9, c.name)
		assert.InDelta(t, c.exact.StdDev, c.snap.StdDev, 1e-9, c.name)
		assert.InDelta(t, c.exact.MaxAbs, c.snap.MaxAbs, 1e-12, c.name)
	}
}

func TestLongSessionRunsInLinearTime(t *testing.T) {
	if testing.Short() {
		t.Skip("long session")
	}
	const n = 80000
	times := make([]float64, n)
	dvl := make([]float64, n)
	for i := range times {
		times[i] = 1000 + 0.5*float64(i)
		dvl[i] = times[i] + 0.05
	}
	s := newTestSession(t, SessionConfig{
		Sync: SyncConfig{Primary: anchors(trn.SourceTRN, times...), DVL: dvlRecords(dvl...)},
	})
	start := time.Now()
	sum, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, n, sum.DVLMatched)
	assert.Less(t, time.Since(start), 10*time.Second)
}
