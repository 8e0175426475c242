package dispatch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/transport"
	"github.com/banshee-data/trn.replay/internal/trn"
	"github.com/banshee-data/trn.replay/internal/wire"
)

// scriptedEngine reports a fixed estimate and records what it was fed.
type scriptedEngine struct {
	est     Estimate
	measErr error
	poses   []trn.Pose
	meas    int
	reinits int
	closed  bool
}

func (e *scriptedEngine) MotionUpdate(p *trn.Pose) error {
	e.poses = append(e.poses, *p)
	return nil
}

func (e *scriptedEngine) MeasUpdate(m *trn.Meas) (bool, error) {
	if e.measErr != nil {
		return false, e.measErr
	}
	e.meas++
	return true, nil
}

func (e *scriptedEngine) Estimate() (Estimate, error) { return e.est, nil }
func (e *scriptedEngine) Reinit() error               { e.reinits++; return nil }
func (e *scriptedEngine) Close() error                { e.closed = true; return nil }

func testPair(seq int64, ts float64) trn.Pair {
	return trn.Pair{
		Seq:    seq,
		Time:   ts,
		Anchor: trn.SourceTRN,
		Pose:   trn.Pose{Time: ts, North: 100, East: 200, Depth: 50, Phi: 0.1, Cov: [3]float64{1, 1, 1}},
		Meas: trn.Meas{
			Time: ts, DataType: trn.SensorDVL, NumBeams: 2,
			Ranges: []float64{30, 31}, Valid: []bool{true, true},
		},
	}
}

func baseAttrs() config.Attributes {
	a := config.DefaultAttributes()
	a.MapFile = "PortTiles"
	a.FilterType = 2
	return a
}

func TestLocalDispatchCounters(t *testing.T) {
	d, err := New(context.Background(), baseAttrs(), Options{})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, "local", d.Target())

	for i, ts := range []float64{10, 11, 12} {
		out, err := d.Dispatch(context.Background(), testPair(int64(i), ts))
		require.NoError(t, err)
		assert.True(t, out.Accepted)
		assert.True(t, out.MeasUsed)
	}

	c := d.Counters()
	assert.Equal(t, Counters{LastTime: 12, Updates: 3}, c)

	// Counters returns a copy.
	c.Updates = 99
	assert.EqualValues(t, 3, d.Counters().Updates)
}

func TestSentinelHalvesAreNotApplied(t *testing.T) {
	eng := &scriptedEngine{}
	d := NewWithTarget(NewLocalTarget(eng, HealthPolicy{}), 0)

	pair := trn.Pair{Seq: 1, Time: 5, Pose: trn.SentinelPose(), Meas: trn.SentinelMeas()}
	out, err := d.Dispatch(context.Background(), pair)
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.False(t, out.MeasUsed)
	assert.Empty(t, eng.poses)
	assert.Zero(t, eng.meas)
}

func TestPhiBiasIsApplied(t *testing.T) {
	eng := &scriptedEngine{}
	attrs := baseAttrs()
	attrs.PhiBias = 0.05
	d, err := New(context.Background(), attrs, Options{Engine: eng})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), testPair(1, 10))
	require.NoError(t, err)
	require.Len(t, eng.poses, 1)
	assert.InDelta(t, 0.15, eng.poses[0].Phi, 1e-12)
}

func TestHealthCheckReinit(t *testing.T) {
	unhealthy := Estimate{North: 100, East: 200, Cov: [3]float64{5000, 1, 1}}

	tests := []struct {
		name        string
		allow       bool
		wantReinits int64
	}{
		{"reinit disabled", false, 0},
		{"reinit enabled", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &scriptedEngine{est: unhealthy}
			attrs := baseAttrs()
			attrs.MaxNorthingCov = 3600
			attrs.AllowFilterReinits = tt.allow

			d, err := New(context.Background(), attrs, Options{Engine: eng})
			require.NoError(t, err)

			out, err := d.Dispatch(context.Background(), testPair(1, 10))
			require.NoError(t, err)
			assert.Equal(t, tt.allow, out.Reinitialized)

			c := d.Counters()
			assert.EqualValues(t, 1, c.Updates, "an unhealthy estimate still counts as an update")
			assert.Equal(t, tt.wantReinits, c.Reinits)
			assert.Equal(t, int(tt.wantReinits), eng.reinits)
		})
	}
}

func TestHealthPolicyCheck(t *testing.T) {
	pose := &trn.Pose{Time: 1, North: 0, East: 0}
	p := HealthPolicy{MaxNorthingCov: 10, MaxEastingCov: 10, MaxNorthingError: 5, MaxEastingError: 5}

	assert.Empty(t, p.Check(Estimate{North: 1, East: 1}, pose))
	assert.Contains(t, p.Check(Estimate{Cov: [3]float64{11, 0, 0}}, pose), "northing variance")
	assert.Contains(t, p.Check(Estimate{Cov: [3]float64{0, 11, 0}}, pose), "easting variance")
	assert.Contains(t, p.Check(Estimate{North: 6}, pose), "northing error")
	assert.Contains(t, p.Check(Estimate{East: -6}, pose), "easting error")
	assert.Empty(t, p.Check(Estimate{North: 600}, nil), "no pose means no error check")
	assert.Empty(t, HealthPolicy{}.Check(Estimate{Cov: [3]float64{1e9, 1e9, 1e9}}, pose), "zero ceilings disable checks")
}

func TestFailedForwardIsCountedAndSessionContinues(t *testing.T) {
	eng := &scriptedEngine{measErr: errors.New("beam geometry")}
	d := NewWithTarget(NewLocalTarget(eng, HealthPolicy{}), 0)

	_, err := d.Dispatch(context.Background(), testPair(1, 10))
	var te *trn.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "forward", te.Op)

	eng.measErr = nil
	_, err = d.Dispatch(context.Background(), testPair(2, 11))
	require.NoError(t, err)

	assert.Equal(t, Counters{LastTime: 11, Updates: 1, Failures: 1}, d.Counters())
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestUnreachableRemoteWithoutFallback(t *testing.T) {
	attrs := baseAttrs()
	attrs.Host = "127.0.0.1"
	attrs.Port = closedPort(t)

	d, err := New(context.Background(), attrs, Options{Timeout: time.Second})
	assert.Nil(t, d)
	var te *trn.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "connect", te.Op)
	assert.Contains(t, te.Addr, "127.0.0.1:")
}

func TestUnreachableRemoteFallsBackToLocal(t *testing.T) {
	attrs := baseAttrs()
	attrs.Host = "127.0.0.1"
	attrs.Port = closedPort(t)

	d, err := New(context.Background(), attrs, Options{Timeout: time.Second, Fallback: true})
	require.NoError(t, err)
	assert.True(t, d.FellBack())
	assert.Equal(t, "local", d.Target())
}

func nullFactory(wire.Init) (Engine, error) {
	return NewNullEngine(), nil
}

func TestRemoteTCPTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := transport.NewTCPServer(NewServerHandlerFactory(nullFactory))
	go srv.Serve(ctx, ln)

	attrs := baseAttrs()
	attrs.Host = "127.0.0.1"
	attrs.Port = ln.Addr().(*net.TCPAddr).Port

	d, err := New(ctx, attrs, Options{Timeout: time.Second, SessionID: "tcp-test"})
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().String(), d.Target())

	for i, ts := range []float64{20, 21} {
		out, err := d.Dispatch(ctx, testPair(int64(i), ts))
		require.NoError(t, err)
		assert.True(t, out.Accepted)
	}
	assert.Equal(t, Counters{LastTime: 21, Updates: 2}, d.Counters())
	assert.NoError(t, d.Close())
}

func TestRemoteBusTarget(t *testing.T) {
	addr := "inproc://trn-dispatch-bus"
	srv, err := transport.ListenBus(addr, NewServerHandler(nullFactory))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	attrs := baseAttrs()
	attrs.Host = BusHost

	d, err := New(ctx, attrs, Options{Timeout: time.Second, BusAddress: addr})
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, addr, d.Target())

	_, err = d.Dispatch(ctx, testPair(1, 30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, d.Counters().Updates)
}

func TestServerHandlerProtocol(t *testing.T) {
	h := NewServerHandler(nullFactory)
	ack := func(resp []byte) wire.Ack {
		env, err := wire.UnmarshalEnvelope(resp)
		require.NoError(t, err)
		require.Equal(t, wire.MsgAck, env.Type)
		a, err := wire.UnmarshalAck(env.Body)
		require.NoError(t, err)
		return a
	}

	p := testPair(1, 10)
	a := ack(h.Handle(wire.Update{Seq: 1, Pose: p.Pose, Meas: p.Meas}.Marshal()))
	assert.Equal(t, "no session", a.Error)

	a = ack(h.Handle(wire.Init{MapFile: "m", FilterType: 1}.Marshal()))
	assert.True(t, a.Accepted)

	a = ack(h.Handle(wire.Update{Seq: 2, Time: 10, Pose: p.Pose, Meas: p.Meas}.Marshal()))
	assert.True(t, a.Accepted)
	assert.EqualValues(t, 2, a.Seq)

	a = ack(h.Handle([]byte{0xff}))
	assert.NotEmpty(t, a.Error)

	a = ack(h.Handle(wire.MarshalPair(p)))
	assert.Contains(t, a.Error, "unexpected pair")

	a = ack(h.Handle(wire.Bye()))
	assert.True(t, a.Accepted)
}

func TestNullEngine(t *testing.T) {
	e := NewNullEngine()
	_, err := e.Estimate()
	assert.ErrorIs(t, err, ErrNoPose)

	used, _ := e.MeasUpdate(&trn.Meas{NumBeams: 1, Ranges: []float64{1}, Valid: []bool{true}})
	assert.False(t, used, "no measurement is used before a pose")

	require.NoError(t, e.MotionUpdate(&trn.Pose{Time: 1, North: 3, Cov: [3]float64{2, 2, 2}}))
	used, _ = e.MeasUpdate(&trn.Meas{NumBeams: 1, Ranges: []float64{1}, Valid: []bool{true}})
	assert.True(t, used)

	est, err := e.Estimate()
	require.NoError(t, err)
	assert.Equal(t, 3.0, est.North)

	require.NoError(t, e.Reinit())
	assert.Equal(t, 1, e.Reinits())
}

// slowFirstUpdate answers update 0 late and flags it as a reinit; every
// other request goes to the real handler.
type slowFirstUpdate struct {
	inner transport.Handler
	delay time.Duration
}

func (h *slowFirstUpdate) Handle(req []byte) []byte {
	env, err := wire.UnmarshalEnvelope(req)
	if err == nil && env.Type == wire.MsgUpdate {
		if upd, err := wire.UnmarshalUpdate(env.Body); err == nil && upd.Seq == 0 {
			time.Sleep(h.delay)
			return wire.Ack{Seq: 0, Accepted: true, Reinitialized: true}.Marshal()
		}
	}
	return h.inner.Handle(req)
}

func TestLateAckIsNotCreditedToNextPair(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := transport.NewTCPServer(func() transport.Handler {
		return &slowFirstUpdate{inner: NewServerHandler(nullFactory), delay: 300 * time.Millisecond}
	})
	go srv.Serve(ctx, ln)

	attrs := baseAttrs()
	attrs.Host = "127.0.0.1"
	attrs.Port = ln.Addr().(*net.TCPAddr).Port

	d, err := New(ctx, attrs, Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Dispatch(ctx, testPair(0, 20))
	var te *trn.TransportError
	require.ErrorAs(t, err, &te, "update 0 times out")

	// Give the late ack time to land in the socket buffer.
	time.Sleep(300 * time.Millisecond)

	out, err := d.Dispatch(ctx, testPair(1, 21))
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.False(t, out.Reinitialized, "update 0's reinit must not be credited to update 1")

	out, err = d.Dispatch(ctx, testPair(2, 22))
	require.NoError(t, err)
	assert.False(t, out.Reinitialized)

	assert.Equal(t, Counters{LastTime: 22, Updates: 2, Failures: 1}, d.Counters())
}

func TestStaleAck(t *testing.T) {
	assert.True(t, staleAck(wire.Ack{Seq: 3, Accepted: true}, 4))
	assert.False(t, staleAck(wire.Ack{Seq: 4, Accepted: true}, 4))
	assert.False(t, staleAck(wire.Ack{Error: "malformed envelope"}, 4), "unsequenced error acks belong to the current update")
	assert.True(t, staleAck(wire.Ack{Seq: 2, Error: "no session"}, 4))
}
