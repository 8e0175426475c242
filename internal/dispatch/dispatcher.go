// Package dispatch forwards matched pairs to a navigation filter, either an
// engine running in process or a remote filter host, and keeps the
// session counters.
package dispatch

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/transport"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// BusHost is the host value that selects the message bus.
const BusHost = config.BusHost

// Options configures New.
type Options struct {
	// Engine backs the local target. Nil means NewNullEngine.
	Engine Engine
	// Fallback switches to the local target when the remote host cannot
	// be reached at construction.
	Fallback bool
	// Timeout bounds connecting and every remote roundtrip.
	Timeout time.Duration
	// BusAddress is the bus endpoint; empty means
	// transport.DefaultBusAddress.
	BusAddress string
	// SessionID is sent to remote hosts in the Init message.
	SessionID string
}

// Counters is the running state of a session.
type Counters struct {
	LastTime float64 `json:"last_time"`
	Updates  int64   `json:"updates"`
	Reinits  int64   `json:"reinits"`
	Failures int64   `json:"failures"`
}

// Dispatcher owns the target and the counters. It is not safe for
// concurrent use; the replay loop is its only caller.
type Dispatcher struct {
	target   Target
	phiBias  float64
	counters Counters
	fellBack bool
}

// New selects and connects the target for attrs. The remote handshake is
// tried once; without opts.Fallback a failure returns *trn.TransportError.
func New(ctx context.Context, attrs config.Attributes, opts Options) (*Dispatcher, error) {
	d := &Dispatcher{phiBias: attrs.PhiBias}
	local := func() Target {
		return NewLocalTarget(opts.Engine, PolicyFromAttributes(attrs))
	}

	if !attrs.UsesRemote() {
		d.target = local()
		return d, nil
	}

	target, addr, err := connect(ctx, attrs, opts)
	if err == nil {
		monitoring.Logf("[dispatch] connected to filter at %s", addr)
		d.target = target
		return d, nil
	}

	te := &trn.TransportError{Op: "connect", Addr: addr, Err: err}
	if !opts.Fallback {
		return nil, te
	}
	monitoring.Logf("[dispatch] %v; using local filter", te)
	d.target = local()
	d.fellBack = true
	return d, nil
}

func connect(ctx context.Context, attrs config.Attributes, opts Options) (Target, string, error) {
	var client transport.Client
	var addr string
	if attrs.UsesBus() {
		addr = opts.BusAddress
		if addr == "" {
			addr = transport.DefaultBusAddress
		}
		c, err := transport.DialBus(addr, opts.Timeout)
		if err != nil {
			return nil, addr, err
		}
		client = c
	} else {
		addr = net.JoinHostPort(attrs.Host, strconv.Itoa(attrs.Port))
		c, err := transport.DialTCP(ctx, addr, opts.Timeout)
		if err != nil {
			return nil, addr, err
		}
		client = c
	}

	target, err := NewRemoteTarget(ctx, client, InitFromAttributes(opts.SessionID, attrs))
	if err != nil {
		client.Close()
		return nil, addr, err
	}
	return target, addr, nil
}

// NewWithTarget builds a Dispatcher around an existing target.
func NewWithTarget(t Target, phiBias float64) *Dispatcher {
	return &Dispatcher{target: t, phiBias: phiBias}
}

// Target returns the name of the selected target.
func (d *Dispatcher) Target() string { return d.target.Name() }

// FellBack reports whether the remote host was unreachable and the local
// target was chosen instead.
func (d *Dispatcher) FellBack() bool { return d.fellBack }

// Dispatch forwards one pair. A forwarding failure or rejection returns
// *trn.TransportError and counts a failure; the counters otherwise only
// move forward.
func (d *Dispatcher) Dispatch(ctx context.Context, pair trn.Pair) (Outcome, error) {
	if pair.Pose.Time != trn.NoTime {
		pair.Pose.Phi += d.phiBias
	}

	out, err := d.target.Forward(ctx, pair)
	if err == nil && !out.Accepted {
		err = ErrRejected
	}
	if err != nil {
		d.counters.Failures++
		var te *trn.TransportError
		if errors.As(err, &te) {
			return out, te
		}
		return out, &trn.TransportError{Op: "forward", Addr: d.target.Name(), Err: err}
	}

	d.counters.Updates++
	if pair.Time > d.counters.LastTime {
		d.counters.LastTime = pair.Time
	}
	if out.Reinitialized {
		d.counters.Reinits++
	}
	return out, nil
}

// Counters returns a copy of the session counters.
func (d *Dispatcher) Counters() Counters {
	return d.counters
}

// Close releases the target.
func (d *Dispatcher) Close() error {
	return d.target.Close()
}
