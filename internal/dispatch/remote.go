package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/trn.replay/internal/config"
	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/transport"
	"github.com/banshee-data/trn.replay/internal/trn"
	"github.com/banshee-data/trn.replay/internal/wire"
)

// ErrRejected is returned when the remote filter refuses a message.
var ErrRejected = errors.New("rejected by filter")

// RemoteTarget forwards pairs to a filter host through a transport.Client.
type RemoteTarget struct {
	client transport.Client
}

// InitFromAttributes builds the session-opening message for a mission.
func InitFromAttributes(sessionID string, a config.Attributes) wire.Init {
	return wire.Init{
		SessionID:         sessionID,
		MapFile:           a.MapFile,
		MapType:           int64(a.MapType),
		FilterType:        int64(a.FilterType),
		ParticlesFile:     a.ParticlesFile,
		VehicleCfg:        a.VehicleCfg,
		SensorType:        int64(a.MeasurementType()),
		ModifiedWeighting: int64(a.UseModifiedWeighting),
		ForceLowGrade:     a.ForceLowGradeFilter,
		AllowReinits:      a.AllowFilterReinits,
		MaxNorthingCov:    a.MaxNorthingCov,
		MaxEastingCov:     a.MaxEastingCov,
		MaxNorthingError:  a.MaxNorthingError,
		MaxEastingError:   a.MaxEastingError,
	}
}

// NewRemoteTarget performs the Init handshake over client. The client is
// owned by the target afterwards.
func NewRemoteTarget(ctx context.Context, client transport.Client, hello wire.Init) (*RemoteTarget, error) {
	ack, err := roundtrip(ctx, client, hello.Marshal())
	if err != nil {
		return nil, err
	}
	if !ack.Accepted || ack.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return &RemoteTarget{client: client}, nil
}

func roundtrip(ctx context.Context, client transport.Client, msg []byte) (wire.Ack, error) {
	resp, err := client.Roundtrip(ctx, msg)
	if err != nil {
		return wire.Ack{}, err
	}
	return decodeAck(resp)
}

func decodeAck(resp []byte) (wire.Ack, error) {
	env, err := wire.UnmarshalEnvelope(resp)
	if err != nil {
		return wire.Ack{}, err
	}
	if env.Type != wire.MsgAck {
		return wire.Ack{}, fmt.Errorf("%w: got %v, want ack", wire.ErrMalformed, env.Type)
	}
	return wire.UnmarshalAck(env.Body)
}

// staleAck reports whether ack answers an update sent before seq. Error
// acks for undecodable requests carry no sequence and are never stale.
func staleAck(ack wire.Ack, seq int64) bool {
	if ack.Seq == 0 && ack.Error != "" {
		return false
	}
	return ack.Seq < seq
}

func (t *RemoteTarget) Name() string { return t.client.Addr() }

// Forward sends the pair as an Update and waits for its Ack. Late acks for
// earlier updates that timed out are read and discarded first.
func (t *RemoteTarget) Forward(ctx context.Context, pair trn.Pair) (Outcome, error) {
	ack, err := roundtrip(ctx, t.client, wire.Update{Seq: pair.Seq, Time: pair.Time, Pose: pair.Pose, Meas: pair.Meas}.Marshal())
	if err != nil {
		return Outcome{}, err
	}
	for staleAck(ack, pair.Seq) {
		rcv, ok := t.client.(transport.Receiver)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: ack for update %d, want %d", wire.ErrMalformed, ack.Seq, pair.Seq)
		}
		monitoring.Debugf("[dispatch] discarding late ack for update %d", ack.Seq)
		resp, err := rcv.Receive(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if ack, err = decodeAck(resp); err != nil {
			return Outcome{}, err
		}
	}
	if ack.Seq != pair.Seq && ack.Error == "" {
		return Outcome{}, fmt.Errorf("%w: ack for update %d, want %d", wire.ErrMalformed, ack.Seq, pair.Seq)
	}
	if ack.Error != "" {
		return Outcome{}, fmt.Errorf("%w: %s", ErrRejected, ack.Error)
	}
	return Outcome{Accepted: ack.Accepted, Reinitialized: ack.Reinitialized}, nil
}

// Close says goodbye to the host and closes the client.
func (t *RemoteTarget) Close() error {
	if _, err := t.client.Roundtrip(context.Background(), wire.Bye()); err != nil {
		t.client.Close()
		return err
	}
	return t.client.Close()
}
