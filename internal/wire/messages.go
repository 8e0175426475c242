package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/trn.replay/internal/trn"
)

// Init opens a remote filter session. It carries the mission attributes the
// filter needs to build itself.
type Init struct {
	SessionID         string
	MapFile           string
	MapType           int64
	FilterType        int64
	ParticlesFile     string
	VehicleCfg        string
	SensorType        int64
	ModifiedWeighting int64
	ForceLowGrade     bool
	AllowReinits      bool
	MaxNorthingCov    float64
	MaxEastingCov     float64
	MaxNorthingError  float64
	MaxEastingError   float64
}

// Marshal wraps the message in an envelope.
func (m Init) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.SessionID)
	b = appendString(b, 2, m.MapFile)
	b = appendSigned(b, 3, m.MapType)
	b = appendSigned(b, 4, m.FilterType)
	b = appendString(b, 5, m.ParticlesFile)
	b = appendString(b, 6, m.VehicleCfg)
	b = appendSigned(b, 7, m.SensorType)
	b = appendSigned(b, 8, m.ModifiedWeighting)
	b = appendBool(b, 9, m.ForceLowGrade)
	b = appendBool(b, 10, m.AllowReinits)
	b = appendDouble(b, 11, m.MaxNorthingCov)
	b = appendDouble(b, 12, m.MaxEastingCov)
	b = appendDouble(b, 13, m.MaxNorthingError)
	b = appendDouble(b, 14, m.MaxEastingError)
	return Envelope{Type: MsgInit, Body: b}.Marshal()
}

// UnmarshalInit decodes an Init body.
func UnmarshalInit(b []byte) (Init, error) {
	var m Init
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readString(typ, b, &m.SessionID), nil
		case 2:
			return readString(typ, b, &m.MapFile), nil
		case 3:
			return readSigned(typ, b, &m.MapType), nil
		case 4:
			return readSigned(typ, b, &m.FilterType), nil
		case 5:
			return readString(typ, b, &m.ParticlesFile), nil
		case 6:
			return readString(typ, b, &m.VehicleCfg), nil
		case 7:
			return readSigned(typ, b, &m.SensorType), nil
		case 8:
			return readSigned(typ, b, &m.ModifiedWeighting), nil
		case 9:
			return readBool(typ, b, &m.ForceLowGrade), nil
		case 10:
			return readBool(typ, b, &m.AllowReinits), nil
		case 11:
			return readDouble(typ, b, &m.MaxNorthingCov), nil
		case 12:
			return readDouble(typ, b, &m.MaxEastingCov), nil
		case 13:
			return readDouble(typ, b, &m.MaxNorthingError), nil
		case 14:
			return readDouble(typ, b, &m.MaxEastingError), nil
		}
		return -1, nil
	})
	return m, err
}

// Update carries one matched pair to the filter.
type Update struct {
	Seq  int64
	Time float64
	Pose trn.Pose
	Meas trn.Meas
}

// Marshal wraps the message in an envelope.
func (m Update) Marshal() []byte {
	var b []byte
	b = appendSigned(b, 1, m.Seq)
	b = appendMessage(b, 2, AppendPose(nil, &m.Pose))
	b = appendMessage(b, 3, AppendMeas(nil, &m.Meas))
	b = appendDouble(b, 4, m.Time)
	return Envelope{Type: MsgUpdate, Body: b}.Marshal()
}

// UnmarshalUpdate decodes an Update body.
func UnmarshalUpdate(b []byte) (Update, error) {
	var m Update
	var pose, meas []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readSigned(typ, b, &m.Seq), nil
		case 2:
			return readMessage(typ, b, &pose), nil
		case 3:
			return readMessage(typ, b, &meas), nil
		case 4:
			return readDouble(typ, b, &m.Time), nil
		}
		return -1, nil
	})
	if err != nil {
		return Update{}, err
	}
	if m.Pose, err = UnmarshalPose(pose); err != nil {
		return Update{}, fmt.Errorf("pose: %w", err)
	}
	if m.Meas, err = UnmarshalMeas(meas); err != nil {
		return Update{}, fmt.Errorf("meas: %w", err)
	}
	return m, nil
}

// Ack answers an Init or Update. Error is set when the filter could not
// apply the message.
type Ack struct {
	Seq           int64
	Accepted      bool
	Reinitialized bool
	Reinits       int64
	Error         string
}

// Marshal wraps the message in an envelope.
func (m Ack) Marshal() []byte {
	var b []byte
	b = appendSigned(b, 1, m.Seq)
	b = appendBool(b, 2, m.Accepted)
	b = appendBool(b, 3, m.Reinitialized)
	b = appendSigned(b, 4, m.Reinits)
	b = appendString(b, 5, m.Error)
	return Envelope{Type: MsgAck, Body: b}.Marshal()
}

// UnmarshalAck decodes an Ack body.
func UnmarshalAck(b []byte) (Ack, error) {
	var m Ack
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readSigned(typ, b, &m.Seq), nil
		case 2:
			return readBool(typ, b, &m.Accepted), nil
		case 3:
			return readBool(typ, b, &m.Reinitialized), nil
		case 4:
			return readSigned(typ, b, &m.Reinits), nil
		case 5:
			return readString(typ, b, &m.Error), nil
		}
		return -1, nil
	})
	return m, err
}

// Bye closes a remote session.
func Bye() []byte {
	return Envelope{Type: MsgBye}.Marshal()
}

// MarshalPair encodes a matched pair as a capture record.
func MarshalPair(p trn.Pair) []byte {
	var b []byte
	b = appendSigned(b, 1, p.Seq)
	b = appendDouble(b, 2, p.Time)
	b = appendString(b, 3, string(p.Anchor))
	b = appendMessage(b, 4, AppendPose(nil, &p.Pose))
	b = appendMessage(b, 5, AppendMeas(nil, &p.Meas))
	b = appendBool(b, 6, p.NavMatched)
	b = appendBool(b, 7, p.DVLMatched)
	b = appendDouble(b, 8, p.NavDt)
	b = appendDouble(b, 9, p.DVLDt)
	return Envelope{Type: MsgPair, Body: b}.Marshal()
}

// UnmarshalPair decodes a Pair body.
func UnmarshalPair(b []byte) (trn.Pair, error) {
	var p trn.Pair
	var anchor string
	var pose, meas []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return readSigned(typ, b, &p.Seq), nil
		case 2:
			return readDouble(typ, b, &p.Time), nil
		case 3:
			return readString(typ, b, &anchor), nil
		case 4:
			return readMessage(typ, b, &pose), nil
		case 5:
			return readMessage(typ, b, &meas), nil
		case 6:
			return readBool(typ, b, &p.NavMatched), nil
		case 7:
			return readBool(typ, b, &p.DVLMatched), nil
		case 8:
			return readDouble(typ, b, &p.NavDt), nil
		case 9:
			return readDouble(typ, b, &p.DVLDt), nil
		}
		return -1, nil
	})
	if err != nil {
		return trn.Pair{}, err
	}
	p.Anchor = trn.SourceKind(anchor)
	if p.Pose, err = UnmarshalPose(pose); err != nil {
		return trn.Pair{}, fmt.Errorf("pose: %w", err)
	}
	if p.Meas, err = UnmarshalMeas(meas); err != nil {
		return trn.Pair{}, fmt.Errorf("meas: %w", err)
	}
	return p, nil
}
