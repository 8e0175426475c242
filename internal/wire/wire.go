// Package wire encodes the messages exchanged with a remote filter and the
// pair records stored in captures. Messages are protobuf wire format
// written by hand with protowire; every message travels inside an
// Envelope naming its type.
package wire

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/trn.replay/internal/trn"
)

// MsgType identifies the body of an Envelope.
type MsgType uint64

const (
	MsgInit   MsgType = 1
	MsgUpdate MsgType = 2
	MsgAck    MsgType = 3
	MsgPair   MsgType = 4
	MsgBye    MsgType = 5
)

func (t MsgType) String() string {
	switch t {
	case MsgInit:
		return "init"
	case MsgUpdate:
		return "update"
	case MsgAck:
		return "ack"
	case MsgPair:
		return "pair"
	case MsgBye:
		return "bye"
	}
	return fmt.Sprintf("msg(%d)", uint64(t))
}

// ErrMalformed is returned for bytes that do not decode.
var ErrMalformed = errors.New("wire: malformed message")

// Envelope frames a typed message body.
type Envelope struct {
	Type MsgType
	Body []byte
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Body)
	return b
}

// UnmarshalEnvelope decodes an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Type = MsgType(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Body = v
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return Envelope{}, err
	}
	if e.Type == 0 {
		return Envelope{}, fmt.Errorf("%w: envelope without type", ErrMalformed)
	}
	return e, nil
}

// walk iterates the fields of b. fn consumes the value of a field and
// returns its length; returning -1 skips an unknown field.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == -1 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 && !math.Signbit(v) {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// field readers; each returns the consumed length, or -1 on a type
// mismatch so the value is skipped.

func readDouble(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return -1
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

func readVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func readSigned(typ protowire.Type, b []byte, dst *int64) int {
	var u uint64
	n := readVarint(typ, b, &u)
	if n >= 0 {
		*dst = protowire.DecodeZigZag(u)
	}
	return n
}

func readBool(typ protowire.Type, b []byte, dst *bool) int {
	var u uint64
	n := readVarint(typ, b, &u)
	if n >= 0 {
		*dst = u != 0
	}
	return n
}

func readString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func readMessage(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// Pose field numbers.
const (
	poseTime protowire.Number = iota + 1
	poseNorth
	poseEast
	poseDepth
	posePhi
	poseTheta
	posePsi
	poseWx
	poseWy
	poseWz
	poseVx
	poseVy
	poseVz
	poseCovN
	poseCovE
	poseCovD
	poseGPSValid
	poseBottomLock
	poseDVLValid
)

// AppendPose encodes p.
func AppendPose(b []byte, p *trn.Pose) []byte {
	doubles := []struct {
		num protowire.Number
		v   float64
	}{
		{poseTime, p.Time}, {poseNorth, p.North}, {poseEast, p.East}, {poseDepth, p.Depth},
		{posePhi, p.Phi}, {poseTheta, p.Theta}, {posePsi, p.Psi},
		{poseWx, p.Wx}, {poseWy, p.Wy}, {poseWz, p.Wz},
		{poseVx, p.Vx}, {poseVy, p.Vy}, {poseVz, p.Vz},
		{poseCovN, p.Cov[0]}, {poseCovE, p.Cov[1]}, {poseCovD, p.Cov[2]},
	}
	for _, d := range doubles {
		b = appendDouble(b, d.num, d.v)
	}
	b = appendBool(b, poseGPSValid, p.GPSValid)
	b = appendBool(b, poseBottomLock, p.BottomLock)
	b = appendBool(b, poseDVLValid, p.DVLValid)
	return b
}

// UnmarshalPose decodes a pose.
func UnmarshalPose(b []byte) (trn.Pose, error) {
	var p trn.Pose
	targets := map[protowire.Number]*float64{
		poseTime: &p.Time, poseNorth: &p.North, poseEast: &p.East, poseDepth: &p.Depth,
		posePhi: &p.Phi, poseTheta: &p.Theta, posePsi: &p.Psi,
		poseWx: &p.Wx, poseWy: &p.Wy, poseWz: &p.Wz,
		poseVx: &p.Vx, poseVy: &p.Vy, poseVz: &p.Vz,
		poseCovN: &p.Cov[0], poseCovE: &p.Cov[1], poseCovD: &p.Cov[2],
	}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if dst, ok := targets[num]; ok {
			return readDouble(typ, b, dst), nil
		}
		switch num {
		case poseGPSValid:
			return readBool(typ, b, &p.GPSValid), nil
		case poseBottomLock:
			return readBool(typ, b, &p.BottomLock), nil
		case poseDVLValid:
			return readBool(typ, b, &p.DVLValid), nil
		}
		return -1, nil
	})
	return p, err
}

// Measurement field numbers.
const (
	measTime protowire.Number = iota + 1
	measType
	measPing
	measNumBeams
	measRange
	measValid
	measBottomLock
	measVelocity
)

// AppendMeas encodes m. Ranges, validity and velocity are repeated
// fields, one entry per element.
func AppendMeas(b []byte, m *trn.Meas) []byte {
	b = appendDouble(b, measTime, m.Time)
	b = appendSigned(b, measType, int64(m.DataType))
	b = appendSigned(b, measPing, m.Ping)
	b = appendSigned(b, measNumBeams, int64(m.NumBeams))
	for _, r := range m.Ranges {
		b = protowire.AppendTag(b, measRange, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(r))
	}
	for _, v := range m.Valid {
		b = protowire.AppendTag(b, measValid, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v))
	}
	b = appendBool(b, measBottomLock, m.BottomLock)
	for _, v := range m.Velocity {
		b = protowire.AppendTag(b, measVelocity, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// UnmarshalMeas decodes a measurement.
func UnmarshalMeas(b []byte) (trn.Meas, error) {
	var m trn.Meas
	var vel []float64
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case measTime:
			return readDouble(typ, b, &m.Time), nil
		case measType:
			var v int64
			n := readSigned(typ, b, &v)
			m.DataType = trn.SensorType(v)
			return n, nil
		case measPing:
			return readSigned(typ, b, &m.Ping), nil
		case measNumBeams:
			var v int64
			n := readSigned(typ, b, &v)
			m.NumBeams = int(v)
			return n, nil
		case measRange:
			var v float64
			n := readDouble(typ, b, &v)
			if n >= 0 {
				m.Ranges = append(m.Ranges, v)
			}
			return n, nil
		case measValid:
			var v bool
			n := readBool(typ, b, &v)
			if n >= 0 {
				m.Valid = append(m.Valid, v)
			}
			return n, nil
		case measBottomLock:
			return readBool(typ, b, &m.BottomLock), nil
		case measVelocity:
			var v float64
			n := readDouble(typ, b, &v)
			if n >= 0 {
				vel = append(vel, v)
			}
			return n, nil
		}
		return -1, nil
	})
	if err != nil {
		return trn.Meas{}, err
	}
	if m.NumBeams < 0 || m.NumBeams > len(m.Ranges) || len(m.Valid) != len(m.Ranges) {
		return trn.Meas{}, fmt.Errorf("%w: %d beams with %d ranges and %d flags", ErrMalformed, m.NumBeams, len(m.Ranges), len(m.Valid))
	}
	copy(m.Velocity[:], vel)
	return m, nil
}
