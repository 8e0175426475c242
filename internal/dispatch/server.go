package dispatch

import (
	"context"

	"github.com/banshee-data/trn.replay/internal/monitoring"
	"github.com/banshee-data/trn.replay/internal/transport"
	"github.com/banshee-data/trn.replay/internal/trn"
	"github.com/banshee-data/trn.replay/internal/wire"
)

// EngineFactory builds the engine for a remote session.
type EngineFactory func(hello wire.Init) (Engine, error)

// serverHandler hosts one remote session on the filter side.
type serverHandler struct {
	newEngine EngineFactory
	target    *LocalTarget
}

// NewServerHandler returns a handler that serves filter sessions with
// engines from newEngine. An Init replaces any open session.
func NewServerHandler(newEngine EngineFactory) transport.Handler {
	return &serverHandler{newEngine: newEngine}
}

// NewServerHandlerFactory adapts NewServerHandler for transport.TCPServer.
func NewServerHandlerFactory(newEngine EngineFactory) transport.HandlerFactory {
	return func() transport.Handler { return NewServerHandler(newEngine) }
}

func (h *serverHandler) Handle(req []byte) []byte {
	env, err := wire.UnmarshalEnvelope(req)
	if err != nil {
		return wire.Ack{Error: err.Error()}.Marshal()
	}

	switch env.Type {
	case wire.MsgInit:
		hello, err := wire.UnmarshalInit(env.Body)
		if err != nil {
			return wire.Ack{Error: err.Error()}.Marshal()
		}
		h.close()
		engine, err := h.newEngine(hello)
		if err != nil {
			return wire.Ack{Error: err.Error()}.Marshal()
		}
		h.target = NewLocalTarget(engine, HealthPolicy{
			MaxNorthingCov:   hello.MaxNorthingCov,
			MaxEastingCov:    hello.MaxEastingCov,
			MaxNorthingError: hello.MaxNorthingError,
			MaxEastingError:  hello.MaxEastingError,
			AllowReinits:     hello.AllowReinits,
		})
		monitoring.Logf("[dispatch] session %s opened (map %s, filter type %d)", hello.SessionID, hello.MapFile, hello.FilterType)
		return wire.Ack{Accepted: true}.Marshal()

	case wire.MsgUpdate:
		upd, err := wire.UnmarshalUpdate(env.Body)
		if err != nil {
			return wire.Ack{Error: err.Error()}.Marshal()
		}
		if h.target == nil {
			return wire.Ack{Seq: upd.Seq, Error: "no session"}.Marshal()
		}
		out, err := h.target.Forward(context.Background(), trn.Pair{Seq: upd.Seq, Time: upd.Time, Pose: upd.Pose, Meas: upd.Meas})
		ack := wire.Ack{Seq: upd.Seq, Accepted: out.Accepted, Reinitialized: out.Reinitialized, Reinits: h.target.Reinits()}
		if err != nil {
			ack.Error = err.Error()
		}
		return ack.Marshal()

	case wire.MsgBye:
		h.close()
		return wire.Ack{Accepted: true}.Marshal()
	}
	return wire.Ack{Error: "unexpected " + env.Type.String()}.Marshal()
}

func (h *serverHandler) close() {
	if h.target != nil {
		h.target.Close()
		h.target = nil
	}
}
