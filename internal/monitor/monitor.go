// Package monitor exposes a running replay to supervisors: a gRPC health
// service and read-only JSON views of the session counters.
package monitor

import (
	"net"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/trn.replay/internal/dispatch"
	"github.com/banshee-data/trn.replay/internal/httputil"
	"github.com/banshee-data/trn.replay/internal/replay"
)

// ServiceName is the health service name reported while a session runs.
const ServiceName = "trn.replay.Session"

// Health serves grpc.health.v1 for the replay. Both the overall ("") and
// the ServiceName status track the session: SERVING while replaying and
// NOT_SERVING once it is done.
type Health struct {
	server *grpc.Server
	health *health.Server
}

func NewHealth() *Health {
	srv := grpc.NewServer()
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	h := &Health{server: srv, health: hs}
	h.SetReplaying(false)
	return h
}

// SetReplaying updates the serving status.
func (h *Health) SetReplaying(replaying bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if replaying {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving health checks on lis until Stop.
func (h *Health) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// Stop marks everything NOT_SERVING and stops the server.
func (h *Health) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

// Snapshotter is satisfied by *replay.Session.
type Snapshotter interface {
	Snapshot() replay.Summary
}

// Counters is the /debug/counters payload.
type Counters struct {
	SessionID string `json:"session_id"`
	dispatch.Counters
	Pairs      int64 `json:"pairs"`
	Forwarded  int64 `json:"forwarded"`
	SinkErrors int64 `json:"sink_errors"`
	Done       bool  `json:"done"`
}

// CountersHandler serves the dispatcher counters of the latest snapshot.
func CountersHandler(s Snapshotter) http.Handler {
	return httputil.ReadOnly(func(w http.ResponseWriter, r *http.Request) {
		sum := s.Snapshot()
		httputil.WriteJSON(w, http.StatusOK, Counters{
			SessionID:  sum.SessionID,
			Counters:   sum.Counters,
			Pairs:      sum.Pairs,
			Forwarded:  sum.Forwarded(),
			SinkErrors: sum.SinkErrors,
			Done:       sum.Done,
		})
	})
}

// SummaryHandler serves the full summary of the latest snapshot.
func SummaryHandler(s Snapshotter) http.Handler {
	return httputil.ReadOnly(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, s.Snapshot())
	})
}
