package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/trn.replay/internal/dispatch"
	"github.com/banshee-data/trn.replay/internal/replay"
)

func startHealth(t *testing.T) (*Health, grpc_health_v1.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	h := NewHealth()
	go func() { _ = h.Serve(lis) }()
	t.Cleanup(h.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return h, grpc_health_v1.NewHealthClient(conn)
}

func check(t *testing.T, c grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthTracksReplay(t *testing.T) {
	h, client := startHealth(t)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, client, ""))

	h.SetReplaying(true)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, client, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check(t, client, ServiceName))

	h.SetReplaying(false)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName))
}

type fixedSnapshot replay.Summary

func (f fixedSnapshot) Snapshot() replay.Summary { return replay.Summary(f) }

func TestCountersHandler(t *testing.T) {
	snap := fixedSnapshot{
		SessionID:     "s1",
		Pairs:         10,
		ResumeSkipped: 3,
		Counters:      dispatch.Counters{LastTime: 1499100010, Updates: 6, Reinits: 1, Failures: 1},
	}

	rr := httptest.NewRecorder()
	CountersHandler(snap).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/counters", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, "s1", got["session_id"])
	assert.EqualValues(t, 6, got["updates"])
	assert.EqualValues(t, 1, got["failures"])
	assert.EqualValues(t, 1499100010, got["last_time"])
	assert.EqualValues(t, 7, got["forwarded"])
	assert.Equal(t, false, got["done"])

	rr = httptest.NewRecorder()
	CountersHandler(snap).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/debug/counters", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSummaryHandler(t *testing.T) {
	snap := fixedSnapshot{SessionID: "s2", Primary: "mbtrn", Done: true}

	rr := httptest.NewRecorder()
	SummaryHandler(snap).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/summary", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got replay.Summary
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, "s2", got.SessionID)
	assert.True(t, got.Done)
}
