package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/sage-points-indexer/internal/ledger"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/internal/monitor"
	"github.com/smartdevs17/sage-points-indexer/internal/points"
	"github.com/smartdevs17/sage-points-indexer/internal/service"
	"github.com/smartdevs17/sage-points-indexer/internal/storage"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	t0    = int64(1_700_000_000)
)

type fakeSync struct {
	health *monitor.HealthStatus
}

func (f *fakeSync) GetStats() monitor.Stats {
	return monitor.Stats{LastProcessedBlock: f.health.LastProcessedBlock, ChainHead: f.health.ChainHead}
}

func (f *fakeSync) GetHealth() *monitor.HealthStatus { return f.health }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	handler http.Handler
	metrics *metrics.Manager
	sync    *fakeSync
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	utils.InitLogger("error", "text", "discard", "")

	store := storage.NewSQLiteStorage(&storage.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "api.db"),
		MaxConnections:   4,
	})
	require.NoError(t, store.Connect())
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	l := ledger.New(store)
	ctx := context.Background()
	amount := decimal.New(200, 18)
	require.NoError(t, store.CommitBatch(ctx, 1000, func(tx storage.BatchTx) error {
		_, err := l.Apply(ctx, tx, &models.StakingEvent{
			Type:        models.EventDeposit,
			User:        alice,
			Nonce:       1,
			Amount:      &amount,
			Timestamp:   t0,
			BlockNumber: 1000,
			TxHash:      fmt.Sprintf("0x%064x", 1000),
		})
		return err
	}))

	engine := points.NewEngine(points.Rates{SagePerTokenPerDay: 0.01, FormationPerTokenPerDay: 0.005}, 18,
		points.WithClock(func() time.Time { return time.Unix(t0+86400, 0) }))

	ts := &testServer{
		metrics: metrics.NewManagerWithRegistry(prometheus.NewRegistry()),
		sync: &fakeSync{health: &monitor.HealthStatus{
			Healthy: true, LastProcessedBlock: 1000, ChainHead: 1000, StorageHealthy: true,
		}},
	}
	srv := NewHTTPServer(
		&ServerConfig{Host: "127.0.0.1", Port: 0, EnableMetrics: true, Version: "test"},
		service.NewReadService(store, l, engine),
		store,
		ts.sync,
		ts.metrics,
	)
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) get(t *testing.T, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestUserPoints(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.get(t, "/api/points/0x"+strings.ToUpper(alice[2:]))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	var up models.UserPoints
	require.NoError(t, json.Unmarshal(body.Data, &up))
	assert.Equal(t, alice, up.Address)
	assert.InDelta(t, 2.0, up.SagePoints, 1e-9)
	assert.InDelta(t, 1.0, up.FormationPoints, 1e-9)
	assert.True(t, up.ActiveBalance.Equal(decimal.NewFromInt(200)))
}

func TestErrorStatuses(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"bad address", "/api/points/not-an-address", http.StatusBadRequest},
		{"missing prefix", "/api/events/" + alice[2:], http.StatusBadRequest},
		{"unknown user", "/api/points/0x000000000000000000000000000000000000dead", http.StatusNotFound},
		{"non numeric limit", "/api/leaderboard?limit=ten", http.StatusBadRequest},
		{"negative limit", "/api/leaderboard?limit=-1", http.StatusBadRequest},
		{"unknown route", "/api/nothing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := ts.get(t, tt.path)
			assert.Equal(t, tt.want, rec.Code)
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestUserEvents(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.get(t, "/api/events/"+alice)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []models.UserEvent
	require.NoError(t, json.Unmarshal(body.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventDeposit, events[0].EventType)
	require.NotNil(t, events[0].Amount)
	assert.Equal(t, "200", *events[0].Amount)
	assert.Equal(t, time.Unix(t0, 0).UTC().Format(time.RFC3339), events[0].Timestamp)

	rec, body = ts.get(t, "/api/events/0x000000000000000000000000000000000000dead")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(body.Data))
}

func TestLeaderboard(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.get(t, "/api/leaderboard?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	var board []models.LeaderboardEntry
	require.NoError(t, json.Unmarshal(body.Data, &board))
	require.Len(t, board, 1)
	assert.Equal(t, 1, board[0].Rank)
	assert.Equal(t, alice, board[0].Address)
	assert.InDelta(t, 3.0, board[0].TotalPoints, 1e-9)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec, body := ts.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)

	rec, body = ts.get(t, "/health/detailed")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body.Data), `"last_processed_block":1000`)

	ts.sync.health = &monitor.HealthStatus{Healthy: false, Issues: []string{"repeated sync failures"}}
	rec, body = ts.get(t, "/health/detailed")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, body.Success)
	assert.Contains(t, string(body.Data), "repeated sync failures")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/leaderboard", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
}

func TestRequestMetrics(t *testing.T) {
	ts := newTestServer(t)

	ts.get(t, "/api/points/"+alice)
	ts.get(t, "/api/points/not-an-address")

	pm := ts.metrics.GetPrometheusMetrics()
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.HTTPRequestsTotal.WithLabelValues("GET", "/api/points/{address}", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.HTTPRequestsTotal.WithLabelValues("GET", "/api/points/{address}", "400")))

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sage_indexer_http_requests_total")
}
