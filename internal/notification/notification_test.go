package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

func init() {
	utils.InitLogger("error", "text", "discard", "")
}

func testConflict() *Conflict {
	return NewConflict(&models.StakingEvent{
		Type:        models.EventWithdraw,
		User:        "0x00000000000000000000000000000000000a11ce",
		Nonce:       7,
		BlockNumber: 3000,
		LogIndex:    1,
		TxHash:      "0xdead",
	}, "position is active, expected unstaking")
}

func TestWebhookReporterPostsConflict(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reporter := NewWebhookReporter(WebhookConfig{URL: srv.URL, RetryAttempts: 1})
	require.NoError(t, reporter.ReportConflict(context.Background(), testConflict()))

	assert.Equal(t, "state_conflict", got.Type)
	data, ok := got.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Withdraw", data["event_type"])
	assert.Equal(t, "0xdead", data["transaction_hash"])
}

func TestWebhookReporterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reporter := NewWebhookReporter(WebhookConfig{URL: srv.URL, RetryAttempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, reporter.ReportConflict(context.Background(), testConflict()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookReporterGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reporter := NewWebhookReporter(WebhookConfig{URL: srv.URL, RetryAttempts: 2, RetryDelay: time.Millisecond})
	err := reporter.ReportConflict(context.Background(), testConflict())
	require.Error(t, err)
	assert.True(t, utils.IsErrorCode(err, utils.ErrCodeConnection))
}

type failingReporter struct{}

func (failingReporter) Name() string { return "failing" }
func (failingReporter) ReportConflict(context.Context, *Conflict) error {
	return errors.New("unreachable")
}

func TestMultiReporterCollectsErrors(t *testing.T) {
	m := MultiReporter{NewLogReporter(), failingReporter{}}
	assert.Error(t, m.ReportConflict(context.Background(), testConflict()))
	assert.NoError(t, MultiReporter{NewLogReporter()}.ReportConflict(context.Background(), testConflict()))
}

func TestNewReporterAddsWebhookWhenEnabled(t *testing.T) {
	r := NewReporter(&config.NotificationConfig{})
	assert.Len(t, r.(MultiReporter), 1)

	r = NewReporter(&config.NotificationConfig{Enabled: true, WebhookURL: "http://example.invalid", MaxRetries: 2})
	assert.Len(t, r.(MultiReporter), 2)
}

func TestReporterWithMetricsCountsDeliveries(t *testing.T) {
	mgr := metrics.NewManagerWithRegistry(prometheus.NewRegistry())
	r := NewReporterWithMetrics(failingReporter{}, mgr)

	assert.Error(t, r.ReportConflict(context.Background(), testConflict()))
	assert.Equal(t, float64(1), testutil.ToFloat64(
		mgr.GetPrometheusMetrics().NotificationsTotal.WithLabelValues("failing", "error")))
}
