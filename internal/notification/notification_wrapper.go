package notification

import (
	"context"

	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
)

// ReporterWithMetrics wraps a reporter with delivery metrics
type ReporterWithMetrics struct {
	Reporter
	metricsManager *metrics.Manager
}

// NewReporterWithMetrics creates a reporter wrapper with metrics
func NewReporterWithMetrics(reporter Reporter, metricsManager *metrics.Manager) *ReporterWithMetrics {
	return &ReporterWithMetrics{
		Reporter:       reporter,
		metricsManager: metricsManager,
	}
}

// ReportConflict reports and records the delivery outcome
func (r *ReporterWithMetrics) ReportConflict(ctx context.Context, c *Conflict) error {
	err := r.Reporter.ReportConflict(ctx, c)

	status := "success"
	if err != nil {
		status = "error"
	}
	r.metricsManager.GetPrometheusMetrics().RecordNotification(r.Reporter.Name(), status)

	return err
}
