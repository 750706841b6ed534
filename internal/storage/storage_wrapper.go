package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/sage-points-indexer/internal/metrics"
	"github.com/smartdevs17/sage-points-indexer/internal/models"
)

// StorageWithMetrics wraps a storage implementation with metrics
type StorageWithMetrics struct {
	Storage
	metricsManager *metrics.Manager
}

// NewStorageWithMetrics creates a storage wrapper with metrics
func NewStorageWithMetrics(storage Storage, metricsManager *metrics.Manager) *StorageWithMetrics {
	return &StorageWithMetrics{
		Storage:        storage,
		metricsManager: metricsManager,
	}
}

func (s *StorageWithMetrics) record(operation, table string, start time.Time, err error) {
	if s.metricsManager == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metricsManager.GetPrometheusMetrics().RecordDatabaseOperation(operation, table, status, time.Since(start))
}

// CommitBatch commits a batch and records metrics
func (s *StorageWithMetrics) CommitBatch(ctx context.Context, toBlock uint64, apply func(tx BatchTx) error) error {
	start := time.Now()
	err := s.Storage.CommitBatch(ctx, toBlock, apply)
	s.record("commit", "batch", start, err)
	if err == nil && s.metricsManager != nil {
		s.metricsManager.GetPrometheusMetrics().RecordBatchCommitted(time.Since(start))
	}
	return err
}

// GetPositionsByUser loads positions and records metrics
func (s *StorageWithMetrics) GetPositionsByUser(ctx context.Context, user string) ([]*models.Position, error) {
	start := time.Now()
	positions, err := s.Storage.GetPositionsByUser(ctx, user)
	s.record("select", "positions", start, err)
	return positions, err
}

// ListPositions loads every position and records metrics
func (s *StorageWithMetrics) ListPositions(ctx context.Context) ([]*models.Position, error) {
	start := time.Now()
	positions, err := s.Storage.ListPositions(ctx)
	s.record("scan", "positions", start, err)
	return positions, err
}

// GetEventsByUser loads the audit trail and records metrics
func (s *StorageWithMetrics) GetEventsByUser(ctx context.Context, user string) ([]*models.EventRecord, error) {
	start := time.Now()
	records, err := s.Storage.GetEventsByUser(ctx, user)
	s.record("select", "events", start, err)
	return records, err
}
