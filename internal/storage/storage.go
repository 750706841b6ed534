// File: internal/storage/storage.go
package storage

import (
	"context"
	"time"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
)

// CheckpointKey is the sync_state row holding the last committed block
const CheckpointKey = "last_processed_block"

// Storage defines the persistence operations of the indexer
type Storage interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// CommitBatch runs apply inside one transaction and, if it succeeds,
	// advances the checkpoint to toBlock in the same transaction. The
	// checkpoint never moves backwards here.
	CommitBatch(ctx context.Context, toBlock uint64, apply func(tx BatchTx) error) error

	// Checkpoint operations
	GetCheckpoint(ctx context.Context) (block uint64, ok bool, err error)
	ResetCheckpoint(ctx context.Context, block uint64) error

	// Read operations
	GetPositionsByUser(ctx context.Context, user string) ([]*models.Position, error)
	ListPositions(ctx context.Context) ([]*models.Position, error)
	GetEventsByUser(ctx context.Context, user string) ([]*models.EventRecord, error)
	HasEvents(ctx context.Context, user string) (bool, error)

	// Statistics and monitoring
	GetStats(ctx context.Context) (*StorageStats, error)
	GetHealth() *HealthStatus
}

// BatchTx is the transactional view handed to CommitBatch callers
type BatchTx interface {
	// GetPosition returns nil, nil when no position exists
	GetPosition(ctx context.Context, user string, nonce uint64) (*models.Position, error)
	SavePosition(ctx context.Context, position *models.Position) error
	// AppendEvent inserts an audit record; it reports false when the
	// (transaction_hash, log_index) pair is already present
	AppendEvent(ctx context.Context, record *models.EventRecord) (bool, error)
}

// StorageStats provides storage statistics
type StorageStats struct {
	Users              int64                           `json:"users"`
	PositionsByStatus  map[models.PositionStatus]int64 `json:"positions_by_status"`
	TotalEvents        int64                           `json:"total_events"`
	RejectedEvents     int64                           `json:"rejected_events"`
	LatestBlock        uint64                          `json:"latest_processed_block"`
	CheckpointRecorded bool                            `json:"checkpoint_recorded"`
}

// HealthStatus provides storage health information
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Backend   string    `json:"backend"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}
