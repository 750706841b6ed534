package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/sage-points-indexer/internal/config"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

func newMockPostgres(t *testing.T) (*PostgreSQLStorage, sqlmock.Sqlmock) {
	t.Helper()
	utils.InitLogger("error", "text", "discard", "")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newPostgreSQLStorageWithDB(db), mock
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", postgresDialect.rebind(q))
}

func TestPostgresCommitBatchAdvancesCheckpoint(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sync_state .* VALUES \(\$1, \$2, \$3\) .* WHERE sync_state\.block_number < excluded\.block_number`).
		WithArgs(CheckpointKey, int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.CommitBatch(context.Background(), 42, func(BatchTx) error { return nil }))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCommitBatchRollsBackOnWriteFailure(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO events`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := p.CommitBatch(ctx, 42, func(tx BatchTx) error {
		_, err := tx.AppendEvent(ctx, testRecord("0xaa", 1, 0))
		return err
	})
	require.Error(t, err)
	assert.True(t, utils.IsErrorCode(err, utils.ErrCodeDatabase))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEventReportsDuplicate(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO events .* ON CONFLICT \(transaction_hash, log_index\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO sync_state`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := p.CommitBatch(ctx, 1, func(tx BatchTx) error {
		inserted, err := tx.AppendEvent(ctx, testRecord("0xaa", 1, 0))
		assert.False(t, inserted)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCheckpoint(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT block_number FROM sync_state WHERE key = \$1`).
		WithArgs(CheckpointKey).
		WillReturnRows(sqlmock.NewRows([]string{"block_number"}).AddRow(int64(9000)))

	block, ok, err := p.GetCheckpoint(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(9000), block)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateStorageConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{"sqlite", config.StorageConfig{Type: "sqlite", ConnectionString: "x.db", MaxConnections: 1}, false},
		{"postgres", config.StorageConfig{Type: "postgres", ConnectionString: "postgres://", MaxConnections: 5}, false},
		{"missing type", config.StorageConfig{ConnectionString: "x.db", MaxConnections: 1}, true},
		{"missing dsn", config.StorageConfig{Type: "sqlite", MaxConnections: 1}, true},
		{"no connections", config.StorageConfig{Type: "sqlite", ConnectionString: "x.db"}, true},
		{"mysql", config.StorageConfig{Type: "mysql", ConnectionString: "x", MaxConnections: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStorageConfig(&tt.cfg)
			if tt.wantErr {
				assert.True(t, utils.IsErrorCode(err, utils.ErrCodeConfiguration))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
