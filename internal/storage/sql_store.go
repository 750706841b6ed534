package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// dialect captures the few SQL differences between the backends
type dialect struct {
	name          string
	numberedBinds bool // $1, $2 instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numberedBinds: true}
)

// rebind rewrites ? placeholders for backends that number them
func (d dialect) rebind(query string) string {
	if !d.numberedBinds {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements everything in Storage except Connect and Migrate.
// db is never cleared once set; Close only flips closed.
type sqlStore struct {
	db      *sql.DB
	closed  atomic.Bool
	dialect dialect
	logger  *logrus.Entry
	now     func() time.Time
}

const positionColumns = `user_address, nonce, amount, deposit_timestamp, status,
	withdrawal_initiated_timestamp, unlocks_at, active_since, accrued_seconds,
	block_number, log_index, updated_at`

const eventColumns = `id, event_type, user_address, nonce, amount, unlocks_at,
	block_number, log_index, transaction_hash, timestamp, status, rejected,
	reject_reason, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *sqlStore) connected() error {
	if s.db == nil || s.closed.Load() {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected")
	}
	return nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	if s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.db.Close()
	s.logger.Info("Database connection closed")
	return err
}

// Ping checks database connectivity
func (s *sqlStore) Ping() error {
	if err := s.connected(); err != nil {
		return err
	}
	return s.db.Ping()
}

// GetHealth pings the database and reports the result
func (s *sqlStore) GetHealth() *HealthStatus {
	status := &HealthStatus{
		Healthy:   true,
		Backend:   s.dialect.name,
		CheckedAt: s.now(),
	}
	if err := s.Ping(); err != nil {
		status.Healthy = false
		status.Error = err.Error()
	}
	return status
}

// CommitBatch applies a batch and advances the checkpoint atomically
func (s *sqlStore) CommitBatch(ctx context.Context, toBlock uint64, apply func(tx BatchTx) error) error {
	if err := s.connected(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := apply(&sqlBatchTx{tx: tx, store: s}); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO sync_state (key, block_number, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			block_number = excluded.block_number,
			updated_at = excluded.updated_at
		WHERE sync_state.block_number < excluded.block_number`),
		CheckpointKey, int64(toBlock), s.now().Unix())
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to advance checkpoint", err)
	}

	if err := tx.Commit(); err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// GetCheckpoint returns the last committed block, ok=false if none was ever stored
func (s *sqlStore) GetCheckpoint(ctx context.Context) (uint64, bool, error) {
	if err := s.connected(); err != nil {
		return 0, false, err
	}

	var block int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT block_number FROM sync_state WHERE key = ?"),
		CheckpointKey).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to read checkpoint", err)
	}
	return uint64(block), true, nil
}

// ResetCheckpoint overwrites the checkpoint unconditionally
func (s *sqlStore) ResetCheckpoint(ctx context.Context, block uint64) error {
	if err := s.connected(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO sync_state (key, block_number, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			block_number = excluded.block_number,
			updated_at = excluded.updated_at`),
		CheckpointKey, int64(block), s.now().Unix())
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to reset checkpoint", err)
	}

	s.logger.WithField("block", block).Warn("Checkpoint reset")
	return nil
}

// GetPositionsByUser returns a user's positions ordered by nonce
func (s *sqlStore) GetPositionsByUser(ctx context.Context, user string) ([]*models.Position, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT "+positionColumns+" FROM positions WHERE user_address = ? ORDER BY nonce"), user)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to query positions", err)
	}
	return collectPositions(rows)
}

// ListPositions returns every position ordered by user and nonce
func (s *sqlStore) ListPositions(ctx context.Context) ([]*models.Position, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+positionColumns+" FROM positions ORDER BY user_address, nonce")
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to list positions", err)
	}
	return collectPositions(rows)
}

// GetEventsByUser returns a user's audit trail in chain order
func (s *sqlStore) GetEventsByUser(ctx context.Context, user string) ([]*models.EventRecord, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT "+eventColumns+" FROM events WHERE user_address = ? ORDER BY block_number, log_index, id"), user)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to query events", err)
	}
	defer rows.Close()

	var records []*models.EventRecord
	for rows.Next() {
		record, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to iterate events", err)
	}
	return records, nil
}

// HasEvents reports whether the audit log holds anything for user
func (s *sqlStore) HasEvents(ctx context.Context, user string) (bool, error) {
	if err := s.connected(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT 1 FROM events WHERE user_address = ? LIMIT 1"), user).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to query events", err)
	}
	return true, nil
}

// GetStats collects row counts and the checkpoint
func (s *sqlStore) GetStats(ctx context.Context) (*StorageStats, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}

	stats := &StorageStats{PositionsByStatus: make(map[models.PositionStatus]int64)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM positions GROUP BY status")
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to count positions", err)
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to scan position counts", err)
		}
		stats.PositionsByStatus[models.PositionStatus(status)] = count
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT user_address) FROM positions").Scan(&stats.Users); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to count users", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&stats.TotalEvents); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to count events", err)
	}
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind("SELECT COUNT(*) FROM events WHERE rejected = ?"), true).Scan(&stats.RejectedEvents); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to count rejected events", err)
	}

	block, ok, err := s.GetCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	stats.LatestBlock = block
	stats.CheckpointRecorded = ok

	return stats, nil
}

// sqlBatchTx is the BatchTx over a live transaction
type sqlBatchTx struct {
	tx    *sql.Tx
	store *sqlStore
}

func (b *sqlBatchTx) GetPosition(ctx context.Context, user string, nonce uint64) (*models.Position, error) {
	row := b.tx.QueryRowContext(ctx, b.store.dialect.rebind(
		"SELECT "+positionColumns+" FROM positions WHERE user_address = ? AND nonce = ?"),
		user, int64(nonce))

	position, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to load position", err)
	}
	return position, nil
}

func (b *sqlBatchTx) SavePosition(ctx context.Context, p *models.Position) error {
	p.UpdatedAt = b.store.now()

	_, err := b.tx.ExecContext(ctx, b.store.dialect.rebind(`
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_address, nonce) DO UPDATE SET
			status = excluded.status,
			withdrawal_initiated_timestamp = excluded.withdrawal_initiated_timestamp,
			unlocks_at = excluded.unlocks_at,
			active_since = excluded.active_since,
			accrued_seconds = excluded.accrued_seconds,
			block_number = excluded.block_number,
			log_index = excluded.log_index,
			updated_at = excluded.updated_at`),
		p.UserAddress, int64(p.Nonce), p.Amount, p.DepositTimestamp, string(p.Status),
		p.WithdrawalInitiatedTimestamp, p.UnlocksAt, p.ActiveSince, p.AccruedSeconds,
		int64(p.BlockNumber), int64(p.LogIndex), p.UpdatedAt.Unix())
	if err != nil {
		return utils.WrapAppError(utils.ErrCodeDatabase, "Failed to save position", err)
	}
	return nil
}

func (b *sqlBatchTx) AppendEvent(ctx context.Context, r *models.EventRecord) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = b.store.now()
	}

	var nonce interface{}
	if r.Nonce != nil {
		nonce = int64(*r.Nonce)
	}
	amount := decimal.NullDecimal{}
	if r.Amount != nil {
		amount = decimal.NewNullDecimal(*r.Amount)
	}
	reason := sql.NullString{String: r.RejectReason, Valid: r.RejectReason != ""}
	status := sql.NullString{String: string(r.Status), Valid: r.Status != ""}

	result, err := b.tx.ExecContext(ctx, b.store.dialect.rebind(`
		INSERT INTO events (event_type, user_address, nonce, amount, unlocks_at,
			block_number, log_index, transaction_hash, timestamp, status, rejected,
			reject_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_hash, log_index) DO NOTHING`),
		string(r.EventType), r.UserAddress, nonce, amount, r.UnlocksAt,
		int64(r.BlockNumber), int64(r.LogIndex), r.TransactionHash, r.Timestamp,
		status, r.Rejected, reason, r.CreatedAt.Unix())
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to append event", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to read affected rows", err)
	}
	return affected > 0, nil
}

func collectPositions(rows *sql.Rows) ([]*models.Position, error) {
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to scan position", err)
		}
		positions = append(positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to iterate positions", err)
	}
	return positions, nil
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var (
		p         models.Position
		nonce     int64
		status    string
		withdrawn sql.NullInt64
		unlocks   sql.NullInt64
		block     int64
		logIndex  int64
		updatedAt int64
	)

	err := row.Scan(&p.UserAddress, &nonce, &p.Amount, &p.DepositTimestamp, &status,
		&withdrawn, &unlocks, &p.ActiveSince, &p.AccruedSeconds,
		&block, &logIndex, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Nonce = uint64(nonce)
	p.Status = models.PositionStatus(status)
	if withdrawn.Valid {
		p.WithdrawalInitiatedTimestamp = &withdrawn.Int64
	}
	if unlocks.Valid {
		p.UnlocksAt = &unlocks.Int64
	}
	p.BlockNumber = uint64(block)
	p.LogIndex = uint(logIndex)
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func scanEvent(row rowScanner) (*models.EventRecord, error) {
	var (
		r         models.EventRecord
		eventType string
		nonce     sql.NullInt64
		amount    decimal.NullDecimal
		unlocks   sql.NullInt64
		block     int64
		logIndex  int64
		status    sql.NullString
		reason    sql.NullString
		createdAt int64
	)

	err := row.Scan(&r.ID, &eventType, &r.UserAddress, &nonce, &amount, &unlocks,
		&block, &logIndex, &r.TransactionHash, &r.Timestamp, &status, &r.Rejected,
		&reason, &createdAt)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeDatabase, "Failed to scan event", err)
	}

	r.EventType = models.EventType(eventType)
	if nonce.Valid {
		n := uint64(nonce.Int64)
		r.Nonce = &n
	}
	if amount.Valid {
		a := amount.Decimal
		r.Amount = &a
	}
	if unlocks.Valid {
		r.UnlocksAt = &unlocks.Int64
	}
	r.BlockNumber = uint64(block)
	r.LogIndex = uint(logIndex)
	r.Status = models.PositionStatus(status.String)
	r.RejectReason = reason.String
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}
