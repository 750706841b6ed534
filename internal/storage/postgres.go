package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
)

// PostgreSQLStorage implements Storage using PostgreSQL
type PostgreSQLStorage struct {
	sqlStore
	config     *StorageConfig
	migrations []*Migration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
func NewPostgreSQLStorage(config *StorageConfig) *PostgreSQLStorage {
	return &PostgreSQLStorage{
		sqlStore: sqlStore{
			dialect: postgresDialect,
			logger:  utils.ComponentLogger("storage").WithField("backend", "postgres"),
			now:     time.Now,
		},
		config:     config,
		migrations: GetPostgresMigrations(),
	}
}

// newPostgreSQLStorageWithDB wraps an already open handle
func newPostgreSQLStorageWithDB(db *sql.DB) *PostgreSQLStorage {
	p := NewPostgreSQLStorage(&StorageConfig{Type: "postgres"})
	p.db = db
	return p
}

// Connect establishes database connection
func (p *PostgreSQLStorage) Connect() error {
	db, err := sql.Open("postgres", p.config.ConnectionString)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err.Error())
	}

	// Configure connection pool
	db.SetMaxOpenConns(p.config.MaxConnections)
	db.SetMaxIdleConns(p.config.MaxConnections / 2)
	db.SetConnMaxIdleTime(p.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err.Error())
	}

	p.db = db
	p.closed.Store(false)
	p.logger.Info("PostgreSQL database connected")
	return nil
}

// Migrate runs database migrations
func (p *PostgreSQLStorage) Migrate() error {
	if err := p.connected(); err != nil {
		return err
	}

	p.logger.Info("Starting PostgreSQL database migrations")
	if err := applyMigrations(context.Background(), p.db, p.dialect, p.migrations, p.logger); err != nil {
		return err
	}
	p.logger.Info("PostgreSQL database migrations completed")
	return nil
}
