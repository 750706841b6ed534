// File: internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smartdevs17/sage-points-indexer/pkg/utils"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using the pure-Go modernc SQLite driver
type SQLiteStorage struct {
	sqlStore
	config     *StorageConfig
	migrations []*Migration
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config *StorageConfig) *SQLiteStorage {
	return &SQLiteStorage{
		sqlStore: sqlStore{
			dialect: sqliteDialect,
			logger:  utils.ComponentLogger("storage").WithField("backend", "sqlite"),
			now:     time.Now,
		},
		config:     config,
		migrations: GetSQLiteMigrations(),
	}
}

// Connect opens the database file, creating its directory if needed
func (s *SQLiteStorage) Connect() error {
	path := s.config.ConnectionString
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		dir := filepath.Dir(strings.SplitN(path, "?", 2)[0])
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return utils.NewAppError(utils.ErrCodeDatabase, "Failed to create database directory", err.Error())
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	// SQLite allows a single writer; extra connections only queue on the lock
	maxConns := s.config.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(s.config.MaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return utils.NewAppError(utils.ErrCodeDatabase, "Failed to open SQLite database", err.Error())
	}

	s.db = db
	s.closed.Store(false)
	s.logger.WithField("path", path).Info("SQLite database connected")
	return nil
}

// Migrate runs database migrations
func (s *SQLiteStorage) Migrate() error {
	if err := s.connected(); err != nil {
		return err
	}

	s.logger.Info("Starting database migrations")
	if err := applyMigrations(context.Background(), s.db, s.dialect, s.migrations, s.logger); err != nil {
		return err
	}
	s.logger.Info("Database migrations completed")
	return nil
}

// sqliteDSN appends the pragmas every connection needs
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}
