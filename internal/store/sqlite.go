package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the single-file store used by default deployments.
type SQLiteStore struct {
	db *sql.DB
	sqlRecords
	sqlInboundLog
	sqlOutbox
}

// NewSQLiteStore opens (creating if needed) the database at the configured DSN and
// applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sqlite store: database DSN not set")
	}

	if dir := filepath.Dir(sqliteFilePath(cfg.DSN)); dir != "" {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("sqlite store: create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(DriverSQLite, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// One connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db, sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: %w", err)
	}
	slog.Debug("NewSQLiteStore: ready", "dsn", cfg.DSN)

	return &SQLiteStore{
		db:            db,
		sqlRecords:    sqlRecords{db: db, bind: bindQuestion, driver: DriverSQLite},
		sqlInboundLog: sqlInboundLog{db: db, bind: bindQuestion},
		sqlOutbox:     sqlOutbox{db: db, bind: bindQuestion},
	}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
