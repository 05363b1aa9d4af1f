package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// Connection pool settings for PostgresStore.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the store for deployments that already run PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	sqlRecords
	sqlInboundLog
	sqlOutbox
}

// NewPostgresStore connects to the configured DSN and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: database DSN not set")
	}

	db, err := sql.Open(DriverPostgres, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := migrate(db, postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	slog.Debug("NewPostgresStore: ready")

	return &PostgresStore{
		db:            db,
		sqlRecords:    sqlRecords{db: db, bind: bindDollar, driver: DriverPostgres},
		sqlInboundLog: sqlInboundLog{db: db, bind: bindDollar},
		sqlOutbox:     sqlOutbox{db: db, bind: bindDollar},
	}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
