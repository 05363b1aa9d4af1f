// Package store provides storage backends for CareNudge.
//
// It includes an in-memory store plus SQLite and PostgreSQL stores for profiles,
// tasks and resolved responses, the inbound message log and the acknowledgment outbox.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CareNudge/internal/models"
)

// ErrProfileNotFound is returned by updates that target a missing profile.
var ErrProfileNotFound = errors.New("profile not found")

// Store defines the persistence interface for CareNudge entities.
// Getters return (nil, nil) when the record does not exist.
type Store interface {
	SaveProfile(p models.Profile) error
	GetProfile(id string) (*models.Profile, error)
	// ListProfiles returns the owner's profiles, or every profile when ownerID is empty.
	ListProfiles(ownerID string) ([]models.Profile, error)
	// UpdateProfileStatus sets the status and bumps last_active_at.
	UpdateProfileStatus(id string, status models.ProfileStatus) error
	// DeleteProfile removes the profile and cascades to its tasks and responses.
	DeleteProfile(id string) error

	SaveTask(t models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasks(profileID string) ([]models.Task, error)
	// ListActiveTasks returns every task in the active status.
	ListActiveTasks() ([]models.Task, error)

	SaveResponse(r models.SMSResponse) error
	// ListResponses returns the profile's responses, newest first.
	ListResponses(profileID string) ([]models.SMSResponse, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// Driver names returned by DetectDSNType.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DetectDSNType guesses the database driver for a DSN. Anything that is not
// recognisably a PostgreSQL connection string is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres
	}
	if strings.Contains(lower, "host=") && strings.Contains(lower, "dbname=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// sqliteFilePath strips the file: scheme and query parameters from an SQLite DSN.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// migrate checks the connection and applies the idempotent schema script.
func migrate(db *sql.DB, ddl string) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Compile-time checks for the optional repositories of the SQL stores.
var (
	_ InboundLog = (*SQLiteStore)(nil)
	_ InboundLog = (*PostgresStore)(nil)
	_ InboundLog = (*InMemoryStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)
