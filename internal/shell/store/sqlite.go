package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/runway/internal/core/spec"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Service State Operations
// =============================================================================

// stateRow is the database representation of a state record.
type stateRow struct {
	ResourceID string    `db:"resource_id"`
	State      string    `db:"state"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// ReadServiceState returns the recorded state, or nil when absent.
func (s *SQLiteStore) ReadServiceState(ctx context.Context, resourceID string) (*spec.ServiceState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT resource_id, state, updated_at FROM service_states WHERE resource_id = ?`, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStoreError("ReadServiceState", resourceID, err.Error(), err)
	}

	var state spec.ServiceState
	if err := json.Unmarshal([]byte(row.State), &state); err != nil {
		return nil, NewStoreError("ReadServiceState", resourceID, "corrupt state record", ErrInvalidData)
	}
	return &state, nil
}

// WriteServiceState atomically upserts the full record: a single INSERT
// OR REPLACE statement, so readers never observe a partial record.
func (s *SQLiteStore) WriteServiceState(ctx context.Context, resourceID string, state spec.ServiceState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return NewStoreError("WriteServiceState", resourceID, "marshal state", ErrInvalidData)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO service_states (resource_id, state, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(resource_id) DO UPDATE SET
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		resourceID, string(payload), time.Now().UTC())
	if err != nil {
		return NewStoreError("WriteServiceState", resourceID, err.Error(), err)
	}
	return nil
}

// DeleteServiceState removes the record; absent records are not an error.
func (s *SQLiteStore) DeleteServiceState(ctx context.Context, resourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM service_states WHERE resource_id = ?`, resourceID)
	if err != nil {
		return NewStoreError("DeleteServiceState", resourceID, err.Error(), err)
	}
	return nil
}

// ListResourceIDs returns every resource id with recorded state.
func (s *SQLiteStore) ListResourceIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT resource_id FROM service_states ORDER BY resource_id`)
	if err != nil {
		return nil, NewStoreError("ListResourceIDs", "", err.Error(), err)
	}
	return ids, nil
}
