// Package sqlstore persists studies, submitted jobs, subject metadata and the
// sparse depository/vault wide tables in SQLite or Postgres through sqlx.
package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"tims/pkg/domain"
)

// Driver identifies a concrete persistent storage implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"   // in-memory sqlite (tests / ephemeral)
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // PostgreSQL server
)

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx so every accessor can run
// inside or outside a transaction.
type Queryer = sqlx.ExtContext

// Config selects and parameterises a backend.
type Config struct {
	Driver      Driver
	SQLitePath  string
	PostgresDSN string
}

// Store owns the database handle and the job status lookup loaded at open.
type Store struct {
	db       *sqlx.DB
	driver   Driver
	statuses *domain.StatusTable
}

// Open connects to the configured backend, applies the schema and loads the
// job status lookup.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DriverMemory:
		db, err = openSQLite(ctx, ":memory:")
	case DriverSQLite, "":
		db, err = openSQLite(ctx, cfg.SQLitePath)
	case DriverPostgres:
		db, err = openPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	s := &Store{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	statuses, err := s.loadStatusTable(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.statuses = statuses
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Driver returns the backend in use.
func (s *Store) Driver() Driver { return s.driver }

// Statuses returns the immutable job status lookup.
func (s *Store) Statuses() *domain.StatusTable { return s.statuses }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RunInTransaction applies fn within a transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Reindex rebuilds the indexes of the given wide table outside any
// transaction and refreshes planner statistics.
func (s *Store) Reindex(ctx context.Context, table WideTable) error {
	stmts := []string{
		"REINDEX " + table.ValuesTable,
		"REINDEX " + table.RecordsTable,
		"ANALYZE " + table.ValuesTable,
	}
	if s.driver == DriverPostgres {
		stmts[0] = "REINDEX TABLE " + table.ValuesTable
		stmts[1] = "REINDEX TABLE " + table.RecordsTable
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reindex %s: %w", table.Name, err)
		}
	}
	return nil
}

func (s *Store) loadStatusTable(ctx context.Context) (*domain.StatusTable, error) {
	var rows []struct {
		Code int    `db:"status_id"`
		Name string `db:"name"`
	}
	if err := sqlx.SelectContext(ctx, s.db, &rows, `SELECT status_id, name FROM job_status`); err != nil {
		return nil, fmt.Errorf("select job_status: %w", err)
	}
	pairs := make(map[int]string, len(rows))
	for _, r := range rows {
		pairs[r.Code] = r.Name
	}
	return domain.NewStatusTable(pairs)
}
