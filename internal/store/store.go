// Package store is the transactional raw store: ingested records,
// dimension history, fact partitions, ingestion cursors and pipeline
// run state all live here. The connection is opened once and passed
// around explicitly; there is no package-level database handle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrConstraintViolation marks a write the schema refused.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrConnection marks a failure to reach the database.
	ErrConnection = errors.New("connection error")
	// ErrNoOpenRecord means a dimension key has no currently-open row.
	ErrNoOpenRecord = errors.New("no open dimension record")
	// ErrInvalidDate means an SCD change does not move time forward.
	ErrInvalidDate = errors.New("invalid effective date")
	// ErrNotFound is returned for point lookups with no match.
	ErrNotFound = errors.New("not found")
)

// Store wraps the relational database. Safe for concurrent use; writes
// to the same natural key serialize through the database's transaction
// isolation, disjoint keys do not block each other.
type Store struct {
	db     *sql.DB
	driver string
}

// rawTables are the tables raw records may be upserted into. Table
// names are checked against this set so identifiers never come from
// user input.
var rawTables = map[string]bool{
	"trips":      true,
	"weather":    true,
	"taxi_zones": true,
	"trip_files": true,
}

// Open connects and ensures the schema exists. driver is "sqlite3" or
// "pgx".
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnection, driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrConnection, err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for read-only analytical queries.
func (s *Store) DB() *sql.DB { return s.db }

// rebind converts ?-style placeholders to $n when running on postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{}
	for table := range rawTables {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				source_id   TEXT NOT NULL,
				natural_key TEXT NOT NULL,
				payload     TEXT NOT NULL,
				ingested_at TIMESTAMP NOT NULL,
				PRIMARY KEY (source_id, natural_key)
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ingested_at ON %s (ingested_at)`, table, table),
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS dim_drivers (
			driver_key TEXT NOT NULL,
			attributes TEXT NOT NULL,
			valid_from TIMESTAMP NOT NULL,
			valid_to   TIMESTAMP NOT NULL,
			PRIMARY KEY (driver_key, valid_from)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dim_drivers_valid_to ON dim_drivers (driver_key, valid_to)`,
		`CREATE TABLE IF NOT EXISTS fact_trips (
			partition_key  TEXT NOT NULL,
			trip_id        TEXT NOT NULL,
			driver_key     TEXT NOT NULL,
			pickup_zone_id INTEGER NOT NULL,
			pickup_ts      TIMESTAMP NOT NULL,
			fare           REAL NOT NULL,
			PRIMARY KEY (partition_key, trip_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_trips_pickup_ts ON fact_trips (pickup_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_trips_driver ON fact_trips (driver_key)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			started_at  TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_states (
			run_id      TEXT NOT NULL,
			name        TEXT NOT NULL,
			status      TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			started_at  TIMESTAMP,
			finished_at TIMESTAMP,
			PRIMARY KEY (run_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS run_errors (
			run_id     TEXT NOT NULL,
			task       TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ingest_cursors (
			source_id  TEXT PRIMARY KEY,
			ts         TIMESTAMP NOT NULL,
			row_offset BIGINT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
