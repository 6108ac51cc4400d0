package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"nyc-taxi-pipeline/internal/model"
	"nyc-taxi-pipeline/pkg/logger"
)

// ApplyChange records a type-2 dimension change for a driver. The open
// row is closed at effectiveDate and a new open row inserted with the
// changed attributes, both inside one transaction so there is never a
// moment with zero or two open rows for the key. Identical attributes
// are a no-op, which makes replaying the same change file idempotent.
//
// First sighting of a key inserts the initial open row. An effective
// date that does not move past the open row's valid_from is rejected
// with ErrInvalidDate.
func (s *Store) ApplyChange(ctx context.Context, key string, attrs map[string]string, effectiveDate time.Time) error {
	if key == "" {
		return fmt.Errorf("%w: empty dimension key", ErrConstraintViolation)
	}
	effectiveDate = effectiveDate.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrConnection, err)
	}
	defer tx.Rollback()

	open, openErr := s.openRow(ctx, tx, key)
	if openErr != nil && openErr != sql.ErrNoRows {
		return openErr
	}

	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("%w: encode attributes: %v", ErrConstraintViolation, err)
	}

	if openErr == sql.ErrNoRows {
		// First sighting: insert the initial open row.
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO dim_drivers (driver_key, attributes, valid_from, valid_to) VALUES (?, ?, ?, ?)`),
			key, string(encoded), effectiveDate, model.OpenEnd)
		if err != nil {
			return fmt.Errorf("insert first dimension row for %s: %w", key, err)
		}
		logger.Debugf("dimension %s created effective %s", key, effectiveDate.Format("2006-01-02"))
		return tx.Commit()
	}

	if open.SameAttributes(attrs) {
		return nil // identical input, nothing to record
	}
	if !effectiveDate.After(open.ValidFrom) {
		return fmt.Errorf("%w: effective %s does not follow open row's %s for key %s",
			ErrInvalidDate, effectiveDate.Format("2006-01-02"), open.ValidFrom.Format("2006-01-02"), key)
	}

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE dim_drivers SET valid_to = ? WHERE driver_key = ? AND valid_to = ?`),
		effectiveDate, key, model.OpenEnd)
	if err != nil {
		return fmt.Errorf("close dimension row for %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: key %s", ErrNoOpenRecord, key)
	}
	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO dim_drivers (driver_key, attributes, valid_from, valid_to) VALUES (?, ?, ?, ?)`),
		key, string(encoded), effectiveDate, model.OpenEnd)
	if err != nil {
		return fmt.Errorf("insert dimension row for %s: %w", key, err)
	}

	logger.Debugf("dimension %s changed effective %s", key, effectiveDate.Format("2006-01-02"))
	return tx.Commit()
}

// Retire closes the open row for a key without inserting a successor.
func (s *Store) Retire(ctx context.Context, key string, effectiveDate time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE dim_drivers SET valid_to = ? WHERE driver_key = ? AND valid_to = ?`),
		effectiveDate.UTC(), key, model.OpenEnd)
	if err != nil {
		return fmt.Errorf("retire %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: key %s", ErrNoOpenRecord, key)
	}
	return nil
}

// AsOf returns the dimension row valid for key at the given instant.
func (s *Store) AsOf(ctx context.Context, key string, at time.Time) (model.DimensionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT driver_key, attributes, valid_from, valid_to FROM dim_drivers
		 WHERE driver_key = ? AND valid_from <= ? AND valid_to > ?`),
		key, at.UTC(), at.UTC())
	return scanDimension(row)
}

// History returns all rows for a key, oldest first.
func (s *Store) History(ctx context.Context, key string) ([]model.DimensionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT driver_key, attributes, valid_from, valid_to FROM dim_drivers
		 WHERE driver_key = ? ORDER BY valid_from`), key)
	if err != nil {
		return nil, fmt.Errorf("%w: history %s: %v", ErrConnection, key, err)
	}
	defer rows.Close()

	var out []model.DimensionRecord
	for rows.Next() {
		rec, err := scanDimensionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) openRow(ctx context.Context, tx *sql.Tx, key string) (model.DimensionRecord, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT driver_key, attributes, valid_from, valid_to FROM dim_drivers
		 WHERE driver_key = ? AND valid_to = ?`), key, model.OpenEnd)

	var rec model.DimensionRecord
	var attrs string
	if err := row.Scan(&rec.Key, &attrs, &rec.ValidFrom, &rec.ValidTo); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return rec, fmt.Errorf("decode attributes for %s: %w", key, err)
	}
	rec.ValidFrom = rec.ValidFrom.UTC()
	rec.ValidTo = rec.ValidTo.UTC()
	return rec, nil
}

func scanDimension(row *sql.Row) (model.DimensionRecord, error) {
	var rec model.DimensionRecord
	var attrs string
	if err := row.Scan(&rec.Key, &attrs, &rec.ValidFrom, &rec.ValidTo); err != nil {
		if err == sql.ErrNoRows {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return rec, fmt.Errorf("decode attributes: %w", err)
	}
	rec.ValidFrom = rec.ValidFrom.UTC()
	rec.ValidTo = rec.ValidTo.UTC()
	return rec, nil
}

func scanDimensionRows(rows *sql.Rows) (model.DimensionRecord, error) {
	var rec model.DimensionRecord
	var attrs string
	if err := rows.Scan(&rec.Key, &attrs, &rec.ValidFrom, &rec.ValidTo); err != nil {
		return rec, fmt.Errorf("scan dimension: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attributes); err != nil {
		return rec, fmt.Errorf("decode attributes: %w", err)
	}
	rec.ValidFrom = rec.ValidFrom.UTC()
	rec.ValidTo = rec.ValidTo.UTC()
	return rec, nil
}
