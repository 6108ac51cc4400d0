package store

import (
	"context"
	"fmt"

	"nyc-taxi-pipeline/internal/model"
)

// ReplaceFactPartition swaps one partition of fact_trips for the given
// rows: delete-then-insert in a single transaction, so a rerun for a
// partition never appends duplicates and readers never see a half-loaded
// partition.
func (s *Store) ReplaceFactPartition(ctx context.Context, partitionKey string, rows []model.FactRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrConnection, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM fact_trips WHERE partition_key = ?`), partitionKey); err != nil {
		return fmt.Errorf("clear fact partition %s: %w", partitionKey, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO fact_trips (partition_key, trip_id, driver_key, pickup_zone_id, pickup_ts, fare)
		 VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare fact insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, partitionKey, row.TripID, row.DriverKey,
			row.PickupZoneID, row.PickupTime.UTC(), row.Fare); err != nil {
			return fmt.Errorf("insert fact %s: %w", row.TripID, err)
		}
	}
	return tx.Commit()
}

// CountFactPartition returns the number of fact rows in one partition.
func (s *Store) CountFactPartition(ctx context.Context, partitionKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM fact_trips WHERE partition_key = ?`), partitionKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count partition %s: %v", ErrConnection, partitionKey, err)
	}
	return n, nil
}

// FactPartition reads one partition's rows ordered by trip id.
func (s *Store) FactPartition(ctx context.Context, partitionKey string) ([]model.FactRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT trip_id, driver_key, pickup_zone_id, pickup_ts, fare FROM fact_trips
		 WHERE partition_key = ? ORDER BY trip_id`), partitionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read partition %s: %v", ErrConnection, partitionKey, err)
	}
	defer rows.Close()

	var out []model.FactRecord
	for rows.Next() {
		var f model.FactRecord
		if err := rows.Scan(&f.TripID, &f.DriverKey, &f.PickupZoneID, &f.PickupTime, &f.Fare); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.PickupTime = f.PickupTime.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}
