package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"nyc-taxi-pipeline/internal/model"
)

// RawFilter narrows a raw-record query. Zero fields are ignored.
type RawFilter struct {
	Table    string
	SourceID string
	Keys     []string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// UpsertRaw writes records into the given raw table, replacing any
// existing row with the same (source_id, natural_key). Re-submitting a
// batch is idempotent: one row per natural key, last write wins. The
// whole batch commits in one transaction.
func (s *Store) UpsertRaw(ctx context.Context, table string, records []model.RawRecord) (int, error) {
	if !rawTables[table] {
		return 0, fmt.Errorf("%w: unknown raw table %q", ErrConstraintViolation, table)
	}
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrConnection, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(fmt.Sprintf(
		`INSERT INTO %s (source_id, natural_key, payload, ingested_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_id, natural_key)
		 DO UPDATE SET payload = excluded.payload, ingested_at = excluded.ingested_at`, table)))
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, rec := range records {
		if rec.Key == "" {
			return written, fmt.Errorf("%w: empty natural key for source %s", ErrConstraintViolation, rec.SourceID)
		}
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return written, fmt.Errorf("%w: encode payload for %s/%s: %v", ErrConstraintViolation, rec.SourceID, rec.Key, err)
		}
		ingestedAt := rec.IngestedAt
		if ingestedAt.IsZero() {
			ingestedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, rec.SourceID, rec.Key, string(payload), ingestedAt); err != nil {
			return written, fmt.Errorf("upsert %s/%s: %w", rec.SourceID, rec.Key, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrConnection, err)
	}
	return written, nil
}

// QueryRaw reads raw records matching the filter, oldest first.
func (s *Store) QueryRaw(ctx context.Context, f RawFilter) ([]model.RawRecord, error) {
	if !rawTables[f.Table] {
		return nil, fmt.Errorf("unknown raw table %q", f.Table)
	}

	query := fmt.Sprintf(`SELECT source_id, natural_key, payload, ingested_at FROM %s WHERE 1=1`, f.Table)
	args := []interface{}{}
	if f.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, f.SourceID)
	}
	if len(f.Keys) > 0 {
		query += ` AND natural_key IN (?` + strings.Repeat(",?", len(f.Keys)-1) + `)`
		for _, k := range f.Keys {
			args = append(args, k)
		}
	}
	if !f.Since.IsZero() {
		query += ` AND ingested_at >= ?`
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND ingested_at < ?`
		args = append(args, f.Until)
	}
	query += ` ORDER BY ingested_at, natural_key`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrConnection, f.Table, err)
	}
	defer rows.Close()

	var out []model.RawRecord
	for rows.Next() {
		var rec model.RawRecord
		var payload string
		if err := rows.Scan(&rec.SourceID, &rec.Key, &payload, &rec.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", f.Table, err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s/%s: %w", rec.SourceID, rec.Key, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountRaw returns the number of rows in a raw table.
func (s *Store) CountRaw(ctx context.Context, table string) (int, error) {
	if !rawTables[table] {
		return 0, fmt.Errorf("unknown raw table %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count %s: %v", ErrConnection, table, err)
	}
	return n, nil
}
