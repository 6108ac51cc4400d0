package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nyc-taxi-pipeline/internal/model"
)

// SaveCursor persists how far a source has been ingested.
func (s *Store) SaveCursor(ctx context.Context, sourceID string, c model.Cursor) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ingest_cursors (source_id, ts, row_offset, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_id)
		 DO UPDATE SET ts = excluded.ts, row_offset = excluded.row_offset, updated_at = excluded.updated_at`),
		sourceID, c.Timestamp.UTC(), c.Offset, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", sourceID, err)
	}
	return nil
}

// LoadCursor returns the stored cursor for a source, or a zero cursor
// when the source has never been ingested.
func (s *Store) LoadCursor(ctx context.Context, sourceID string) (model.Cursor, error) {
	var c model.Cursor
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT ts, row_offset FROM ingest_cursors WHERE source_id = ?`), sourceID).
		Scan(&c.Timestamp, &c.Offset)
	if err == sql.ErrNoRows {
		return model.Cursor{}, nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("%w: load cursor for %s: %v", ErrConnection, sourceID, err)
	}
	c.Timestamp = c.Timestamp.UTC()
	return c, nil
}
