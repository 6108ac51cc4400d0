package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"nyc-taxi-pipeline/internal/model"
)

// CreateRun persists a new pipeline run with all its task states.
func (s *Store) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrConnection, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO pipeline_runs (id, status, started_at, finished_at) VALUES (?, ?, ?, ?)`),
		run.ID, string(run.Status), run.StartedAt.UTC(), nullableTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	for _, task := range run.Tasks {
		if err := upsertTaskTx(ctx, s, tx, run.ID, task); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateRunStatus records a run-level state transition.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, finishedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE pipeline_runs SET status = ?, finished_at = ? WHERE id = ?`),
		string(status), nullableTime(finishedAt), runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

// SaveTaskState records a task-level state transition.
func (s *Store) SaveTaskState(ctx context.Context, runID string, task model.TaskState) error {
	return upsertTaskTx(ctx, s, nil, runID, task)
}

func upsertTaskTx(ctx context.Context, s *Store, tx *sql.Tx, runID string, task model.TaskState) error {
	query := s.rebind(
		`INSERT INTO task_states (run_id, name, status, attempts, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, name)
		 DO UPDATE SET status = excluded.status, attempts = excluded.attempts,
		               error = excluded.error, started_at = excluded.started_at,
		               finished_at = excluded.finished_at`)
	args := []interface{}{
		runID, task.Name, string(task.Status), task.Attempts, task.Error,
		nullableTime(task.StartedAt), nullableTime(task.FinishedAt),
	}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("save task %s/%s: %w", runID, task.Name, err)
	}
	return nil
}

// AppendRunError records a task failure message for the run summary.
func (s *Store) AppendRunError(ctx context.Context, runID, task, message string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO run_errors (run_id, task, message, created_at) VALUES (?, ?, ?, ?)`),
		runID, task, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append run error for %s: %w", runID, err)
	}
	return nil
}

// GetRun loads a run and its task states.
func (s *Store) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	run := &model.PipelineRun{ID: runID, Tasks: make(map[string]model.TaskState)}
	var status string
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT status, started_at, finished_at FROM pipeline_runs WHERE id = ?`), runID).
		Scan(&status, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get run %s: %v", ErrConnection, runID, err)
	}
	run.Status = model.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT name, status, attempts, error, started_at, finished_at FROM task_states WHERE run_id = ?`), runID)
	if err != nil {
		return nil, fmt.Errorf("%w: get tasks for %s: %v", ErrConnection, runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var task model.TaskState
		var taskStatus string
		var started, finished sql.NullTime
		if err := rows.Scan(&task.Name, &taskStatus, &task.Attempts, &task.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan task state: %w", err)
		}
		task.Status = model.TaskStatus(taskStatus)
		if started.Valid {
			t := started.Time.UTC()
			task.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time.UTC()
			task.FinishedAt = &t
		}
		run.Tasks[task.Name] = task
	}
	return run, rows.Err()
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	query := `SELECT id, status, started_at, finished_at FROM pipeline_runs ORDER BY started_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", ErrConnection, err)
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		var run model.PipelineRun
		var status string
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &status, &run.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = model.RunStatus(status)
		run.StartedAt = run.StartedAt.UTC()
		if finishedAt.Valid {
			t := finishedAt.Time.UTC()
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RunErrors returns the recorded failure messages for a run.
func (s *Store) RunErrors(ctx context.Context, runID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT task, message FROM run_errors WHERE run_id = ? ORDER BY created_at`), runID)
	if err != nil {
		return nil, fmt.Errorf("%w: run errors for %s: %v", ErrConnection, runID, err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var task, message string
		if err := rows.Scan(&task, &message); err != nil {
			return nil, fmt.Errorf("scan run error: %w", err)
		}
		out[task] = append(out[task], message)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
