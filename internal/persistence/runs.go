package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-loom/internal/task"
)

// Run is one row of the run ledger.
type Run struct {
	ID          int64         `json:"id"`
	TaskID      string        `json:"task_id"`
	Kind        string        `json:"kind"`
	EngineID    string        `json:"engine_id"`
	SessionID   string        `json:"session_id"`
	Priority    string        `json:"priority"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

// RecordRun appends a finished-task summary to the ledger. Implements
// task.RunRecorder.
func (s *Store) RecordRun(ctx context.Context, rec task.RunRecord) error {
	started := sql.NullTime{}
	if !rec.StartedAt.IsZero() {
		started.Valid = true
		started.Time = rec.StartedAt.UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (task_id, kind, engine_id, session_id, priority, status, error, submitted_at, started_at, ended_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.TaskID, rec.Kind, rec.EngineID, rec.SessionID, rec.Priority, rec.Status, rec.Error,
			rec.SubmittedAt.UTC(), started, rec.EndedAt.UTC(), rec.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// RecentRuns returns the newest runs first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, engine_id, session_id, priority, status, error, submitted_at, started_at, ended_at, duration_ms, created_at
		FROM runs
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// RunsForTask returns every recorded run for the given task id, newest first.
func (s *Store) RunsForTask(ctx context.Context, taskID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, engine_id, session_id, priority, status, error, submitted_at, started_at, ended_at, duration_ms, created_at
		FROM runs
		WHERE task_id = ?
		ORDER BY id DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query runs for task: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// CountRunsByStatus returns run totals keyed by terminal status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(1)
		FROM runs
		GROUP BY status;
	`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run count rows: %w", err)
	}
	return out, nil
}

// PruneRuns deletes all but the newest keep rows and returns how many were
// removed.
func (s *Store) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM runs
			WHERE id NOT IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?);
		`, keep)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var (
			run        Run
			started    sql.NullTime
			durationMS int64
		)
		if err := rows.Scan(
			&run.ID,
			&run.TaskID,
			&run.Kind,
			&run.EngineID,
			&run.SessionID,
			&run.Priority,
			&run.Status,
			&run.Error,
			&run.SubmittedAt,
			&started,
			&run.EndedAt,
			&durationMS,
			&run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if started.Valid {
			run.StartedAt = started.Time
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}
