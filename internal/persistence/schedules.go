package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Schedule is a cron-triggered task template. Schedules are declared in
// config.yaml and synced into the store so run timestamps survive restarts.
type Schedule struct {
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	Prompt    string     `json:"prompt"`
	EngineID  string     `json:"engine_id"`
	Kind      string     `json:"kind"`
	Priority  string     `json:"priority"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UpsertSchedule inserts or updates a schedule by name. Run timestamps are
// preserved on update unless the cron expression changed, in which case
// next_run_at is reset so the scheduler recomputes it.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) error {
	if sched.Name == "" {
		return fmt.Errorf("schedule name must be non-empty")
	}
	if sched.Kind == "" {
		sched.Kind = "chat"
	}
	if sched.Priority == "" {
		sched.Priority = "normal"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (name, cron_expr, prompt, engine_id, kind, priority, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				next_run_at = CASE WHEN cron_expr != excluded.cron_expr THEN NULL ELSE next_run_at END,
				cron_expr = excluded.cron_expr,
				prompt = excluded.prompt,
				engine_id = excluded.engine_id,
				kind = excluded.kind,
				priority = excluded.priority,
				enabled = excluded.enabled,
				updated_at = CURRENT_TIMESTAMP;
		`, sched.Name, sched.CronExpr, sched.Prompt, sched.EngineID, sched.Kind, sched.Priority, sched.Enabled)
		if err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		return nil
	})
}

// DeleteSchedulesExcept removes schedules not named in keep. Used by the
// config sync to drop entries deleted from config.yaml.
func (s *Store) DeleteSchedulesExcept(ctx context.Context, keep []string) (int64, error) {
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		var res sql.Result
		var err error
		if len(keep) == 0 {
			res, err = s.db.ExecContext(ctx, `DELETE FROM schedules;`)
		} else {
			placeholders := strings.Repeat("?,", len(keep))
			placeholders = placeholders[:len(placeholders)-1]
			args := make([]any, len(keep))
			for i, name := range keep {
				args[i] = name
			}
			res, err = s.db.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM schedules WHERE name NOT IN (%s);`, placeholders), args...)
		}
		if err != nil {
			return fmt.Errorf("delete schedules: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete schedules rows affected: %w", err)
		}
		return nil
	})
	return removed, err
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, cron_expr, prompt, engine_id, kind, priority, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules
		ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DueSchedules returns enabled schedules whose next_run_at is unset or has
// passed. A NULL next_run_at means the schedule has never fired.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, cron_expr, prompt, engine_id, kind, priority, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules
		WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		ORDER BY name ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// UpdateScheduleRun records a firing and the computed next run time.
func (s *Store) UpdateScheduleRun(ctx context.Context, name string, lastRun, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE name = ?;
		`, lastRun.UTC(), nextRun.UTC(), name)
		if err != nil {
			return fmt.Errorf("update schedule run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update schedule rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("schedule %q not found", name)
		}
		return nil
	})
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var (
			sched   Schedule
			nextRun sql.NullTime
			lastRun sql.NullTime
		)
		if err := rows.Scan(
			&sched.Name,
			&sched.CronExpr,
			&sched.Prompt,
			&sched.EngineID,
			&sched.Kind,
			&sched.Priority,
			&sched.Enabled,
			&nextRun,
			&lastRun,
			&sched.CreatedAt,
			&sched.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}
