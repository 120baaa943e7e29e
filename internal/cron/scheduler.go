// Package cron fires due schedules by submitting tasks to the task manager.
// Schedule definitions live in config.yaml and are synced into the store so
// run timestamps survive restarts.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/persistence"
	"github.com/basket/go-loom/internal/task"
)

// cronParser accepts the classic five-field form: minute hour dom month dow.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Submitter hands scheduled work to the runtime. *task.Manager satisfies it.
type Submitter interface {
	Submit(t engine.Task, opts task.SubmitOptions) (string, error)
}

// Config wires the scheduler's collaborators.
type Config struct {
	Store     *persistence.Store
	Submitter Submitter
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler polls the store for schedules whose next run has arrived and
// submits one task per hit.
type Scheduler struct {
	store     *persistence.Store
	submitter Submitter
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a stopped scheduler; Start begins ticking.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		submitter: cfg.Submitter,
		logger:    logger,
		interval:  interval,
	}
}

// Start launches the tick loop in the background. The loop exits when ctx
// is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop halts the loop and blocks until it has exited.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First pass runs immediately so overdue schedules do not wait out an
	// interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every schedule the store reports due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: due schedule query failed", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire submits a task for the given schedule and updates its run timestamps.
// On submit failure the timestamps stay untouched so the next tick retries.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	t := engine.Task{
		Kind:     engine.TaskKind(sched.Kind),
		EngineID: sched.EngineID,
		Input:    engine.TaskInput{Prompt: sched.Prompt},
	}
	taskID, err := s.submitter.Submit(t, task.SubmitOptions{Priority: task.Priority(sched.Priority)})
	if err != nil {
		s.logger.Error("cron: schedule submit rejected",
			"schedule", sched.Name,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: next run computation failed",
			"schedule", sched.Name,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.Name, now, nextRun); err != nil {
		s.logger.Error("cron: schedule bookkeeping failed",
			"schedule", sched.Name,
			"error", err,
		)
		return
	}

	s.logger.Info("cron: submitted scheduled task",
		"schedule", sched.Name,
		"task_id", taskID,
		"next_run_at", nextRun,
	)
}

// NextRunTime evaluates a cron expression against a reference time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// SyncSchedules reconciles the store with the schedule entries declared in
// config.yaml: declared names are upserted, everything else is removed.
func SyncSchedules(ctx context.Context, store *persistence.Store, entries []config.ScheduleEntry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, err := NextRunTime(e.Cron, time.Now()); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", e.Name, e.Cron, err)
		}
		priority := e.Priority
		if !task.Priority(priority).Valid() {
			logger.Warn("cron: invalid schedule priority, using normal",
				"schedule", e.Name, "priority", priority)
			priority = string(task.PriorityNormal)
		}
		sched := persistence.Schedule{
			Name:     e.Name,
			CronExpr: e.Cron,
			Prompt:   e.Prompt,
			EngineID: e.EngineID,
			Kind:     e.Kind,
			Priority: priority,
			Enabled:  !e.Disabled,
		}
		if err := store.UpsertSchedule(ctx, sched); err != nil {
			return err
		}
		names = append(names, e.Name)
	}
	removed, err := store.DeleteSchedulesExcept(ctx, names)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info("cron: removed stale schedules", "count", removed)
	}
	return nil
}
