package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-loom/internal/persistence"
)

func sampleSchedule(name string) persistence.Schedule {
	return persistence.Schedule{
		Name:     name,
		CronExpr: "0 3 * * *",
		Prompt:   "summarize the day",
		EngineID: "scripted",
		Kind:     "chat",
		Priority: "normal",
		Enabled:  true,
	}
}

func TestUpsertSchedule_InsertAndList(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSchedule(ctx, sampleSchedule("nightly")); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	scheds, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(scheds) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(scheds))
	}
	got := scheds[0]
	if got.Name != "nightly" || got.CronExpr != "0 3 * * *" || !got.Enabled {
		t.Fatalf("unexpected schedule: %+v", got)
	}
	if got.NextRunAt != nil {
		t.Fatalf("fresh schedule should have no next_run_at, got %v", got.NextRunAt)
	}
}

func TestUpsertSchedule_RejectsEmptyName(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.UpsertSchedule(context.Background(), persistence.Schedule{CronExpr: "* * * * *", Prompt: "p"}); err == nil {
		t.Fatalf("expected error for empty schedule name")
	}
}

func TestUpsertSchedule_UpdatePreservesRunTimestamps(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSchedule(ctx, sampleSchedule("nightly")); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
	lastRun := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)
	nextRun := lastRun.Add(24 * time.Hour)
	if err := store.UpdateScheduleRun(ctx, "nightly", lastRun, nextRun); err != nil {
		t.Fatalf("update schedule run: %v", err)
	}

	// Same cron expression: timestamps survive the upsert.
	updated := sampleSchedule("nightly")
	updated.Prompt = "new prompt"
	if err := store.UpsertSchedule(ctx, updated); err != nil {
		t.Fatalf("re-upsert schedule: %v", err)
	}
	scheds, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if scheds[0].Prompt != "new prompt" {
		t.Fatalf("prompt not updated: %+v", scheds[0])
	}
	if scheds[0].NextRunAt == nil {
		t.Fatalf("next_run_at lost on same-cron upsert")
	}
}

func TestUpsertSchedule_CronChangeResetsNextRun(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertSchedule(ctx, sampleSchedule("nightly")); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
	lastRun := time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)
	if err := store.UpdateScheduleRun(ctx, "nightly", lastRun, lastRun.Add(24*time.Hour)); err != nil {
		t.Fatalf("update schedule run: %v", err)
	}

	changed := sampleSchedule("nightly")
	changed.CronExpr = "30 6 * * *"
	if err := store.UpsertSchedule(ctx, changed); err != nil {
		t.Fatalf("upsert changed schedule: %v", err)
	}
	scheds, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if scheds[0].NextRunAt != nil {
		t.Fatalf("expected next_run_at reset after cron change, got %v", scheds[0].NextRunAt)
	}
}

func TestDueSchedules(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// Never fired: due immediately.
	if err := store.UpsertSchedule(ctx, sampleSchedule("fresh")); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}
	// Fired, next run in the past: due.
	if err := store.UpsertSchedule(ctx, sampleSchedule("overdue")); err != nil {
		t.Fatalf("upsert overdue: %v", err)
	}
	if err := store.UpdateScheduleRun(ctx, "overdue", now.Add(-2*time.Hour), now.Add(-time.Hour)); err != nil {
		t.Fatalf("update overdue: %v", err)
	}
	// Fired, next run in the future: not due.
	if err := store.UpsertSchedule(ctx, sampleSchedule("future")); err != nil {
		t.Fatalf("upsert future: %v", err)
	}
	if err := store.UpdateScheduleRun(ctx, "future", now.Add(-time.Hour), now.Add(time.Hour)); err != nil {
		t.Fatalf("update future: %v", err)
	}
	// Disabled: never due.
	disabled := sampleSchedule("disabled")
	disabled.Enabled = false
	if err := store.UpsertSchedule(ctx, disabled); err != nil {
		t.Fatalf("upsert disabled: %v", err)
	}

	due, err := store.DueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	names := make([]string, len(due))
	for i, s := range due {
		names[i] = s.Name
	}
	if len(names) != 2 || names[0] != "fresh" || names[1] != "overdue" {
		t.Fatalf("due = %v, want [fresh overdue]", names)
	}
}

func TestUpdateScheduleRun_UnknownName(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Now()
	if err := store.UpdateScheduleRun(context.Background(), "ghost", now, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected error updating unknown schedule")
	}
}

func TestDeleteSchedulesExcept(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"keep-a", "keep-b", "stale"} {
		if err := store.UpsertSchedule(ctx, sampleSchedule(name)); err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
	}

	removed, err := store.DeleteSchedulesExcept(ctx, []string{"keep-a", "keep-b"})
	if err != nil {
		t.Fatalf("delete schedules: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	scheds, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(scheds) != 2 {
		t.Fatalf("expected 2 surviving schedules, got %d", len(scheds))
	}

	// Empty keep list wipes the table.
	removed, err = store.DeleteSchedulesExcept(ctx, nil)
	if err != nil {
		t.Fatalf("delete all schedules: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
}
