package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-loom/internal/task"
)

func sampleRun(taskID, status string) task.RunRecord {
	submitted := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	return task.RunRecord{
		TaskID:      taskID,
		Kind:        "chat",
		EngineID:    "scripted",
		SessionID:   "sess-1",
		Priority:    "normal",
		Status:      status,
		SubmittedAt: submitted,
		StartedAt:   submitted.Add(50 * time.Millisecond),
		EndedAt:     submitted.Add(2 * time.Second),
		Duration:    1950 * time.Millisecond,
	}
}

func TestRecordRun_RoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := sampleRun("task-1", "success")
	if err := store.RecordRun(ctx, rec); err != nil {
		t.Fatalf("record run: %v", err)
	}

	runs, err := store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.TaskID != "task-1" || got.Status != "success" {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.EngineID != "scripted" || got.SessionID != "sess-1" || got.Priority != "normal" {
		t.Fatalf("metadata not preserved: %+v", got)
	}
	if got.Duration != 1950*time.Millisecond {
		t.Fatalf("duration = %v, want 1950ms", got.Duration)
	}
	if got.StartedAt.IsZero() {
		t.Fatalf("expected started_at to round-trip")
	}
}

func TestRecordRun_NeverStartedHasNullStart(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	rec := sampleRun("task-held", "canceled")
	rec.StartedAt = time.Time{}
	rec.Duration = 0
	if err := store.RecordRun(ctx, rec); err != nil {
		t.Fatalf("record run: %v", err)
	}

	runs, err := store.RecentRuns(ctx, 1)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if !runs[0].StartedAt.IsZero() {
		t.Fatalf("expected zero started_at for never-started run, got %v", runs[0].StartedAt)
	}
}

func TestRecentRuns_NewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.RecordRun(ctx, sampleRun(id, "success")); err != nil {
			t.Fatalf("record run %s: %v", id, err)
		}
	}

	runs, err := store.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].TaskID != "c" || runs[1].TaskID != "b" {
		t.Fatalf("expected newest-first [c b], got [%s %s]", runs[0].TaskID, runs[1].TaskID)
	}
}

func TestRunsForTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.RecordRun(ctx, sampleRun("target", "error")); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := store.RecordRun(ctx, sampleRun("other", "success")); err != nil {
		t.Fatalf("record run: %v", err)
	}

	runs, err := store.RunsForTask(ctx, "target")
	if err != nil {
		t.Fatalf("runs for task: %v", err)
	}
	if len(runs) != 1 || runs[0].TaskID != "target" {
		t.Fatalf("expected only the target run, got %+v", runs)
	}
}

func TestCountRunsByStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for _, status := range []string{"success", "success", "error", "canceled"} {
		if err := store.RecordRun(ctx, sampleRun("t", status)); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}

	counts, err := store.CountRunsByStatus(ctx)
	if err != nil {
		t.Fatalf("count runs: %v", err)
	}
	if counts["success"] != 2 || counts["error"] != 1 || counts["canceled"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestPruneRuns(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.RecordRun(ctx, sampleRun("t", "success")); err != nil {
			t.Fatalf("record run: %v", err)
		}
	}

	removed, err := store.PruneRuns(ctx, 2)
	if err != nil {
		t.Fatalf("prune runs: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 pruned, got %d", removed)
	}
	runs, err := store.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 surviving runs, got %d", len(runs))
	}
}
