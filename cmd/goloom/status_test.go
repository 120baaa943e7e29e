package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-loom/internal/persistence"
	"github.com/basket/go-loom/internal/task"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	t.Setenv("GOLOOM_HOME", t.TempDir())
	if code := runStatusCommand(context.Background(), []string{"unexpected"}); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

func TestRunStatusCommand_FreshHome(t *testing.T) {
	t.Setenv("GOLOOM_HOME", t.TempDir())
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("expected exit 0 on empty store, got %d", code)
	}
}

func TestRunStatusCommand_JSON(t *testing.T) {
	t.Setenv("GOLOOM_HOME", t.TempDir())
	if code := runStatusCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestRunStatusCommand_SeededStore(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOLOOM_HOME", home)

	store, err := persistence.Open(filepath.Join(home, "loom.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Now().UTC()
	rec := task.RunRecord{
		TaskID:      "t-1",
		Kind:        "chat",
		EngineID:    "scripted",
		Priority:    "normal",
		Status:      "success",
		SubmittedAt: now.Add(-2 * time.Second),
		StartedAt:   now.Add(-time.Second),
		EndedAt:     now,
		Duration:    time.Second,
	}
	if err := store.RecordRun(context.Background(), rec); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := store.UpsertSchedule(context.Background(), persistence.Schedule{
		Name:     "nightly",
		CronExpr: "0 3 * * *",
		Prompt:   "summarize",
		Enabled:  true,
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
	store.Close()

	if code := runStatusCommand(context.Background(), []string{"-n", "5"}); code != 0 {
		t.Fatalf("expected exit 0 with seeded store, got %d", code)
	}
}
