package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/persistence"
)

type statusReport struct {
	Version       string                 `json:"version"`
	Home          string                 `json:"home"`
	Fingerprint   string                 `json:"fingerprint"`
	DefaultEngine string                 `json:"default_engine"`
	RunCounts     map[string]int64       `json:"run_counts"`
	RecentRuns    []persistence.Run      `json:"recent_runs"`
	Schedules     []persistence.Schedule `json:"schedules"`
}

// runStatusCommand reports run history and schedule state from the store.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("n", 10, "recent runs to show")
	jsonOutput := fs.Bool("json", false, "emit the report as JSON")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: goloom status [-n N] [-json]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "loom.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer store.Close()

	counts, err := store.CountRunsByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run counts: %v\n", err)
		return 1
	}
	runs, err := store.RecentRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "recent runs: %v\n", err)
		return 1
	}
	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedules: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(statusReport{
			Version:       Version,
			Home:          cfg.HomeDir,
			Fingerprint:   cfg.Fingerprint(),
			DefaultEngine: cfg.DefaultEngine,
			RunCounts:     counts,
			RecentRuns:    runs,
			Schedules:     schedules,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("goloom %s\n", Version)
	fmt.Printf("home:           %s\n", cfg.HomeDir)
	fmt.Printf("default engine: %s\n", cfg.DefaultEngine)
	fmt.Printf("config:         %s\n", cfg.Fingerprint())

	var total int64
	for _, n := range counts {
		total += n
	}
	fmt.Printf("runs:           %d total (%d success, %d error, %d canceled)\n",
		total, counts["success"], counts["error"], counts["canceled"])

	if len(runs) > 0 {
		fmt.Println()
		fmt.Printf("%-36s  %-9s %-12s %-8s %10s  %s\n",
			"TASK", "KIND", "ENGINE", "STATUS", "DURATION", "ENDED")
		for _, r := range runs {
			fmt.Printf("%-36s  %-9s %-12s %-8s %10s  %s\n",
				r.TaskID, r.Kind, r.EngineID, r.Status,
				r.Duration.Round(time.Millisecond),
				r.EndedAt.Local().Format("2006-01-02 15:04:05"))
		}
	}

	if len(schedules) > 0 {
		fmt.Println()
		fmt.Printf("%-20s %-16s %-8s %-20s %s\n",
			"SCHEDULE", "CRON", "ENABLED", "NEXT RUN", "LAST RUN")
		for _, s := range schedules {
			fmt.Printf("%-20s %-16s %-8t %-20s %s\n",
				s.Name, s.CronExpr, s.Enabled,
				formatScheduleTime(s.NextRunAt), formatScheduleTime(s.LastRunAt))
		}
	}
	return 0
}

func formatScheduleTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
