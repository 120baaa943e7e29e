package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/event"
	"github.com/basket/go-loom/internal/persistence"
	"github.com/basket/go-loom/internal/pool"
	"github.com/basket/go-loom/internal/task"
	"github.com/basket/go-loom/internal/telemetry"
)

// stringList accumulates repeated -file flags.
type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// runRunCommand submits one task against an in-process runtime, streams its
// tokens to stdout, and exits with the task's outcome.
func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	engineID := fs.String("engine", "", "engine id (default: the configured default engine)")
	kind := fs.String("kind", "chat", "task kind: chat, refactor, analyze, generate")
	priority := fs.String("priority", "", "queue priority: urgent, high, normal, low")
	timeout := fs.Duration("timeout", 0, "per-task timeout (default: config task_timeout_seconds)")
	var files stringList
	fs.Var(&files, "file", "file path passed to the engine (repeatable)")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: goloom run [-engine id] [-kind kind] [-priority p] [-timeout d] [-file path]... <prompt>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// File-only logging keeps stdout clean for the streamed output.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	eventBus := bus.New()
	registry := engine.NewRegistry(engine.RegistryConfig{Bus: eventBus, Logger: logger})
	if err := registerEngines(ctx, registry, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "engine setup: %v\n", err)
		return 1
	}

	pools := pool.NewManager(pool.Config{
		MaxPoolSize:        cfg.Pool.MaxSize,
		MaxIdleTime:        time.Duration(cfg.Pool.MaxIdleSeconds) * time.Second,
		MaxSessionLifetime: time.Duration(cfg.Pool.MaxLifetimeSeconds) * time.Second,
		Logger:             logger,
	})
	defer pools.Dispose()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "loom.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		return 1
	}
	defer store.Close()

	manager := task.NewManager(task.ManagerConfig{
		Registry:       registry,
		Pools:          pools,
		Bus:            eventBus,
		MaxParallel:    1,
		DefaultTimeout: cfg.TaskTimeout(),
		Store:          store,
		Logger:         logger,
	})
	defer manager.Dispose()

	// The bus delivers synchronously, so token order is stream order. One
	// task is in flight; every token belongs to it.
	var streamed atomic.Bool
	unsub := eventBus.Subscribe(string(event.TypeToken), func(ev event.Event) {
		if ev.Token != nil {
			fmt.Print(ev.Token.Text)
			streamed.Store(true)
		}
	}, bus.Options{})
	defer unsub()

	out, err := manager.Execute(ctx, engine.Task{
		Kind:     engine.TaskKind(*kind),
		EngineID: *engineID,
		Input:    engine.TaskInput{Prompt: prompt, Files: files},
	}, task.SubmitOptions{
		Priority: task.Priority(*priority),
		Timeout:  *timeout,
	})
	if streamed.Load() {
		fmt.Println()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	if !streamed.Load() && out != nil {
		fmt.Printf("%v\n", out)
	}
	return 0
}
