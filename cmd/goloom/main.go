package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/cron"
	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/event"
	otelPkg "github.com/basket/go-loom/internal/otel"
	"github.com/basket/go-loom/internal/persistence"
	"github.com/basket/go-loom/internal/pool"
	"github.com/basket/go-loom/internal/ratelimit"
	"github.com/basket/go-loom/internal/task"
	"github.com/basket/go-loom/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

COMMANDS:
  %s [serve]                  Run the orchestrator (foreground, logs to stdout)
  %s run [options] <prompt>   Submit one task, stream its output, and exit
  %s status [-n N] [-json]    Show run history and schedule state
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOLOOM_HOME             Data directory (default: ~/.goloom)
  GOLOOM_LOG_LEVEL        Log level override (debug, info, warn, error)
  GOLOOM_ENGINE           Default engine override
  ANTHROPIC_API_KEY       API key for anthropic engines

EXAMPLES:
  Run the orchestrator:   %s serve
  One-shot task:          %s run "summarize the open TODOs"
  Inspect run history:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch command {
	case "help", "-h", "--help":
		printUsage()
	case "serve":
		if len(args) != 0 {
			fmt.Fprintln(os.Stderr, "usage: goloom serve")
			os.Exit(2)
		}
		runServe(ctx)
	case "run":
		os.Exit(runRunCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage()
		os.Exit(2)
	}
}

// runServe brings up the full orchestrator and blocks until the signal
// context ends, then drains within the configured timeout.
func runServe(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if cfg.NeedsGenesis {
		if err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("starter config.yaml written", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Version:     Version,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	// Token throughput is observed off the bus so the counter covers every
	// engine's stream rather than only tasks the manager ran.
	unsubTokens := eventBus.Subscribe(string(event.TypeToken), func(event.Event) {
		metrics.StreamTokens.Add(context.Background(), 1)
	}, bus.Options{})
	defer unsubTokens()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "loom.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	if removed, err := store.PruneRuns(ctx, cfg.RetentionRuns); err != nil {
		logger.Warn("run history prune failed", "error", err)
	} else if removed > 0 {
		logger.Info("run history pruned", "removed", removed, "keep", cfg.RetentionRuns)
	}

	registry := engine.NewRegistry(engine.RegistryConfig{Bus: eventBus, Logger: logger})
	if err := registerEngines(ctx, registry, cfg, logger); err != nil {
		fatalStartup(logger, "E_ENGINE_REGISTER", err)
	}
	logger.Info("startup phase", "phase", "engines_registered",
		"count", len(registry.List()), "default_engine", registry.DefaultID())

	pools := pool.NewManager(pool.Config{
		MaxPoolSize:        cfg.Pool.MaxSize,
		MinPoolSize:        cfg.Pool.MinSize,
		MaxIdleTime:        time.Duration(cfg.Pool.MaxIdleSeconds) * time.Second,
		MaxSessionLifetime: time.Duration(cfg.Pool.MaxLifetimeSeconds) * time.Second,
		OnCreate: func(engineID string) {
			metrics.SessionsCreated.Add(context.Background(), 1,
				metric.WithAttributes(otelPkg.AttrEngineID.String(engineID)))
		},
		OnDestroy: func(engineID string) {
			metrics.SessionsDestroyed.Add(context.Background(), 1,
				metric.WithAttributes(otelPkg.AttrEngineID.String(engineID)))
		},
		Logger: logger,
	})
	defer pools.Dispose()

	manager := task.NewManager(task.ManagerConfig{
		Registry:       registry,
		Pools:          pools,
		Bus:            eventBus,
		MaxParallel:    cfg.MaxParallel,
		MaxQueueDepth:  cfg.MaxQueueDepth,
		DefaultTimeout: cfg.TaskTimeout(),
		HistorySize:    cfg.HistorySize,
		Store:          store,
		Logger:         logger,
		OnStart: func(engineID string) {
			metrics.TasksActive.Add(context.Background(), 1,
				metric.WithAttributes(otelPkg.AttrEngineID.String(engineID)))
		},
		OnFinish: func(engineID string, status event.TaskStatus, d time.Duration) {
			attrs := metric.WithAttributes(
				otelPkg.AttrEngineID.String(engineID),
				otelPkg.AttrTaskStatus.String(string(status)),
			)
			metrics.TasksActive.Add(context.Background(), -1,
				metric.WithAttributes(otelPkg.AttrEngineID.String(engineID)))
			metrics.TasksCompleted.Add(context.Background(), 1, attrs)
			metrics.TaskDuration.Record(context.Background(), d.Seconds(), attrs)
		},
	})

	if err := cron.SyncSchedules(ctx, store, cfg.Schedules, logger); err != nil {
		fatalStartup(logger, "E_SCHEDULE_SYNC", err)
	}
	cronSched := cron.NewScheduler(cron.Config{Store: store, Submitter: manager, Logger: logger})
	cronSched.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "schedules", len(cfg.Schedules))

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		current := cfg
		fingerprint := current.Fingerprint()
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload rejected; retaining previous config", "error", err)
				continue
			}
			nextFingerprint := next.Fingerprint()
			if nextFingerprint == fingerprint {
				continue
			}
			reconcileEngines(ctx, registry, pools, current, next, logger)
			if err := cron.SyncSchedules(ctx, store, next.Schedules, logger); err != nil {
				logger.Error("schedule sync failed on reload", "error", err)
			}
			current = next
			fingerprint = nextFingerprint
			logger.Info("config hot-reloaded", "fingerprint", fingerprint)
		}
	}()

	// Hourly run-history retention.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := store.PruneRuns(ctx, cfg.RetentionRuns); err != nil {
					logger.Error("run history prune failed", "error", err)
				} else if removed > 0 {
					logger.Info("run history pruned", "removed", removed)
				}
			}
		}
	}()

	logger.Info("goloom ready",
		"version", Version,
		"fingerprint", cfg.Fingerprint(),
		"max_parallel", cfg.MaxParallel,
		"default_engine", registry.DefaultID(),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop intake first so the drain only waits on work already accepted.
	cronSched.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := manager.WaitIdle(drainCtx); err != nil {
		st := manager.Queue().Stats()
		logger.Warn("drain timeout; aborting remaining tasks",
			"pending", st.Pending, "running", st.Running)
	}
	manager.Dispose()
	logger.Info("shutdown complete")
}

// buildEngine constructs the engine an EngineEntry declares.
func buildEngine(entry config.EngineEntry, cfg config.Config, logger *slog.Logger) (engine.Engine, error) {
	var limiter *ratelimit.Limiter
	if entry.RequestsPerMinute > 0 {
		limiter = ratelimit.New(entry.RequestsPerMinute)
	}

	switch entry.Type {
	case "scripted":
		return engine.NewScripted(engine.ScriptedConfig{ID: entry.ID}), nil
	case "cli":
		return engine.NewCLI(engine.CLIConfig{
			ID:      entry.ID,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			Limiter: limiter,
			Logger:  logger,
		})
	case "anthropic":
		return engine.NewAnthropic(engine.AnthropicConfig{
			ID:        entry.ID,
			APIKey:    cfg.EngineAPIKey(entry),
			BaseURL:   entry.BaseURL,
			Model:     entry.Model,
			MaxTokens: int64(entry.MaxTokens),
			Limiter:   limiter,
			Logger:    logger,
		}), nil
	default:
		return nil, fmt.Errorf("engine %s: unknown type %q", entry.ID, entry.Type)
	}
}

// registerEngines registers every declared engine and probes availability.
// With no engines declared it falls back to a scripted echo engine so the
// runtime stays usable.
func registerEngines(ctx context.Context, registry *engine.Registry, cfg config.Config, logger *slog.Logger) error {
	if len(cfg.Engines) == 0 {
		logger.Warn("no engines declared in config.yaml; registering scripted fallback")
		return registry.Register(engine.NewScripted(engine.ScriptedConfig{}), engine.RegisterOptions{AsDefault: true})
	}
	for _, entry := range cfg.Engines {
		eng, err := buildEngine(entry, cfg, logger)
		if err != nil {
			return err
		}
		if err := registry.Register(eng, engine.RegisterOptions{AsDefault: entry.ID == cfg.DefaultEngine}); err != nil {
			return err
		}
	}
	// Initialize logs per-engine unavailability; the runtime still starts
	// so engines can come up later (keys exported, binaries installed).
	registry.InitializeAll(ctx)
	return nil
}

// reconcileEngines applies a config reload to the live registry: engines
// removed from config are unregistered (their pools cleared), new ones are
// registered, and changed ones are recreated.
func reconcileEngines(ctx context.Context, registry *engine.Registry, pools *pool.Manager,
	old, next config.Config, logger *slog.Logger) {
	oldMap := make(map[string]config.EngineEntry, len(old.Engines))
	for _, e := range old.Engines {
		oldMap[e.ID] = e
	}
	nextMap := make(map[string]config.EngineEntry, len(next.Engines))
	for _, e := range next.Engines {
		nextMap[e.ID] = e
	}

	for id := range oldMap {
		if _, kept := nextMap[id]; !kept {
			pools.RemovePool(id)
			registry.Unregister(ctx, id)
			logger.Info("engine removed on reload", "engine_id", id)
		}
	}

	for id, entry := range nextMap {
		prev, existed := oldMap[id]
		if existed && engineEntryEqual(prev, entry) {
			continue
		}
		if existed {
			pools.RemovePool(id)
			registry.Unregister(ctx, id)
		}
		eng, err := buildEngine(entry, next, logger)
		if err != nil {
			logger.Error("failed to build engine on reload", "engine_id", id, "error", err)
			continue
		}
		if err := registry.Register(eng, engine.RegisterOptions{AsDefault: id == next.DefaultEngine}); err != nil {
			logger.Error("failed to register engine on reload", "engine_id", id, "error", err)
			continue
		}
		registry.Initialize(ctx, id)
		logger.Info("engine registered on reload", "engine_id", id, "changed", existed)
	}

	if next.DefaultEngine != "" && next.DefaultEngine != old.DefaultEngine {
		if err := registry.SetDefault(next.DefaultEngine); err != nil {
			logger.Warn("failed to switch default engine on reload",
				"engine_id", next.DefaultEngine, "error", err)
		}
	}
}

// engineEntryEqual ignores the Default flag: flipping it switches the
// registry default without recreating the engine or dropping its pool.
func engineEntryEqual(a, b config.EngineEntry) bool {
	return a.Type == b.Type &&
		a.Command == b.Command &&
		strings.Join(a.Args, "\x00") == strings.Join(b.Args, "\x00") &&
		strings.Join(a.Env, "\x00") == strings.Join(b.Env, "\x00") &&
		a.Model == b.Model &&
		a.APIKeyEnv == b.APIKeyEnv &&
		a.BaseURL == b.BaseURL &&
		a.MaxTokens == b.MaxTokens &&
		a.RequestsPerMinute == b.RequestsPerMinute &&
		a.WorkspaceDir == b.WorkspaceDir
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
