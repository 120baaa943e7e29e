// Package config loads the goloom configuration from <home>/config.yaml,
// applies environment overrides, and watches the file for live reloads.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineEntry declares one engine to register at startup.
type EngineEntry struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"` // "scripted", "cli", or "anthropic"
	Default bool   `yaml:"default"`

	// cli engines: the external agent binary and its invocation.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// anthropic engines.
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`

	// RequestsPerMinute caps backend calls for this engine. 0 = unlimited.
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	WorkspaceDir      string `yaml:"workspace_dir"`
}

// ScheduleEntry declares a named cron schedule synced into the store on
// startup.
type ScheduleEntry struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"` // 5-field cron expression
	Prompt   string `yaml:"prompt"`
	EngineID string `yaml:"engine_id"`
	Kind     string `yaml:"kind"`
	Priority string `yaml:"priority"`
	Disabled bool   `yaml:"disabled"`
}

// PoolConfig bounds the per-engine session pools.
type PoolConfig struct {
	MaxSize            int `yaml:"max_size"`
	MinSize            int `yaml:"min_size"`
	MaxIdleSeconds     int `yaml:"max_idle_seconds"`
	MaxLifetimeSeconds int `yaml:"max_lifetime_seconds"`
}

// TelemetryConfig configures the OpenTelemetry provider. Mapped onto
// otel.Config at startup.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	MaxParallel         int    `yaml:"max_parallel"`
	MaxQueueDepth       int    `yaml:"max_queue_depth"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	HistorySize         int    `yaml:"history_size"`
	DefaultEngine       string `yaml:"default_engine"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	// RetentionRuns caps the run-history rows kept in the store; the serve
	// housekeeping job prunes older rows hourly.
	RetentionRuns int `yaml:"retention_runs"`

	Pool      PoolConfig      `yaml:"pool"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Engines   []EngineEntry   `yaml:"engines"`
	Schedules []ScheduleEntry `yaml:"schedules"`

	// NeedsGenesis is set when no config.yaml existed; serve seeds a
	// starter file in that case.
	NeedsGenesis bool `yaml:"-"`
}

// TaskTimeout returns the default per-task runtime bound.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// DrainTimeout bounds graceful shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Engine returns the declared entry for the given engine id.
func (c Config) Engine(id string) (EngineEntry, bool) {
	for _, e := range c.Engines {
		if e.ID == id {
			return e, true
		}
	}
	return EngineEntry{}, false
}

// EngineAPIKey resolves the API key for an engine entry: the declared env
// var first, then the conventional var for the engine type.
func (c Config) EngineAPIKey(e EngineEntry) string {
	if e.APIKeyEnv != "" {
		return os.Getenv(e.APIKeyEnv)
	}
	if e.Type == "anthropic" {
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// Fingerprint returns a stable hash of the orchestration-relevant config so
// reloads can detect effective changes.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "parallel=%d|depth=%d|timeout=%d|log=%s|engine=%s",
		c.MaxParallel, c.MaxQueueDepth, c.TaskTimeoutSeconds, c.LogLevel, c.DefaultEngine)
	for _, e := range c.Engines {
		fmt.Fprintf(h, "|eng=%s:%s:%s:%d", e.ID, e.Type, e.Command, e.RequestsPerMinute)
	}
	for _, s := range c.Schedules {
		fmt.Fprintf(h, "|sched=%s:%s:%t", s.Name, s.Cron, s.Disabled)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the goloom home: $GOLOOM_HOME or ~/.goloom.
func HomeDir() string {
	if override := os.Getenv("GOLOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goloom")
}

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		MaxParallel:         1,
		MaxQueueDepth:       100,
		TaskTimeoutSeconds:  300,
		HistorySize:         100,
		DrainTimeoutSeconds: 5,
		RetentionRuns:       5000,
		Pool: PoolConfig{
			MaxSize:            5,
			MaxIdleSeconds:     1800,
			MaxLifetimeSeconds: 7200,
		},
	}
}

// Load reads config.yaml from the goloom home (created on demand), applies
// environment overrides, and normalizes and validates the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goloom home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOLOOM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOLOOM_MAX_PARALLEL"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxParallel = v
		}
	}
	if raw := os.Getenv("GOLOOM_ENGINE"); raw != "" {
		cfg.DefaultEngine = raw
	}
	if raw := os.Getenv("GOLOOM_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOLOOM_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.MaxQueueDepth < 0 {
		cfg.MaxQueueDepth = 0
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = 300
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RetentionRuns <= 0 {
		cfg.RetentionRuns = 5000
	}
	if cfg.Pool.MaxSize <= 0 {
		cfg.Pool.MaxSize = 5
	}
	if cfg.Pool.MinSize < 0 {
		cfg.Pool.MinSize = 0
	}
	if cfg.Pool.MinSize > cfg.Pool.MaxSize {
		cfg.Pool.MinSize = cfg.Pool.MaxSize
	}
	if cfg.Pool.MaxIdleSeconds <= 0 {
		cfg.Pool.MaxIdleSeconds = 1800
	}
	if cfg.Pool.MaxLifetimeSeconds <= 0 {
		cfg.Pool.MaxLifetimeSeconds = 7200
	}

	for i := range cfg.Engines {
		e := &cfg.Engines[i]
		e.Type = strings.ToLower(strings.TrimSpace(e.Type))
		if e.Type == "" {
			e.Type = "scripted"
		}
		if e.RequestsPerMinute < 0 {
			e.RequestsPerMinute = 0
		}
	}
	if cfg.DefaultEngine == "" {
		for _, e := range cfg.Engines {
			if e.Default {
				cfg.DefaultEngine = e.ID
				break
			}
		}
	}
	if cfg.DefaultEngine == "" && len(cfg.Engines) > 0 {
		cfg.DefaultEngine = cfg.Engines[0].ID
	}

	for i := range cfg.Schedules {
		s := &cfg.Schedules[i]
		if s.Kind == "" {
			s.Kind = "chat"
		}
		if s.Priority == "" {
			s.Priority = "normal"
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Engines))
	for _, e := range cfg.Engines {
		if e.ID == "" {
			return fmt.Errorf("engine entry missing id")
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate engine id %q", e.ID)
		}
		seen[e.ID] = true
		switch e.Type {
		case "scripted", "cli", "anthropic":
		default:
			return fmt.Errorf("engine %s: unknown type %q", e.ID, e.Type)
		}
		if e.Type == "cli" && e.Command == "" {
			return fmt.Errorf("engine %s: cli engines require a command", e.ID)
		}
	}
	if cfg.DefaultEngine != "" && len(cfg.Engines) > 0 && !seen[cfg.DefaultEngine] {
		return fmt.Errorf("default engine %q is not declared", cfg.DefaultEngine)
	}

	names := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule entry missing name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		names[s.Name] = true
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("schedule %s: missing cron expression", s.Name)
		}
		if strings.TrimSpace(s.Prompt) == "" {
			return fmt.Errorf("schedule %s: missing prompt", s.Name)
		}
	}
	return nil
}

const starterYAML = `# goloom configuration
log_level: info
max_parallel: 1

engines:
  - id: scripted
    type: scripted
    default: true
  - id: anthropic
    type: anthropic
    api_key_env: ANTHROPIC_API_KEY
    requests_per_minute: 30
`

// WriteStarter seeds a commented starter config.yaml. It refuses to
// overwrite an existing file.
func WriteStarter(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config.yaml already exists at %s", path)
	}
	return os.WriteFile(path, []byte(starterYAML), 0o644)
}
