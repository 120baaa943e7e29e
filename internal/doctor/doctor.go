// Package doctor runs local diagnostic checks: config, home permissions,
// store health, engine preconditions, and API reachability.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes the diagnostic checks in order and collects their results.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkStore,
		checkEngines,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "No configuration available"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml yet (serve writes a starter on first run)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Config loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config unavailable"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot write to home directory: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory is writable"}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "Config unavailable"}
	}
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "loom.db"))
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.CountRunsByStatus(ctx); err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Store", Status: "PASS", Message: "Connection and schema valid"}
}

// checkEngines verifies each declared engine's local preconditions: cli
// commands resolve on PATH, anthropic entries have a key. A broken default
// engine fails the check; other engines only warn.
func checkEngines(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Engines", Status: "SKIP", Message: "Config unavailable"}
	}
	if len(cfg.Engines) == 0 {
		return CheckResult{Name: "Engines", Status: "WARN", Message: "No engines declared (scripted fallback will be used)"}
	}

	status := "PASS"
	var details []string
	degrade := func(id string) {
		if id == cfg.DefaultEngine {
			status = "FAIL"
		} else if status != "FAIL" {
			status = "WARN"
		}
	}

	for _, e := range cfg.Engines {
		switch e.Type {
		case "scripted":
			details = append(details, fmt.Sprintf("%s: ok (scripted)", e.ID))
		case "cli":
			if _, err := exec.LookPath(e.Command); err != nil {
				details = append(details, fmt.Sprintf("%s: command %q not on PATH", e.ID, e.Command))
				degrade(e.ID)
			} else {
				details = append(details, fmt.Sprintf("%s: ok (%s)", e.ID, e.Command))
			}
		case "anthropic":
			if cfg.EngineAPIKey(e) == "" {
				envName := e.APIKeyEnv
				if envName == "" {
					envName = "ANTHROPIC_API_KEY"
				}
				details = append(details, fmt.Sprintf("%s: %s not set", e.ID, envName))
				degrade(e.ID)
			} else {
				details = append(details, fmt.Sprintf("%s: ok (key configured)", e.ID))
			}
		default:
			details = append(details, fmt.Sprintf("%s: unknown type %q", e.ID, e.Type))
			degrade(e.ID)
		}
	}

	return CheckResult{
		Name:    "Engines",
		Status:  status,
		Message: fmt.Sprintf("Checked %d engines", len(cfg.Engines)),
		Detail:  strings.Join(details, "; "),
	}
}

// checkNetwork resolves the API host for the first hosted engine declared in
// config. Local-only configurations skip the check.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config unavailable"}
	}

	host := ""
	for _, e := range cfg.Engines {
		if e.Type != "anthropic" {
			continue
		}
		host = "api.anthropic.com"
		if e.BaseURL != "" {
			if u, err := url.Parse(e.BaseURL); err == nil && u.Hostname() != "" {
				host = u.Hostname()
			}
		}
		break
	}
	if host == "" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No hosted engines configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("Cannot resolve %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %s to %d addresses in %dms", host, len(addrs), latency.Milliseconds()),
	}
}
