package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/event"
	"github.com/basket/go-loom/internal/ratelimit"
	"github.com/basket/go-loom/internal/shared"
	"github.com/basket/go-loom/internal/stream"
)

// scanBuffer caps a single output line from the agent process. Agent CLIs
// emit whole JSON events per line and tool results can be large.
const scanBuffer = 1024 * 1024

// CLI adapts an external agent binary that reads a prompt on stdin and
// writes JSON-lines events on stdout. Each session run spawns one process;
// aborting the run kills it.
type CLI struct {
	id      string
	name    string
	command string
	args    []string
	env     []string
	caps    Capabilities
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	gate    optionsGate
}

// CLIConfig configures NewCLI. ID and Command are required.
type CLIConfig struct {
	ID      string
	Name    string
	Command string
	// Args are passed before per-task arguments.
	Args []string
	// Env entries are appended to the parent environment.
	Env          []string
	Capabilities Capabilities
	Limiter      *ratelimit.Limiter
	Logger       *slog.Logger
}

// NewCLI builds an engine around an external agent command.
func NewCLI(cfg CLIConfig) (*CLI, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("cli engine id must be non-empty")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("cli engine %s: command must be non-empty", cfg.ID)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	caps := cfg.Capabilities
	caps.Streaming = true
	caps.TaskAbort = true
	if caps.Description == "" {
		caps.Description = fmt.Sprintf("external agent %s", cfg.Command)
	}
	return &CLI{
		id:      cfg.ID,
		name:    cfg.Name,
		command: cfg.Command,
		args:    cfg.Args,
		env:     cfg.Env,
		caps:    caps,
		limiter: cfg.Limiter,
		logger:  logger.With("component", "engine", "engine_id", cfg.ID),
		gate:    optionsGate{raw: caps.OptionsSchema},
	}, nil
}

func (e *CLI) ID() string                 { return e.id }
func (e *CLI) Name() string               { return e.name }
func (e *CLI) Capabilities() Capabilities { return e.caps }

// IsAvailable checks the command resolves on PATH and answers --version
// within three seconds.
func (e *CLI) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(e.command); err != nil {
		e.logger.Debug("command not on PATH", "command", e.command, "error", err)
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := exec.CommandContext(probeCtx, e.command, "--version").Run(); err != nil {
		e.logger.Debug("version probe failed", "command", e.command, "error", err)
		return false
	}
	return true
}

// CreateSession validates cfg.Options against the engine's schema and
// returns a session whose runs spawn the agent process.
func (e *CLI) CreateSession(cfg SessionConfig) (Session, error) {
	if err := e.gate.check(cfg); err != nil {
		return nil, err
	}
	producer := func(ctx context.Context, task Task, emit func(event.Event)) error {
		return e.run(ctx, cfg, task, emit)
	}
	return NewSession(uuid.NewString(), cfg, producer, e.logger), nil
}

func (e *CLI) run(ctx context.Context, cfg SessionConfig, task Task, emit func(event.Event)) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	args := slices.Clone(e.args)
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	args = append(args, task.Input.Files...)

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Dir = cfg.WorkspaceDir
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
		e.logger.Debug("agent env prepared", "env", redactedEnv(e.env))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.command, err)
	}
	e.logger.Debug("agent process started",
		"command", e.command,
		"pid", cmd.Process.Pid,
		"task_id", task.ID,
		"session_id", shared.SessionID(ctx),
		"trace_id", shared.TraceID(ctx),
	)

	go func() {
		defer stdin.Close()
		io.WriteString(stdin, task.Input.Prompt)
		io.WriteString(stdin, "\n")
	}()

	parser := stream.New(e.logger)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBuffer)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		for _, ev := range parser.ParseLine(scanner.Text()) {
			emit(ev)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if scanErr != nil {
		return fmt.Errorf("read agent output: %w", scanErr)
	}
	if waitErr != nil {
		if tail := stderrTail(stderr.Bytes()); tail != "" {
			return fmt.Errorf("%s exited: %w: %s", e.command, waitErr, tail)
		}
		return fmt.Errorf("%s exited: %w", e.command, waitErr)
	}
	return nil
}

// stderrTail keeps the last 512 bytes of stderr for error context.
func stderrTail(b []byte) string {
	const keep = 512
	if len(b) > keep {
		b = b[len(b)-keep:]
	}
	return strings.TrimSpace(string(b))
}

// redactedEnv renders declared KEY=VALUE pairs with secret values masked so
// the spawn log never carries an API key.
func redactedEnv(pairs []string) []string {
	out := make([]string, len(pairs))
	for i, kv := range pairs {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			out[i] = kv
			continue
		}
		out[i] = key + "=" + shared.RedactEnvValue(key, val)
	}
	return out
}
