package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/event"
	"github.com/basket/go-loom/internal/ratelimit"
	"github.com/basket/go-loom/internal/shared"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// anthropicOptionsSchema gates per-session overrides of the request shape.
var anthropicOptionsSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"model": {"type": "string"},
		"max_tokens": {"type": "integer", "minimum": 1},
		"system": {"type": "string"}
	},
	"additionalProperties": true
}`)

// Anthropic streams task prompts through the Anthropic Messages API. Text
// deltas become token events; tool_use blocks are surfaced as tool call
// events but not executed.
type Anthropic struct {
	id         string
	name       string
	client     anthropic.Client
	model      string
	maxTokens  int64
	system     string
	apiKey     string
	maxRetries int
	retryDelay time.Duration
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	caps       Capabilities
	gate       optionsGate
}

// AnthropicConfig configures NewAnthropic. An empty APIKey builds an engine
// that reports itself unavailable.
type AnthropicConfig struct {
	ID      string
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	// MaxTokens bounds the response length, 4096 by default.
	MaxTokens int64
	// System is the default system prompt, overridable per session.
	System string
	// MaxRetries caps retry attempts on transient API errors, 3 by default.
	MaxRetries int
	// RetryDelay seeds the exponential backoff, one second by default.
	RetryDelay time.Duration
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
}

// NewAnthropic builds the Anthropic engine.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.ID == "" {
		cfg.ID = "anthropic"
	}
	if cfg.Name == "" {
		cfg.Name = "Anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	caps := Capabilities{
		Streaming:          true,
		ConcurrentSessions: true,
		TaskAbort:          true,
		Description:        "Anthropic Messages API",
		Version:            cfg.Model,
		OptionsSchema:      anthropicOptionsSchema,
	}
	return &Anthropic{
		id:         cfg.ID,
		name:       cfg.Name,
		client:     anthropic.NewClient(opts...),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		system:     cfg.System,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		limiter:    cfg.Limiter,
		logger:     logger.With("component", "engine", "engine_id", cfg.ID),
		caps:       caps,
		gate:       optionsGate{raw: anthropicOptionsSchema},
	}
}

func (e *Anthropic) ID() string                 { return e.id }
func (e *Anthropic) Name() string               { return e.name }
func (e *Anthropic) Capabilities() Capabilities { return e.caps }

// IsAvailable reports whether an API key is configured. No network probe:
// the key is the only local precondition.
func (e *Anthropic) IsAvailable(ctx context.Context) bool {
	return e.apiKey != ""
}

// CreateSession validates cfg.Options against the engine's schema and
// returns a session whose runs call the Messages API.
func (e *Anthropic) CreateSession(cfg SessionConfig) (Session, error) {
	if err := e.gate.check(cfg); err != nil {
		return nil, err
	}
	producer := func(ctx context.Context, task Task, emit func(event.Event)) error {
		return e.run(ctx, cfg, task, emit)
	}
	return NewSession(uuid.NewString(), cfg, producer, e.logger), nil
}

func (e *Anthropic) run(ctx context.Context, cfg SessionConfig, task Task, emit func(event.Event)) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	params := e.buildParams(cfg, task)

	// Retry only while nothing has been emitted: replaying a partially
	// streamed response would duplicate output downstream.
	var emitted bool
	for attempt := 0; ; attempt++ {
		err := e.streamOnce(ctx, params, emit, &emitted)
		if err == nil {
			return nil
		}
		if emitted || attempt >= e.maxRetries || !retryableAPIError(err) {
			return err
		}
		delay := e.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		e.logger.Warn("anthropic call failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"trace_id", shared.TraceID(ctx),
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Anthropic) buildParams(cfg SessionConfig, task Task) anthropic.MessageNewParams {
	model := e.model
	if m, ok := cfg.StringOption("model"); ok && m != "" {
		model = m
	}
	maxTokens := e.maxTokens
	if n, ok := cfg.IntOption("max_tokens"); ok && n > 0 {
		maxTokens = int64(n)
	}
	system := e.system
	if s, ok := cfg.StringOption("system"); ok && s != "" {
		system = s
	}

	content := task.Input.Prompt
	if len(task.Input.Files) > 0 {
		content = fmt.Sprintf("%s\n\nFiles:\n%s", content, strings.Join(task.Input.Files, "\n"))
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(content))},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	return params
}

type pendingTool struct {
	id   string
	name string
}

func (e *Anthropic) streamOnce(ctx context.Context, params anthropic.MessageNewParams, emit func(event.Event), emitted *bool) error {
	stream := e.client.Messages.NewStreaming(ctx, params)

	send := func(ev event.Event) {
		*emitted = true
		emit(ev)
	}

	var (
		text      strings.Builder
		toolCalls []event.ToolCallRef
		pending   []pendingTool
		curTool   *pendingTool
		curInput  strings.Builder
		inTokens  int64
		outTokens int64
	)

	for stream.Next() {
		se := stream.Current()
		switch se.Type {
		case "message_start":
			ms := se.AsMessageStart()
			inTokens = ms.Message.Usage.InputTokens
			send(event.SessionStart(ms.Message.ID))

		case "content_block_start":
			cb := se.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				curTool = &pendingTool{id: tu.ID, name: tu.Name}
				curInput.Reset()
			}

		case "content_block_delta":
			delta := se.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				text.WriteString(delta.Text)
				send(event.Token(delta.Text))
			case "input_json_delta":
				curInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if curTool == nil {
				break
			}
			args := map[string]any{}
			if raw := curInput.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					e.logger.Debug("tool input not valid JSON", "tool", curTool.name, "error", err)
				}
			}
			send(event.ToolCallStart(curTool.id, curTool.name, args))
			toolCalls = append(toolCalls, event.ToolCallRef{ID: curTool.id, Name: curTool.name, Status: event.ToolCallPending})
			pending = append(pending, *curTool)
			curTool = nil

		case "message_delta":
			outTokens = se.AsMessageDelta().Usage.OutputTokens

		case "message_stop":
			if text.Len() > 0 || len(toolCalls) > 0 {
				send(event.AssistantMessage(text.String(), false, toolCalls))
			}
			// Tool execution is delegated to the consumer; close the calls
			// so every start has a matching end.
			for _, p := range pending {
				send(event.ToolCallEnd(p.id, p.name, "not executed", false))
			}
			if text.Len() > 0 {
				send(event.Result(text.String()))
			}
			e.logger.Debug("anthropic stream complete",
				"task_id", shared.TaskID(ctx),
				"input_tokens", inTokens,
				"output_tokens", outTokens,
			)
			return nil

		case "error":
			return errors.New("anthropic stream error")
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

// retryableAPIError reports whether err is transient: a retryable HTTP
// status from the API, or a transport-level failure.
func retryableAPIError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"rate_limit", "429", "timeout",
		"connection reset", "connection refused",
		"no such host", "service unavailable",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
