package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestCapabilities_Supports(t *testing.T) {
	open := Capabilities{}
	if !open.Supports(KindChat) || !open.Supports(KindRefactor) {
		t.Fatalf("empty Kinds should accept every task kind")
	}

	narrow := Capabilities{Kinds: []TaskKind{KindChat, KindAnalyze}}
	if !narrow.Supports(KindAnalyze) {
		t.Fatalf("Supports(analyze) = false, want true")
	}
	if narrow.Supports(KindGenerate) {
		t.Fatalf("Supports(generate) = true, want false")
	}
}

func TestSessionConfig_Options(t *testing.T) {
	cfg := SessionConfig{Options: map[string]any{
		"model":      "m-1",
		"verbose":    true,
		"as_int":     7,
		"as_int64":   int64(8),
		"as_float":   float64(9),
		"fractional": 9.5,
		"as_number":  json.Number("10"),
	}}

	if s, ok := cfg.StringOption("model"); !ok || s != "m-1" {
		t.Fatalf("StringOption(model) = %q, %v", s, ok)
	}
	if _, ok := cfg.StringOption("missing"); ok {
		t.Fatalf("StringOption(missing) = true, want false")
	}
	if _, ok := cfg.StringOption("verbose"); ok {
		t.Fatalf("StringOption on bool = true, want false")
	}
	if b, ok := cfg.BoolOption("verbose"); !ok || !b {
		t.Fatalf("BoolOption(verbose) = %v, %v", b, ok)
	}

	tests := []struct {
		key    string
		want   int
		wantOK bool
	}{
		{"as_int", 7, true},
		{"as_int64", 8, true},
		{"as_float", 9, true},
		{"as_number", 10, true},
		{"fractional", 0, false},
		{"model", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := cfg.IntOption(tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("IntOption(%s) = %d, %v, want %d, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr string
	}{
		{"valid chat", Task{Kind: KindChat, Input: TaskInput{Prompt: "hi"}}, ""},
		{"empty kind allowed", Task{Input: TaskInput{Prompt: "hi"}}, ""},
		{"empty prompt", Task{Kind: KindChat}, "prompt must be non-empty"},
		{"whitespace prompt", Task{Kind: KindChat, Input: TaskInput{Prompt: "  \n"}}, "prompt must be non-empty"},
		{"unknown kind", Task{Kind: "compile", Input: TaskInput{Prompt: "hi"}}, "unknown task kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateOptions(t *testing.T) {
	schema, err := CompileOptionsSchema(json.RawMessage(`{
		"type": "object",
		"properties": {"max_tokens": {"type": "integer", "minimum": 1}},
		"additionalProperties": false
	}`))
	if err != nil {
		t.Fatalf("CompileOptionsSchema() error = %v", err)
	}

	if err := ValidateOptions(schema, map[string]any{"max_tokens": 100}); err != nil {
		t.Fatalf("ValidateOptions(valid) error = %v", err)
	}
	err = ValidateOptions(schema, map[string]any{"max_tokens": "lots"})
	if err == nil || !strings.Contains(err.Error(), "session options rejected") {
		t.Fatalf("ValidateOptions(invalid) error = %v, want rejection", err)
	}
	if err := ValidateOptions(schema, map[string]any{"temperature": 0.5}); err == nil {
		t.Fatalf("ValidateOptions(extra key) error = nil, want rejection")
	}
}

func TestCompileOptionsSchema_BadDocument(t *testing.T) {
	if _, err := CompileOptionsSchema(json.RawMessage(`{"type": 42}`)); err == nil {
		t.Fatalf("CompileOptionsSchema(bad) error = nil, want error")
	}
}

func TestScripted_CreateSessionValidatesOptions(t *testing.T) {
	e := NewScripted(ScriptedConfig{
		ID: "gated",
		Capabilities: Capabilities{OptionsSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"mode": {"type": "string", "enum": ["fast", "careful"]}}
		}`)},
	})

	if _, err := e.CreateSession(SessionConfig{Options: map[string]any{"mode": "fast"}}); err != nil {
		t.Fatalf("CreateSession(valid options) error = %v", err)
	}
	if _, err := e.CreateSession(SessionConfig{Options: map[string]any{"mode": "reckless"}}); err == nil {
		t.Fatalf("CreateSession(invalid options) error = nil, want rejection")
	}
	// No schema accepts anything.
	plain := NewScripted(ScriptedConfig{ID: "open"})
	if _, err := plain.CreateSession(SessionConfig{Options: map[string]any{"anything": 1}}); err != nil {
		t.Fatalf("CreateSession without schema error = %v", err)
	}
}

func TestScripted_Defaults(t *testing.T) {
	e := NewScripted(ScriptedConfig{})
	if e.ID() != "scripted" || e.Name() != "Scripted" {
		t.Fatalf("defaults = %s/%s, want scripted/Scripted", e.ID(), e.Name())
	}
	if !e.Capabilities().Streaming {
		t.Fatalf("Capabilities().Streaming = false, want true")
	}
	if !e.IsAvailable(context.Background()) {
		t.Fatalf("IsAvailable() = false, want true by default")
	}
	e.SetAvailable(false)
	if e.IsAvailable(context.Background()) {
		t.Fatalf("IsAvailable() = true after SetAvailable(false)")
	}
}

func TestNewCLI_Validation(t *testing.T) {
	if _, err := NewCLI(CLIConfig{Command: "agent"}); err == nil {
		t.Fatalf("NewCLI without id error = nil, want error")
	}
	if _, err := NewCLI(CLIConfig{ID: "cli"}); err == nil {
		t.Fatalf("NewCLI without command error = nil, want error")
	}

	e, err := NewCLI(CLIConfig{ID: "cli", Command: "agent"})
	if err != nil {
		t.Fatalf("NewCLI() error = %v", err)
	}
	if e.Name() != "cli" {
		t.Fatalf("Name() = %q, want id fallback", e.Name())
	}
	caps := e.Capabilities()
	if !caps.Streaming || !caps.TaskAbort {
		t.Fatalf("Capabilities() = %+v, want streaming and abort forced on", caps)
	}
}

func TestCLI_IsAvailableMissingBinary(t *testing.T) {
	e, err := NewCLI(CLIConfig{ID: "cli", Command: "goloom-no-such-binary", Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewCLI() error = %v", err)
	}
	if e.IsAvailable(context.Background()) {
		t.Fatalf("IsAvailable() = true for a binary not on PATH")
	}
}

func TestStderrTail(t *testing.T) {
	if got := stderrTail([]byte("  short error\n")); got != "short error" {
		t.Fatalf("stderrTail(short) = %q", got)
	}
	long := strings.Repeat("x", 600) + "TAIL"
	got := stderrTail([]byte(long))
	if len(got) != 512 {
		t.Fatalf("stderrTail(long) len = %d, want 512", len(got))
	}
	if !strings.HasSuffix(got, "TAIL") {
		t.Fatalf("stderrTail(long) lost the tail: %q", got[len(got)-10:])
	}
}

func TestRedactedEnv(t *testing.T) {
	got := redactedEnv([]string{"AGENT_API_KEY=sk-real-key", "AGENT_MODE=fast", "MALFORMED"})
	want := []string{"AGENT_API_KEY=[REDACTED]", "AGENT_MODE=fast", "MALFORMED"}
	if len(got) != len(want) {
		t.Fatalf("redactedEnv len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("redactedEnv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAnthropic_Defaults(t *testing.T) {
	e := NewAnthropic(AnthropicConfig{APIKey: "sk-test"})
	if e.ID() != "anthropic" {
		t.Fatalf("ID() = %q, want anthropic", e.ID())
	}
	if !e.IsAvailable(context.Background()) {
		t.Fatalf("IsAvailable() = false with key set")
	}
	caps := e.Capabilities()
	if caps.Version != defaultAnthropicModel {
		t.Fatalf("Capabilities().Version = %q, want default model", caps.Version)
	}
	if len(caps.OptionsSchema) == 0 {
		t.Fatalf("Capabilities().OptionsSchema empty, want schema")
	}

	unkeyed := NewAnthropic(AnthropicConfig{})
	if unkeyed.IsAvailable(context.Background()) {
		t.Fatalf("IsAvailable() = true without key")
	}
}

func TestAnthropic_CreateSessionValidatesOptions(t *testing.T) {
	e := NewAnthropic(AnthropicConfig{APIKey: "sk-test", Logger: testLogger()})
	if _, err := e.CreateSession(SessionConfig{Options: map[string]any{"max_tokens": 256}}); err != nil {
		t.Fatalf("CreateSession(valid) error = %v", err)
	}
	if _, err := e.CreateSession(SessionConfig{Options: map[string]any{"max_tokens": 0}}); err == nil {
		t.Fatalf("CreateSession(max_tokens=0) error = nil, want rejection")
	}
}

func TestRetryableAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"api 429", &anthropic.Error{StatusCode: 429}, true},
		{"api 503", &anthropic.Error{StatusCode: 503}, true},
		{"api 400", &anthropic.Error{StatusCode: 400}, false},
		{"api 401", &anthropic.Error{StatusCode: 401}, false},
		{"transport reset", errors.New("read tcp: connection reset by peer"), true},
		{"dns failure", errors.New("dial tcp: lookup api: no such host"), true},
		{"plain failure", errors.New("invalid request body"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableAPIError(tt.err); got != tt.want {
				t.Fatalf("retryableAPIError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
