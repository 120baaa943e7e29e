// Package engine defines the backend contract: an Engine produces Sessions,
// and a Session executes one task at a time as a normalized event stream.
// The package also hosts the process-wide engine registry and the shipped
// adapters (scripted, cli, anthropic).
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultSessionTimeout bounds a single run when the config sets none.
const DefaultSessionTimeout = 5 * time.Minute

// Capabilities describes what an engine supports.
type Capabilities struct {
	Kinds              []TaskKind // supported task kinds; empty means all
	Streaming          bool
	ConcurrentSessions bool
	TaskAbort          bool
	MaxSessions        int // 0 = unlimited
	Description        string
	Version            string

	// OptionsSchema, when set, is a JSON Schema document that
	// SessionConfig.Options must satisfy on CreateSession.
	OptionsSchema json.RawMessage
}

// Supports reports whether the engine accepts tasks of the given kind.
func (c Capabilities) Supports(kind TaskKind) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	return slices.Contains(c.Kinds, kind)
}

// SessionConfig parameterizes a session. Options is an open map passed
// through to the backend; the typed fields cover the subset the core reads.
type SessionConfig struct {
	WorkspaceDir string
	Verbose      bool
	Timeout      time.Duration // per-run bound; 0 means DefaultSessionTimeout
	Options      map[string]any
}

// StringOption reads a string entry from the open options map.
func (c SessionConfig) StringOption(key string) (string, bool) {
	v, ok := c.Options[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// BoolOption reads a bool entry from the open options map.
func (c SessionConfig) BoolOption(key string) (bool, bool) {
	v, ok := c.Options[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// IntOption reads an integer entry from the open options map. JSON-decoded
// numbers arrive as float64 and are accepted when integral.
func (c SessionConfig) IntOption(key string) (int, bool) {
	v, ok := c.Options[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// Engine produces sessions for a concrete backend.
type Engine interface {
	ID() string
	Name() string
	Capabilities() Capabilities
	CreateSession(cfg SessionConfig) (Session, error)
	IsAvailable(ctx context.Context) bool
}

// Initializer is implemented by engines that need setup before first use.
// The hook must be idempotent.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Cleaner is implemented by engines that hold resources to release on
// unregister. The hook must be idempotent.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// CompileOptionsSchema compiles an engine's options schema document.
func CompileOptionsSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal options schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("options.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("options.json")
	if err != nil {
		return nil, fmt.Errorf("compile options schema: %w", err)
	}
	return schema, nil
}

// ValidateOptions checks an options map against a compiled schema. A nil
// schema accepts everything.
func ValidateOptions(schema *jsonschema.Schema, options map[string]any) error {
	if schema == nil {
		return nil
	}
	if options == nil {
		options = map[string]any{}
	}
	data, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("session options rejected: %w", err)
	}
	return nil
}

// optionsGate compiles an engine's options schema on first use and validates
// session configs against it. The zero value (no schema) accepts everything.
type optionsGate struct {
	raw  json.RawMessage
	once sync.Once
	s    *jsonschema.Schema
	err  error
}

func (g *optionsGate) check(cfg SessionConfig) error {
	if len(g.raw) == 0 {
		return nil
	}
	g.once.Do(func() { g.s, g.err = CompileOptionsSchema(g.raw) })
	if g.err != nil {
		return fmt.Errorf("options schema: %w", g.err)
	}
	return ValidateOptions(g.s, cfg.Options)
}
