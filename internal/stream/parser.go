// Package stream converts a backend's raw output (JSON lines mixed with free
// text) into the normalized event vocabulary, incrementally.
package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/event"
)

// ToolCall describes a tool invocation observed on the stream.
type ToolCall struct {
	ID     string
	Name   string
	Args   map[string]any
	Status event.ToolCallStatus
}

// Parser is an incremental line parser. Feed it raw chunks; it buffers
// partial lines and emits normalized events for each complete one.
type Parser struct {
	mu        sync.Mutex
	logger    *slog.Logger
	buf       []byte
	sessionID string
	text      strings.Builder
	calls     map[string]*ToolCall
	order     []string
}

// New creates a Parser. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		logger: logger,
		calls:  make(map[string]*ToolCall),
	}
}

// envelope is the superset of fields across backend JSON line shapes. The
// message field is raw because it is an object for assistant/user lines and a
// plain string on some error lines. Backends disagree on spelling: session ids
// arrive as session_id, sessionId, or extra.session_id, and tool lines use
// tool/args/result or tool_name/input/output.
type envelope struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"session_id"`
	SessionIDAlt string          `json:"sessionId"`
	Subtype      string          `json:"subtype"`
	Message      json.RawMessage `json:"message"`
	Extra        struct {
		Message   string `json:"message"`
		SessionID string `json:"session_id"`
	} `json:"extra"`
	Text     string         `json:"text"`
	Tool     string         `json:"tool"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
	Input    map[string]any `json:"input"`
	Result   string         `json:"result"`
	Output   string         `json:"output"`
	IsError  bool           `json:"is_error"`
	Error    string         `json:"error"`
}

func (e envelope) session() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	if e.SessionIDAlt != "" {
		return e.SessionIDAlt
	}
	return e.Extra.SessionID
}

func (e envelope) toolName() string {
	if e.Tool != "" {
		return e.Tool
	}
	return e.ToolName
}

func (e envelope) toolArgs() map[string]any {
	if e.Args != nil {
		return e.Args
	}
	return e.Input
}

func (e envelope) toolResult() string {
	if e.Result != "" {
		return e.Result
	}
	return e.Output
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

var systemProgress = map[string]string{
	"init":      "initializing",
	"reading":   "reading files",
	"writing":   "writing files",
	"thinking":  "thinking",
	"searching": "searching",
}

// Feed appends chunk to the line buffer and parses every complete line. A
// trailing partial line stays buffered until a newline arrives. Lines are
// split off before any is parsed, so a session_end mid-chunk resets state
// without losing the lines behind it.
func (p *Parser) Feed(chunk []byte) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(p.buf[:i]))
		p.buf = p.buf[i+1:]
	}

	var out []event.Event
	for _, line := range lines {
		out = append(out, p.parseLine(line)...)
	}
	return out
}

// ParseLine parses a single line in isolation, bypassing the chunk buffer.
func (p *Parser) ParseLine(line string) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parseLine(line)
}

func (p *Parser) parseLine(line string) []event.Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "{") {
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err == nil {
			return p.dispatch(env)
		}
	}
	return p.parseText(line)
}

func (p *Parser) dispatch(env envelope) []event.Event {
	switch env.Type {
	case "system":
		return p.handleSystem(env)
	case "session_start":
		return p.adoptSession(env)
	case "assistant":
		return p.handleAssistant(env)
	case "user":
		return p.handleUser(env)
	case "text_delta":
		p.text.WriteString(env.Text)
		return []event.Event{event.AssistantMessage(env.Text, true, nil)}
	case "tool_start":
		return p.handleToolStart(env)
	case "tool_end":
		return p.handleToolEnd(env)
	case "permission_request":
		return []event.Event{event.Progress("awaiting permission")}
	case "error":
		return []event.Event{event.Error(p.errorMessage(env), env.Subtype)}
	case "session_end":
		id := p.sessionID
		p.reset()
		return []event.Event{event.SessionEnd(id, event.ReasonCompleted)}
	default:
		p.logger.Debug("ignoring unknown stream event", "type", env.Type)
		return nil
	}
}

func (p *Parser) handleSystem(env envelope) []event.Event {
	out := p.adoptSession(env)
	if msg := systemMessage(env); msg != "" {
		out = append(out, event.Progress(msg))
	}
	return out
}

// adoptSession captures a newly announced session id. Re-announcements of the
// id already held emit nothing, so a system line after an explicit
// session_start does not duplicate the event.
func (p *Parser) adoptSession(env envelope) []event.Event {
	id := env.session()
	if id == "" || id == p.sessionID {
		return nil
	}
	p.sessionID = id
	return []event.Event{event.SessionStart(id)}
}

// systemMessage maps well-known subtypes to readable progress text and passes
// everything else through.
func systemMessage(env envelope) string {
	if env.Subtype != "" {
		if mapped, ok := systemProgress[env.Subtype]; ok {
			return mapped
		}
		return env.Subtype
	}
	return env.Extra.Message
}

func (p *Parser) handleAssistant(env envelope) []event.Event {
	if len(env.Message) == 0 {
		return nil
	}
	var msg wireMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		p.logger.Debug("malformed assistant message", "error", err)
		return nil
	}

	var out []event.Event
	var text strings.Builder
	var refs []event.ToolCallRef
	for _, block := range blocksOf(msg.Content) {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			id := block.ID
			if id == "" {
				id = uuid.NewString()
			}
			call := &ToolCall{ID: id, Name: block.Name, Args: block.Input, Status: event.ToolCallPending}
			p.track(call)
			refs = append(refs, event.ToolCallRef{ID: call.ID, Name: call.Name, Status: call.Status})
			out = append(out, event.ToolCallStart(call.ID, call.Name, call.Args))
		}
	}
	if text.Len() == 0 && len(refs) == 0 {
		return out
	}
	p.text.WriteString(text.String())
	return append(out, event.AssistantMessage(text.String(), false, refs))
}

func (p *Parser) handleUser(env envelope) []event.Event {
	if len(env.Message) == 0 {
		return nil
	}
	var msg wireMessage
	if err := json.Unmarshal(env.Message, &msg); err != nil {
		p.logger.Debug("malformed user message", "error", err)
		return nil
	}

	var out []event.Event
	for _, block := range blocksOf(msg.Content) {
		if block.Type != "tool_result" {
			continue
		}
		call := p.calls[block.ToolUseID]
		if call == nil {
			p.logger.Debug("tool_result for unknown call", "tool_use_id", block.ToolUseID)
			continue
		}
		success := !block.IsError
		if success {
			call.Status = event.ToolCallCompleted
		} else {
			call.Status = event.ToolCallFailed
		}
		out = append(out, event.ToolCallEnd(call.ID, call.Name, blockText(block.Content), success))
	}
	return out
}

// handleToolStart covers backends that announce tool use without a call id.
// The parser mints one; the matching tool_end closes the most recent pending
// call with the same name.
func (p *Parser) handleToolStart(env envelope) []event.Event {
	name := env.toolName()
	if name == "" {
		name = "unknown"
	}
	call := &ToolCall{ID: uuid.NewString(), Name: name, Args: env.toolArgs(), Status: event.ToolCallPending}
	p.track(call)
	return []event.Event{
		event.Progress("running tool: " + name),
		event.ToolCallStart(call.ID, call.Name, call.Args),
	}
}

func (p *Parser) handleToolEnd(env envelope) []event.Event {
	name := env.toolName()
	var call *ToolCall
	for i := len(p.order) - 1; i >= 0; i-- {
		c := p.calls[p.order[i]]
		if c.Status == event.ToolCallPending && (name == "" || c.Name == name) {
			call = c
			break
		}
	}
	if call == nil {
		p.logger.Debug("tool_end without a pending call", "tool", name)
		return nil
	}
	success := !env.IsError
	if success {
		call.Status = event.ToolCallCompleted
	} else {
		call.Status = event.ToolCallFailed
	}
	return []event.Event{
		event.Progress("finished tool: " + call.Name),
		event.ToolCallEnd(call.ID, call.Name, env.toolResult(), success),
	}
}

func (p *Parser) errorMessage(env envelope) string {
	var s string
	if len(env.Message) > 0 && json.Unmarshal(env.Message, &s) == nil && s != "" {
		return s
	}
	if env.Error != "" {
		return env.Error
	}
	return "backend error"
}

// parseText handles non-JSON output from backends that narrate in plain text.
func (p *Parser) parseText(line string) []event.Event {
	switch {
	case strings.HasPrefix(line, "Calling tool:"):
		name := strings.TrimSpace(strings.TrimPrefix(line, "Calling tool:"))
		if name == "" {
			name = "unknown"
		}
		call := &ToolCall{ID: uuid.NewString(), Name: name, Status: event.ToolCallPending}
		p.track(call)
		return []event.Event{
			event.Progress(line),
			event.ToolCallStart(call.ID, call.Name, nil),
		}
	case strings.HasPrefix(line, "Error:"):
		msg := strings.TrimSpace(strings.TrimPrefix(line, "Error:"))
		if msg == "" {
			msg = line
		}
		return []event.Event{event.Error(msg, "")}
	default:
		return []event.Event{event.Token(line)}
	}
}

func (p *Parser) track(call *ToolCall) {
	p.calls[call.ID] = call
	p.order = append(p.order, call.ID)
}

// Reset clears session id, accumulated text, tool-call state, and the line
// buffer.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

func (p *Parser) reset() {
	p.sessionID = ""
	p.text.Reset()
	p.calls = make(map[string]*ToolCall)
	p.order = nil
	p.buf = nil
}

// SessionID returns the captured session id, or "" before one is seen.
func (p *Parser) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// AccumulatedText returns all assistant text seen so far.
func (p *Parser) AccumulatedText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text.String()
}

// ActiveToolCalls returns tool calls still pending, in start order.
func (p *Parser) ActiveToolCalls() []ToolCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []ToolCall
	for _, id := range p.order {
		if c := p.calls[id]; c.Status == event.ToolCallPending {
			out = append(out, *c)
		}
	}
	return out
}

// blocksOf decodes a message content field that is either a block array or a
// bare string.
func blocksOf(raw json.RawMessage) []wireBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []wireBlock{{Type: "text", Text: s}}
	}
	return nil
}

// blockText extracts readable text from a tool_result content field, which
// may be a string, a block array, or arbitrary JSON.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return string(raw)
}
