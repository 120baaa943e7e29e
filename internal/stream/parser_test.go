package stream

import (
	"testing"

	"github.com/basket/go-loom/internal/event"
)

func TestParser_FeedBuffersPartialLines(t *testing.T) {
	p := New(nil)

	events := p.Feed([]byte(`{"type":"system","session_id":"s1","subty`))
	if len(events) != 0 {
		t.Fatalf("events before newline = %d, want 0", len(events))
	}

	events = p.Feed([]byte("pe\":\"init\"}\n"))
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (session_start, progress)", len(events))
	}
	if events[0].Type != event.TypeSessionStart || events[0].Session.SessionID != "s1" {
		t.Fatalf("events[0] = %v/%+v, want session_start s1", events[0].Type, events[0].Session)
	}
	if events[1].Type != event.TypeProgress || events[1].Progress.Message != "initializing" {
		t.Fatalf("events[1] = %v/%+v, want progress initializing", events[1].Type, events[1].Progress)
	}
	if p.SessionID() != "s1" {
		t.Fatalf("SessionID() = %q, want %q", p.SessionID(), "s1")
	}
}

func TestParser_SystemDoesNotRepeatSessionStart(t *testing.T) {
	p := New(nil)

	first := p.ParseLine(`{"type":"system","session_id":"s1"}`)
	second := p.ParseLine(`{"type":"system","session_id":"s1","subtype":"thinking"}`)

	if len(first) != 1 || first[0].Type != event.TypeSessionStart {
		t.Fatalf("first = %v, want one session_start", first)
	}
	if len(second) != 1 || second[0].Type != event.TypeProgress {
		t.Fatalf("second = %v, want one progress only", second)
	}
}

func TestParser_SystemSubtypeMapping(t *testing.T) {
	cases := []struct {
		subtype string
		want    string
	}{
		{"init", "initializing"},
		{"reading", "reading files"},
		{"writing", "writing files"},
		{"thinking", "thinking"},
		{"searching", "searching"},
		{"compacting", "compacting"},
	}
	for _, tc := range cases {
		p := New(nil)
		events := p.ParseLine(`{"type":"system","subtype":"` + tc.subtype + `"}`)
		if len(events) != 1 {
			t.Fatalf("subtype %q: events = %d, want 1", tc.subtype, len(events))
		}
		if got := events[0].Progress.Message; got != tc.want {
			t.Fatalf("subtype %q: message = %q, want %q", tc.subtype, got, tc.want)
		}
	}
}

func TestParser_SystemExtraMessage(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"system","extra":{"message":"warming up"}}`)
	if len(events) != 1 || events[0].Progress.Message != "warming up" {
		t.Fatalf("events = %v, want progress %q", events, "warming up")
	}
}

func TestParser_SystemExtraSessionID(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"system","extra":{"message":"booting","session_id":"s8"}}`)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (session_start, progress)", len(events))
	}
	if events[0].Type != event.TypeSessionStart || events[0].Session.SessionID != "s8" {
		t.Fatalf("events[0] = %v/%+v, want session_start s8", events[0].Type, events[0].Session)
	}
	if events[1].Progress.Message != "booting" {
		t.Fatalf("events[1].Progress.Message = %q, want %q", events[1].Progress.Message, "booting")
	}
}

func TestParser_SessionStartLine(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"session_start","sessionId":"s7"}`)
	if len(events) != 1 || events[0].Type != event.TypeSessionStart || events[0].Session.SessionID != "s7" {
		t.Fatalf("events = %v, want one session_start s7", events)
	}
	if p.SessionID() != "s7" {
		t.Fatalf("SessionID() = %q, want %q", p.SessionID(), "s7")
	}

	events = p.ParseLine(`{"type":"system","session_id":"s7","subtype":"init"}`)
	if len(events) != 1 || events[0].Type != event.TypeProgress {
		t.Fatalf("events = %v, want one progress (id already adopted)", events)
	}

	if got := p.ParseLine(`{"type":"session_start"}`); len(got) != 0 {
		t.Fatalf("events = %v for session_start without id, want none", got)
	}
}

func TestParser_AssistantToolRoundTrip(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"c1","name":"read","input":{"path":"a"}}]}}`)
	if len(events) != 2 {
		t.Fatalf("assistant events = %d, want 2", len(events))
	}
	start := events[0]
	if start.Type != event.TypeToolCallStart {
		t.Fatalf("events[0].Type = %v, want tool_call_start", start.Type)
	}
	if start.ToolCall.CallID != "c1" || start.ToolCall.Tool != "read" {
		t.Fatalf("tool call = %+v, want c1/read", start.ToolCall)
	}
	if start.ToolCall.Args["path"] != "a" {
		t.Fatalf(`Args["path"] = %v, want "a"`, start.ToolCall.Args["path"])
	}
	msg := events[1]
	if msg.Type != event.TypeAssistantMessage {
		t.Fatalf("events[1].Type = %v, want assistant_message", msg.Type)
	}
	if msg.Assistant.Content != "" || msg.Assistant.IsDelta {
		t.Fatalf("assistant payload = %+v, want empty non-delta content", msg.Assistant)
	}
	if len(msg.Assistant.ToolCalls) != 1 || msg.Assistant.ToolCalls[0].ID != "c1" ||
		msg.Assistant.ToolCalls[0].Name != "read" || msg.Assistant.ToolCalls[0].Status != event.ToolCallPending {
		t.Fatalf("ToolCalls = %+v, want [c1 read pending]", msg.Assistant.ToolCalls)
	}

	active := p.ActiveToolCalls()
	if len(active) != 1 || active[0].ID != "c1" {
		t.Fatalf("ActiveToolCalls() = %+v, want [c1]", active)
	}

	events = p.ParseLine(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"c1","content":"ok"}]}}`)
	if len(events) != 1 {
		t.Fatalf("user events = %d, want 1", len(events))
	}
	end := events[0]
	if end.Type != event.TypeToolCallEnd {
		t.Fatalf("events[0].Type = %v, want tool_call_end", end.Type)
	}
	if end.ToolCall.CallID != "c1" || end.ToolCall.Tool != "read" || end.ToolCall.Result != "ok" || !end.ToolCall.Success {
		t.Fatalf("tool call end = %+v, want c1/read/ok/success", end.ToolCall)
	}

	if n := len(p.ActiveToolCalls()); n != 0 {
		t.Fatalf("ActiveToolCalls() = %d after result, want 0", n)
	}
}

func TestParser_AssistantTextConcat(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello "},{"type":"text","text":"world"}]}}`)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Assistant.Content != "Hello world" || events[0].Assistant.IsDelta {
		t.Fatalf("assistant payload = %+v, want concatenated non-delta text", events[0].Assistant)
	}
	if p.AccumulatedText() != "Hello world" {
		t.Fatalf("AccumulatedText() = %q, want %q", p.AccumulatedText(), "Hello world")
	}
}

func TestParser_TextDelta(t *testing.T) {
	p := New(nil)

	p.ParseLine(`{"type":"text_delta","text":"Hel"}`)
	events := p.ParseLine(`{"type":"text_delta","text":"lo"}`)

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != event.TypeAssistantMessage || !events[0].Assistant.IsDelta || events[0].Assistant.Content != "lo" {
		t.Fatalf("events[0] = %+v, want delta %q", events[0].Assistant, "lo")
	}
	if p.AccumulatedText() != "Hello" {
		t.Fatalf("AccumulatedText() = %q, want %q", p.AccumulatedText(), "Hello")
	}
}

func TestParser_ToolStartEndWithoutIDs(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"tool_start","tool":"bash","args":{"cmd":"ls"}}`)
	if len(events) != 2 {
		t.Fatalf("tool_start events = %d, want 2", len(events))
	}
	if events[0].Type != event.TypeProgress {
		t.Fatalf("events[0].Type = %v, want progress", events[0].Type)
	}
	if events[1].Type != event.TypeToolCallStart || events[1].ToolCall.Tool != "bash" {
		t.Fatalf("events[1] = %+v, want tool_call_start bash", events[1].ToolCall)
	}
	callID := events[1].ToolCall.CallID
	if callID == "" {
		t.Fatal("minted call id is empty")
	}

	events = p.ParseLine(`{"type":"tool_end","tool":"bash","result":"done"}`)
	if len(events) != 2 {
		t.Fatalf("tool_end events = %d, want 2", len(events))
	}
	end := events[1]
	if end.Type != event.TypeToolCallEnd || end.ToolCall.CallID != callID {
		t.Fatalf("tool_call_end = %+v, want call id %q", end.ToolCall, callID)
	}
	if end.ToolCall.Result != "done" || !end.ToolCall.Success {
		t.Fatalf("tool_call_end = %+v, want done/success", end.ToolCall)
	}
}

func TestParser_ToolFieldSpellings(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"tool_start","tool_name":"fmt","input":{"path":"x"}}`)
	if len(events) != 2 || events[1].ToolCall.Tool != "fmt" {
		t.Fatalf("tool_start events = %v, want tool_call_start fmt", events)
	}
	if events[1].ToolCall.Args["path"] != "x" {
		t.Fatalf(`Args["path"] = %v, want "x"`, events[1].ToolCall.Args["path"])
	}

	events = p.ParseLine(`{"type":"tool_end","tool_name":"fmt","output":"formatted"}`)
	if len(events) != 2 || events[1].ToolCall.Result != "formatted" || !events[1].ToolCall.Success {
		t.Fatalf("tool_end events = %v, want formatted/success", events)
	}
}

func TestParser_ToolEndClosesMostRecentPending(t *testing.T) {
	p := New(nil)

	p.ParseLine(`{"type":"tool_start","tool":"bash"}`)
	second := p.ParseLine(`{"type":"tool_start","tool":"bash"}`)
	secondID := second[1].ToolCall.CallID

	events := p.ParseLine(`{"type":"tool_end","tool":"bash","is_error":true}`)
	if events[1].ToolCall.CallID != secondID {
		t.Fatalf("closed call = %q, want most recent %q", events[1].ToolCall.CallID, secondID)
	}
	if events[1].ToolCall.Success {
		t.Fatal("Success = true for is_error result, want false")
	}

	if n := len(p.ActiveToolCalls()); n != 1 {
		t.Fatalf("ActiveToolCalls() = %d, want 1 (first still pending)", n)
	}
}

func TestParser_ToolResultError(t *testing.T) {
	p := New(nil)

	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"c9","name":"write","input":{}}]}}`)
	events := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"c9","content":"denied","is_error":true}]}}`)

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].ToolCall.Success {
		t.Fatal("Success = true, want false")
	}
	if events[0].ToolCall.Result != "denied" {
		t.Fatalf("Result = %q, want %q", events[0].ToolCall.Result, "denied")
	}
}

func TestParser_UnknownToolResultSkipped(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"nope","content":"x"}]}}`)
	if len(events) != 0 {
		t.Fatalf("events = %v, want none for unknown tool_use_id", events)
	}
}

func TestParser_PermissionRequest(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"permission_request","tool":"bash"}`)
	if len(events) != 1 || events[0].Progress.Message != "awaiting permission" {
		t.Fatalf("events = %v, want progress %q", events, "awaiting permission")
	}
}

func TestParser_ErrorLine(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"error","message":"boom"}`)
	if len(events) != 1 || events[0].Type != event.TypeError {
		t.Fatalf("events = %v, want one error", events)
	}
	if events[0].Error.Message != "boom" {
		t.Fatalf("message = %q, want %q", events[0].Error.Message, "boom")
	}
}

func TestParser_SessionEndResets(t *testing.T) {
	p := New(nil)

	p.ParseLine(`{"type":"system","session_id":"s1"}`)
	p.ParseLine(`{"type":"text_delta","text":"partial"}`)

	events := p.ParseLine(`{"type":"session_end"}`)
	if len(events) != 1 || events[0].Type != event.TypeSessionEnd {
		t.Fatalf("events = %v, want one session_end", events)
	}
	if events[0].Session.SessionID != "s1" || events[0].Session.Reason != event.ReasonCompleted {
		t.Fatalf("session payload = %+v, want s1/completed", events[0].Session)
	}
	if p.SessionID() != "" || p.AccumulatedText() != "" {
		t.Fatalf("state after reset: id=%q text=%q, want empty", p.SessionID(), p.AccumulatedText())
	}
}

func TestParser_ResetMatchesFreshParser(t *testing.T) {
	seasoned := New(nil)
	seasoned.Feed([]byte(`{"type":"system","session_id":"s1"}` + "\n" +
		`{"type":"text_delta","text":"Hel"}` + "\n" +
		`{"type":"tool_start","tool":"bash"}` + "\n" +
		`{"type":"sys`))
	seasoned.Reset()

	if id := seasoned.SessionID(); id != "" {
		t.Fatalf("SessionID() after Reset = %q, want empty", id)
	}
	if text := seasoned.AccumulatedText(); text != "" {
		t.Fatalf("AccumulatedText() after Reset = %q, want empty", text)
	}
	if calls := seasoned.ActiveToolCalls(); len(calls) != 0 {
		t.Fatalf("ActiveToolCalls() after Reset = %v, want none", calls)
	}

	chunk := []byte(`{"type":"system","session_id":"s9","subtype":"init"}` + "\n" +
		`{"type":"text_delta","text":"Hi"}` + "\n")
	got := seasoned.Feed(chunk)
	want := New(nil).Feed(chunk)

	if len(got) != len(want) {
		t.Fatalf("events after Reset = %d, want %d as from a fresh parser", len(got), len(want))
	}
	for i := range want {
		if got[i].Type != want[i].Type {
			t.Fatalf("events[%d].Type = %v, want %v", i, got[i].Type, want[i].Type)
		}
	}
	if got[0].Session.SessionID != "s9" {
		t.Fatalf("events[0] session = %q, want %q", got[0].Session.SessionID, "s9")
	}
	if seasoned.AccumulatedText() != "Hi" {
		t.Fatalf("AccumulatedText() = %q, want %q", seasoned.AccumulatedText(), "Hi")
	}
}

func TestParser_FeedLinesAfterSessionEnd(t *testing.T) {
	p := New(nil)

	chunk := []byte(`{"type":"system","session_id":"s1"}` + "\n" +
		`{"type":"session_end"}` + "\n" +
		`{"type":"system","session_id":"s2"}` + "\n")
	events := p.Feed(chunk)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3 (start, end, start)", len(events))
	}
	if events[1].Type != event.TypeSessionEnd || events[1].Session.SessionID != "s1" {
		t.Fatalf("events[1] = %+v, want session_end for s1", events[1])
	}
	if events[2].Type != event.TypeSessionStart || events[2].Session.SessionID != "s2" {
		t.Fatalf("events[2] = %+v, want session_start for s2", events[2])
	}
	if p.SessionID() != "s2" {
		t.Fatalf("SessionID() = %q, want %q", p.SessionID(), "s2")
	}
}

func TestParser_PlainTextFallback(t *testing.T) {
	p := New(nil)

	events := p.ParseLine("Calling tool: grep")
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (progress, tool_call_start)", len(events))
	}
	if events[0].Type != event.TypeProgress || events[1].Type != event.TypeToolCallStart {
		t.Fatalf("types = %v/%v, want progress/tool_call_start", events[0].Type, events[1].Type)
	}
	if events[1].ToolCall.Tool != "grep" {
		t.Fatalf("tool = %q, want %q", events[1].ToolCall.Tool, "grep")
	}

	events = p.ParseLine("Error: disk full")
	if len(events) != 1 || events[0].Type != event.TypeError || events[0].Error.Message != "disk full" {
		t.Fatalf("events = %v, want error %q", events, "disk full")
	}

	events = p.ParseLine("plain output")
	if len(events) != 1 || events[0].Type != event.TypeToken || events[0].Token.Text != "plain output" {
		t.Fatalf("events = %v, want one token %q", events, "plain output")
	}
}

func TestParser_MalformedJSONFallsBackToText(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"assistant", truncated`)
	if len(events) != 1 || events[0].Type != event.TypeToken {
		t.Fatalf("events = %v, want one token", events)
	}
}

func TestParser_UnknownTypeIgnored(t *testing.T) {
	p := New(nil)

	events := p.ParseLine(`{"type":"keep_alive"}`)
	if len(events) != 0 {
		t.Fatalf("events = %v, want none", events)
	}
}
