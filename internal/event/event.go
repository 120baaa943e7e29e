// Package event defines the normalized event vocabulary shared by engines,
// sessions, the stream parser, the event bus, and the task layer. Every value
// carries a Type discriminator; exactly one payload pointer matching the type
// is set.
package event

import "time"

// Type discriminates event variants.
type Type string

const (
	TypeToken            Type = "token"
	TypeAssistantMessage Type = "assistant_message"
	TypeUserMessage      Type = "user_message"
	TypeToolCallStart    Type = "tool_call_start"
	TypeToolCallEnd      Type = "tool_call_end"
	TypeProgress         Type = "progress"
	TypeError            Type = "error"
	TypeSessionStart     Type = "session_start"
	TypeSessionEnd       Type = "session_end"
	TypeTaskMetadata     Type = "task_metadata"
	TypeTaskProgress     Type = "task_progress"
	TypeTaskCompleted    Type = "task_completed"
	TypeTaskCanceled     Type = "task_canceled"
	TypeResult           Type = "result"
)

// TaskStatus is the runtime status of a queued task.
type TaskStatus string

const (
	StatusPending  TaskStatus = "pending"
	StatusRunning  TaskStatus = "running"
	StatusSuccess  TaskStatus = "success"
	StatusError    TaskStatus = "error"
	StatusCanceled TaskStatus = "canceled"
)

// Terminal reports whether the status is a terminal one.
func (s TaskStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCanceled
}

// EndReason describes why a session stream terminated.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonAborted   EndReason = "aborted"
	ReasonError     EndReason = "error"
)

// ToolCallStatus tracks an in-flight tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCallRef summarizes a tool call attached to an assistant message.
type ToolCallRef struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Status ToolCallStatus `json:"status"`
}

// TokenPayload carries a streamed text fragment.
type TokenPayload struct {
	Text string `json:"text"`
}

// AssistantPayload carries assistant output, either a delta or a full message.
type AssistantPayload struct {
	Content   string        `json:"content"`
	IsDelta   bool          `json:"is_delta"`
	ToolCalls []ToolCallRef `json:"tool_calls,omitempty"`
}

// UserPayload carries user input echoed into the stream.
type UserPayload struct {
	Content string   `json:"content"`
	Files   []string `json:"files,omitempty"`
}

// ToolCallPayload is shared by tool_call_start and tool_call_end. Args is set
// on start; Result and Success on end.
type ToolCallPayload struct {
	CallID  string         `json:"call_id"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Result  string         `json:"result,omitempty"`
	Success bool           `json:"success,omitempty"`
}

// ProgressPayload carries a human-readable progress note. Percent (0–100) is
// optional; nil means unknown.
type ProgressPayload struct {
	Message string   `json:"message,omitempty"`
	Percent *float64 `json:"percent,omitempty"`
}

// ErrorPayload carries a stream- or task-level error.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// SessionPayload is shared by session_start and session_end. Reason is set on
// session_end only.
type SessionPayload struct {
	SessionID string    `json:"session_id"`
	Reason    EndReason `json:"reason,omitempty"`
}

// TaskPayload is shared by the task_* variants. Which fields are populated
// depends on the variant: task_metadata carries status and timing,
// task_progress carries Message/Percent, task_completed carries the terminal
// status and duration, task_canceled carries Reason.
type TaskPayload struct {
	TaskID    string        `json:"task_id"`
	Status    TaskStatus    `json:"status,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Message   string        `json:"message,omitempty"`
	Percent   *float64      `json:"percent,omitempty"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ResultPayload carries a task's final output value.
type ResultPayload struct {
	Output any `json:"output"`
}

// Event is the normalized event. Time is stamped at construction; Namespace
// is set by channel facades on the bus (empty otherwise).
type Event struct {
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	Namespace string    `json:"namespace,omitempty"`

	Token     *TokenPayload     `json:"token,omitempty"`
	Assistant *AssistantPayload `json:"assistant,omitempty"`
	User      *UserPayload      `json:"user,omitempty"`
	ToolCall  *ToolCallPayload  `json:"tool_call,omitempty"`
	Progress  *ProgressPayload  `json:"progress,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Session   *SessionPayload   `json:"session,omitempty"`
	Task      *TaskPayload      `json:"task,omitempty"`
	Result    *ResultPayload    `json:"result,omitempty"`
}

// Topic returns the bus topic for the event, which is its type.
func (e Event) Topic() string { return string(e.Type) }

func base(t Type) Event {
	return Event{Type: t, Time: time.Now().UTC()}
}

// Token builds a token event.
func Token(text string) Event {
	e := base(TypeToken)
	e.Token = &TokenPayload{Text: text}
	return e
}

// AssistantMessage builds an assistant_message event.
func AssistantMessage(content string, isDelta bool, toolCalls []ToolCallRef) Event {
	e := base(TypeAssistantMessage)
	e.Assistant = &AssistantPayload{Content: content, IsDelta: isDelta, ToolCalls: toolCalls}
	return e
}

// UserMessage builds a user_message event.
func UserMessage(content string, files []string) Event {
	e := base(TypeUserMessage)
	e.User = &UserPayload{Content: content, Files: files}
	return e
}

// ToolCallStart builds a tool_call_start event.
func ToolCallStart(callID, tool string, args map[string]any) Event {
	e := base(TypeToolCallStart)
	e.ToolCall = &ToolCallPayload{CallID: callID, Tool: tool, Args: args}
	return e
}

// ToolCallEnd builds a tool_call_end event.
func ToolCallEnd(callID, tool, result string, success bool) Event {
	e := base(TypeToolCallEnd)
	e.ToolCall = &ToolCallPayload{CallID: callID, Tool: tool, Result: result, Success: success}
	return e
}

// Progress builds a progress event without a percentage.
func Progress(message string) Event {
	e := base(TypeProgress)
	e.Progress = &ProgressPayload{Message: message}
	return e
}

// ProgressPercent builds a progress event with a percentage (0–100).
func ProgressPercent(message string, percent float64) Event {
	e := base(TypeProgress)
	e.Progress = &ProgressPayload{Message: message, Percent: &percent}
	return e
}

// Error builds an error event.
func Error(message, code string) Event {
	e := base(TypeError)
	e.Error = &ErrorPayload{Message: message, Code: code}
	return e
}

// SessionStart builds a session_start event.
func SessionStart(sessionID string) Event {
	e := base(TypeSessionStart)
	e.Session = &SessionPayload{SessionID: sessionID}
	return e
}

// SessionEnd builds a session_end event.
func SessionEnd(sessionID string, reason EndReason) Event {
	e := base(TypeSessionEnd)
	e.Session = &SessionPayload{SessionID: sessionID, Reason: reason}
	return e
}

// TaskMetadata builds a task_metadata event from a prepared payload.
func TaskMetadata(p TaskPayload) Event {
	e := base(TypeTaskMetadata)
	e.Task = &p
	return e
}

// TaskProgress builds a task_progress event.
func TaskProgress(taskID, message string) Event {
	e := base(TypeTaskProgress)
	e.Task = &TaskPayload{TaskID: taskID, Message: message}
	return e
}

// TaskCompleted builds a task_completed event with the terminal status.
func TaskCompleted(taskID string, status TaskStatus, duration time.Duration, errMsg string) Event {
	e := base(TypeTaskCompleted)
	e.Task = &TaskPayload{TaskID: taskID, Status: status, Duration: duration, Error: errMsg}
	return e
}

// TaskCanceled builds a task_canceled event.
func TaskCanceled(taskID, reason string) Event {
	e := base(TypeTaskCanceled)
	e.Task = &TaskPayload{TaskID: taskID, Reason: reason}
	return e
}

// Result builds a result event carrying the task's output value.
func Result(output any) Event {
	e := base(TypeResult)
	e.Result = &ResultPayload{Output: output}
	return e
}
