package engine

import (
	"errors"
	"fmt"
	"strings"
)

// TaskKind classifies a unit of work.
type TaskKind string

const (
	KindChat     TaskKind = "chat"
	KindRefactor TaskKind = "refactor"
	KindAnalyze  TaskKind = "analyze"
	KindGenerate TaskKind = "generate"
)

// Valid reports whether the kind is one of the known kinds.
func (k TaskKind) Valid() bool {
	switch k {
	case KindChat, KindRefactor, KindAnalyze, KindGenerate:
		return true
	}
	return false
}

// TaskInput is the work payload: a prompt, optional file paths, and an open
// extras map passed through to the backend.
type TaskInput struct {
	Prompt string
	Files  []string
	Extra  map[string]any
}

// Task identifies a unit of work. EngineID is optional; when empty the
// registry default is used. ID is immutable once submitted.
type Task struct {
	ID       string
	Kind     TaskKind
	Input    TaskInput
	EngineID string
}

// Validate checks the task is well formed enough to submit. An empty kind is
// allowed and treated as chat by the submitter.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Input.Prompt) == "" {
		return errors.New("task prompt must be non-empty")
	}
	if t.Kind != "" && !t.Kind.Valid() {
		return fmt.Errorf("unknown task kind %q", t.Kind)
	}
	return nil
}
