package engine

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/event"
)

// Scripted is an in-process engine driven by a Producer function. It backs
// demos and the default `goloom run` experience when no external backend is
// configured, and its availability and init hooks are settable so wiring can
// be exercised end to end without a real backend.
type Scripted struct {
	id       string
	name     string
	caps     Capabilities
	producer Producer
	gate     optionsGate

	available    atomic.Bool
	initErr      atomic.Pointer[error]
	initCalls    atomic.Int32
	cleanupCalls atomic.Int32
}

// ScriptedConfig configures NewScripted. Zero values fall back to an echo
// engine named "scripted".
type ScriptedConfig struct {
	ID           string
	Name         string
	Capabilities Capabilities
	Producer     Producer
}

// NewScripted builds a scripted engine. With no Producer it echoes the
// prompt back token by token.
func NewScripted(cfg ScriptedConfig) *Scripted {
	if cfg.ID == "" {
		cfg.ID = "scripted"
	}
	if cfg.Name == "" {
		cfg.Name = "Scripted"
	}
	if cfg.Producer == nil {
		cfg.Producer = EchoProducer
	}
	caps := cfg.Capabilities
	caps.Streaming = true
	if caps.Description == "" {
		caps.Description = "in-process scripted engine"
	}
	s := &Scripted{
		id:       cfg.ID,
		name:     cfg.Name,
		caps:     caps,
		producer: cfg.Producer,
		gate:     optionsGate{raw: caps.OptionsSchema},
	}
	s.available.Store(true)
	return s
}

// EchoProducer streams the prompt back one word at a time, then reports it
// as both the assistant message and the final result.
func EchoProducer(ctx context.Context, task Task, emit func(event.Event)) error {
	words := strings.Fields(task.Input.Prompt)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			emit(event.Token(" "))
		}
		emit(event.Token(w))
	}
	emit(event.AssistantMessage(task.Input.Prompt, false, nil))
	emit(event.Result(task.Input.Prompt))
	return nil
}

func (s *Scripted) ID() string                 { return s.id }
func (s *Scripted) Name() string               { return s.name }
func (s *Scripted) Capabilities() Capabilities { return s.caps }

// CreateSession validates cfg.Options against the engine's schema and
// returns a session running the scripted producer.
func (s *Scripted) CreateSession(cfg SessionConfig) (Session, error) {
	if err := s.gate.check(cfg); err != nil {
		return nil, err
	}
	return NewSession(uuid.NewString(), cfg, s.producer, nil), nil
}

// IsAvailable reports the settable availability flag, true by default.
func (s *Scripted) IsAvailable(ctx context.Context) bool {
	return s.available.Load()
}

// Initialize counts the call and fails with the error set by SetInitError,
// if any. Safe to call repeatedly.
func (s *Scripted) Initialize(ctx context.Context) error {
	s.initCalls.Add(1)
	if p := s.initErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Cleanup counts the call. Safe to call repeatedly.
func (s *Scripted) Cleanup(ctx context.Context) error {
	s.cleanupCalls.Add(1)
	return nil
}

// SetAvailable overrides the availability probe.
func (s *Scripted) SetAvailable(ok bool) { s.available.Store(ok) }

// SetInitError makes subsequent Initialize calls fail with err; nil clears.
func (s *Scripted) SetInitError(err error) {
	if err == nil {
		s.initErr.Store(nil)
		return
	}
	s.initErr.Store(&err)
}

// InitCalls reports how many times Initialize ran.
func (s *Scripted) InitCalls() int { return int(s.initCalls.Load()) }

// CleanupCalls reports how many times Cleanup ran.
func (s *Scripted) CleanupCalls() int { return int(s.cleanupCalls.Load()) }
