package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/event"
	"github.com/basket/go-loom/internal/shared"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionIdle     SessionStatus = "idle"
	SessionRunning  SessionStatus = "running"
	SessionDisposed SessionStatus = "disposed"
)

// Session is a per-task execution context. Run returns the event stream for
// one task: session_start first, session_end last, channel closed after the
// terminal event. The stream must be drained and is safe to range exactly
// once. A second Run while one is in flight fails with ErrSessionBusy.
type Session interface {
	ID() string
	Status() SessionStatus
	Config() SessionConfig
	Run(ctx context.Context, task Task) (<-chan event.Event, error)
	Abort(taskID string)
	OnEvent(fn func(event.Event)) func()
	Dispose() error
}

// Producer emits the raw events of a single run through emit. It must return
// promptly once ctx is canceled. Session framing is supplied by the session:
// a producer may emit its own session_start to name the backend session, and
// any session_end it emits is folded into the terminal one.
type Producer func(ctx context.Context, task Task, emit func(event.Event)) error

// runBuffer smooths the producer/consumer handoff without affecting
// ordering.
const runBuffer = 16

// session drives a Producer under the framing contract shared by every
// adapter: exactly one session_start, exactly one terminal session_end with
// the reason mapped from normal end, cancellation, or producer failure.
type session struct {
	id     string
	cfg    SessionConfig
	prod   Producer
	logger *slog.Logger

	mu      sync.Mutex
	status  SessionStatus
	cancel  context.CancelFunc
	aborted atomic.Bool

	lmu       sync.Mutex
	listeners []sessionListener
	nextLsn   int
}

type sessionListener struct {
	id int
	fn func(event.Event)
}

// NewSession builds a Session around a producer. The id is minted when
// empty; a nil logger falls back to slog.Default().
func NewSession(id string, cfg SessionConfig, prod Producer, logger *slog.Logger) Session {
	if id == "" {
		id = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSessionTimeout
	}
	return &session{
		id:     id,
		cfg:    cfg,
		prod:   prod,
		logger: logger.With("component", "session", "session_id", id),
		status: SessionIdle,
	}
}

func (s *session) ID() string { return s.id }

func (s *session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) Config() SessionConfig { return s.cfg }

// Run starts one task. The producer runs on its own goroutine; events arrive
// on the returned channel in production order.
func (s *session) Run(ctx context.Context, task Task) (<-chan event.Event, error) {
	s.mu.Lock()
	switch s.status {
	case SessionDisposed:
		s.mu.Unlock()
		return nil, ErrSessionDisposed
	case SessionRunning:
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	runCtx = shared.WithSessionID(runCtx, s.id)
	s.status = SessionRunning
	s.cancel = cancel
	s.aborted.Store(false)
	s.mu.Unlock()

	out := make(chan event.Event, runBuffer)
	go s.run(runCtx, cancel, task, out)
	return out, nil
}

// run executes the producer and enforces the framing contract.
func (s *session) run(ctx context.Context, cancel context.CancelFunc, task Task, out chan<- event.Event) {
	defer cancel()

	var (
		started   bool
		frameID   = s.id
		endSeen   bool
		endReason event.EndReason
	)

	// forward hands a non-terminal event to the consumer. It gives up when
	// the run is canceled so a stalled consumer cannot wedge the producer.
	forward := func(ev event.Event) bool {
		select {
		case out <- ev:
			s.notify(ev)
			return true
		case <-ctx.Done():
			return false
		}
	}

	emit := func(ev event.Event) {
		switch ev.Type {
		case event.TypeSessionStart:
			if started {
				s.logger.Debug("duplicate session_start suppressed")
				return
			}
			if ev.Session != nil && ev.Session.SessionID != "" {
				frameID = ev.Session.SessionID
			}
			if forward(event.SessionStart(frameID)) {
				started = true
			}
		case event.TypeSessionEnd:
			// Folded into the terminal event emitted after the producer
			// returns.
			if !endSeen && ev.Session != nil && ev.Session.Reason != "" {
				endSeen = true
				endReason = ev.Session.Reason
			}
		default:
			if !started {
				if !forward(event.SessionStart(frameID)) {
					return
				}
				started = true
			}
			forward(ev)
		}
	}

	err := s.runProducer(ctx, task, emit)

	// Terminal framing. The consumer drains to channel close, so these
	// sends complete even after cancellation.
	if !started {
		ev := event.SessionStart(frameID)
		out <- ev
		s.notify(ev)
	}
	reason := event.ReasonCompleted
	switch {
	case s.aborted.Load() || ctx.Err() != nil:
		reason = event.ReasonAborted
	case err != nil:
		reason = event.ReasonError
		ev := event.Error(err.Error(), "")
		out <- ev
		s.notify(ev)
	case endSeen:
		reason = endReason
	}
	terminal := event.SessionEnd(frameID, reason)
	out <- terminal
	s.notify(terminal)

	// Restore status before closing the channel: a consumer that reacts to
	// the close by reusing the session must observe it idle.
	s.mu.Lock()
	if s.status != SessionDisposed {
		s.status = SessionIdle
	}
	s.cancel = nil
	s.mu.Unlock()
	close(out)
}

// runProducer converts a producer panic into an error so one misbehaving
// adapter cannot take down the process.
func (s *session) runProducer(ctx context.Context, task Task, emit func(event.Event)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session producer panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	if s.prod == nil {
		return nil
	}
	return s.prod(ctx, task, emit)
}

// Abort signals cancellation of the in-flight run. It is idempotent and a
// no-op while the session is idle. taskID is informational.
func (s *session) Abort(taskID string) {
	s.mu.Lock()
	cancel := s.cancel
	running := s.status == SessionRunning
	s.mu.Unlock()
	if !running || cancel == nil {
		return
	}
	s.aborted.Store(true)
	s.logger.Debug("session abort requested", "task_id", taskID)
	cancel()
}

// OnEvent mirrors every event produced by Run to fn. The returned func
// removes the listener and is idempotent.
func (s *session) OnEvent(fn func(event.Event)) func() {
	if fn == nil {
		return func() {}
	}
	s.lmu.Lock()
	s.nextLsn++
	id := s.nextLsn
	s.listeners = append(s.listeners, sessionListener{id: id, fn: fn})
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
					break
				}
			}
			s.lmu.Unlock()
		})
	}
}

// notify mirrors an event to OnEvent listeners in registration order.
// Listener panics are logged and contained.
func (s *session) notify(ev event.Event) {
	s.lmu.Lock()
	fns := make([]sessionListener, len(s.listeners))
	copy(fns, s.listeners)
	s.lmu.Unlock()
	for _, l := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("session listener panic", "panic", r, "stack", string(debug.Stack()))
				}
			}()
			l.fn(ev)
		}()
	}
}

// Dispose terminates the session. An in-flight run is aborted and its stream
// still ends with session_end(aborted); further Runs fail with
// ErrSessionDisposed. Dispose is idempotent.
func (s *session) Dispose() error {
	s.mu.Lock()
	if s.status == SessionDisposed {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.status = SessionDisposed
	s.mu.Unlock()
	if cancel != nil {
		s.aborted.Store(true)
		cancel()
	}
	return nil
}
