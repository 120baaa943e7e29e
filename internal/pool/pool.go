// Package pool caches engine sessions for reuse. Each pool serves one
// engine; a Manager keys pools by engine id. Acquisition never blocks on
// pool size: sessions beyond the cap live transiently and are destroyed on
// release, and expired idle sessions are swept opportunistically.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-loom/internal/engine"
)

// ErrPoolClosed is returned by Acquire after Dispose.
var ErrPoolClosed = errors.New("session pool closed")

const (
	DefaultMaxPoolSize        = 5
	DefaultMaxIdleTime        = 30 * time.Minute
	DefaultMaxSessionLifetime = 2 * time.Hour
)

// Config parameterizes a pool. Zero values take the defaults above.
type Config struct {
	MaxPoolSize        int
	MinPoolSize        int
	MaxIdleTime        time.Duration
	MaxSessionLifetime time.Duration
	// SessionConfig is the template for created sessions.
	SessionConfig engine.SessionConfig
	// OnCreate and OnDestroy observe session churn, e.g. for metrics.
	OnCreate  func(engineID string)
	OnDestroy func(engineID string)
	Logger    *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.MinPoolSize < 0 {
		c.MinPoolSize = 0
	}
	if c.MinPoolSize > c.MaxPoolSize {
		c.MinPoolSize = c.MaxPoolSize
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.MaxSessionLifetime <= 0 {
		c.MaxSessionLifetime = DefaultMaxSessionLifetime
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats snapshots a pool: current gauges plus monotonic counters.
type Stats struct {
	Total     int `json:"total"`
	Idle      int `json:"idle"`
	InUse     int `json:"in_use"`
	Created   int `json:"created"`
	Destroyed int `json:"destroyed"`
	Acquired  int `json:"acquired"`
	Released  int `json:"released"`
}

// SessionInfo describes one pooled session.
type SessionInfo struct {
	ID         string
	InUse      bool
	UseCount   int
	CreatedAt  time.Time
	LastUsedAt time.Time
}

type pooled struct {
	session    engine.Session
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int
	inUse      bool
}

// Pool is a bounded per-engine session cache.
type Pool struct {
	eng    engine.Engine
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*pooled
	closed  bool

	created   int
	destroyed int
	acquired  int
	released  int

	now func() time.Time // test hook
}

// New builds a pool for one engine.
func New(eng engine.Engine, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		eng:     eng,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "pool", "engine_id", eng.ID()),
		entries: make(map[string]*pooled),
		now:     time.Now,
	}
}

// expired reports whether a session has outlived its lifetime, or its idle
// allowance when idle.
func (p *Pool) expired(e *pooled, now time.Time) bool {
	if now.Sub(e.createdAt) > p.cfg.MaxSessionLifetime {
		return true
	}
	return !e.inUse && now.Sub(e.lastUsedAt) > p.cfg.MaxIdleTime
}

// Acquire returns an idle session, creating one when none is free. It never
// blocks on pool size; expired idle sessions are destroyed on the way.
func (p *Pool) Acquire() (engine.Session, error) {
	return p.AcquireWith(p.cfg.SessionConfig)
}

// AcquireWith is Acquire with an explicit config for any newly created
// session. Reused sessions keep the config they were created with.
func (p *Pool) AcquireWith(cfg engine.SessionConfig) (engine.Session, error) {
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	var victims []engine.Session
	var reused engine.Session
	for id, e := range p.entries {
		if e.inUse {
			continue
		}
		if p.expired(e, now) {
			delete(p.entries, id)
			p.destroyed++
			victims = append(victims, e.session)
			continue
		}
		if reused == nil {
			e.inUse = true
			e.useCount++
			e.lastUsedAt = now
			p.acquired++
			reused = e.session
		}
	}
	p.mu.Unlock()

	p.destroy(victims)
	if reused != nil {
		p.logger.Debug("session reused", "session_id", reused.ID())
		return reused, nil
	}

	// Created outside the lock: engine hooks may do I/O.
	s, err := p.eng.CreateSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Dispose()
		return nil, ErrPoolClosed
	}
	p.entries[s.ID()] = &pooled{
		session:    s,
		createdAt:  now,
		lastUsedAt: now,
		useCount:   1,
		inUse:      true,
	}
	p.created++
	p.acquired++
	p.mu.Unlock()

	if p.cfg.OnCreate != nil {
		p.cfg.OnCreate(p.eng.ID())
	}
	p.logger.Debug("session created", "session_id", s.ID())
	return s, nil
}

// Release returns a session to the idle set. The session is destroyed
// instead when disposeFlag is set, when it has expired, when the pool is
// over capacity, or when the pool is closed.
func (p *Pool) Release(s engine.Session, disposeFlag bool) {
	if s == nil {
		return
	}
	now := p.now()

	p.mu.Lock()
	e, tracked := p.entries[s.ID()]
	if !tracked {
		p.mu.Unlock()
		p.logger.Debug("released session not tracked, disposing", "session_id", s.ID())
		s.Dispose()
		return
	}
	p.released++
	e.inUse = false
	e.lastUsedAt = now

	destroy := disposeFlag || p.closed || p.expired(e, now) || len(p.entries) > p.cfg.MaxPoolSize
	if destroy {
		delete(p.entries, s.ID())
		p.destroyed++
	}
	p.mu.Unlock()

	if destroy {
		p.destroy([]engine.Session{s})
		return
	}
	p.logger.Debug("session released", "session_id", s.ID())
}

// AbortAndRelease aborts the session's in-flight run, then releases it for
// reuse.
func (p *Pool) AbortAndRelease(s engine.Session, taskID string) {
	if s == nil {
		return
	}
	s.Abort(taskID)
	p.Release(s, false)
}

// Warmup creates idle sessions until at least max(MinPoolSize, 1) are
// ready.
func (p *Pool) Warmup() error {
	target := p.cfg.MinPoolSize
	if target < 1 {
		target = 1
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return ErrPoolClosed
		}
		idle := 0
		for _, e := range p.entries {
			if !e.inUse {
				idle++
			}
		}
		if idle >= target || len(p.entries) >= p.cfg.MaxPoolSize {
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		s, err := p.eng.CreateSession(p.cfg.SessionConfig)
		if err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
		now := p.now()

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			s.Dispose()
			return ErrPoolClosed
		}
		p.entries[s.ID()] = &pooled{session: s, createdAt: now, lastUsedAt: now}
		p.created++
		p.mu.Unlock()

		if p.cfg.OnCreate != nil {
			p.cfg.OnCreate(p.eng.ID())
		}
	}
}

// Clear removes every idle session. With disposeIdle they are destroyed;
// otherwise ownership passes to the caller. In-use sessions are unaffected.
// Returns the number removed.
func (p *Pool) Clear(disposeIdle bool) int {
	p.mu.Lock()
	var removed []engine.Session
	for id, e := range p.entries {
		if e.inUse {
			continue
		}
		delete(p.entries, id)
		removed = append(removed, e.session)
		if disposeIdle {
			p.destroyed++
		}
	}
	p.mu.Unlock()

	if disposeIdle {
		p.destroy(removed)
	}
	return len(removed)
}

// Dispose closes the pool and destroys every session, in-use ones included.
// Their streams still terminate per the session contract.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	victims := make([]engine.Session, 0, len(p.entries))
	for id, e := range p.entries {
		delete(p.entries, id)
		p.destroyed++
		victims = append(victims, e.session)
	}
	p.mu.Unlock()

	p.destroy(victims)
	p.logger.Debug("pool disposed", "destroyed", len(victims))
}

// destroy disposes sessions outside the pool lock and fires the hook.
func (p *Pool) destroy(victims []engine.Session) {
	for _, s := range victims {
		if err := s.Dispose(); err != nil {
			p.logger.Warn("session dispose failed", "session_id", s.ID(), "error", err)
		}
		if p.cfg.OnDestroy != nil {
			p.cfg.OnDestroy(p.eng.ID())
		}
	}
}

// Stats snapshots the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Total:     len(p.entries),
		Created:   p.created,
		Destroyed: p.destroyed,
		Acquired:  p.acquired,
		Released:  p.released,
	}
	for _, e := range p.entries {
		if e.inUse {
			st.InUse++
		} else {
			st.Idle++
		}
	}
	return st
}

// SessionInfo describes a pooled session by id.
func (p *Pool) SessionInfo(id string) (SessionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ID:         id,
		InUse:      e.inUse,
		UseCount:   e.useCount,
		CreatedAt:  e.createdAt,
		LastUsedAt: e.lastUsedAt,
	}, true
}

// IdleCount reports how many sessions are idle.
func (p *Pool) IdleCount() int { return p.Stats().Idle }

// InUseCount reports how many sessions are checked out.
func (p *Pool) InUseCount() int { return p.Stats().InUse }

// HasIdle reports whether an Acquire would reuse.
func (p *Pool) HasIdle() bool { return p.Stats().Idle > 0 }

// EngineID names the engine this pool serves.
func (p *Pool) EngineID() string { return p.eng.ID() }
