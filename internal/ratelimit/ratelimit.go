// Package ratelimit applies per-engine token buckets to outbound backend
// calls. Engines consult their limiter before each spawn or API request so a
// burst of queued tasks cannot exceed the backend's request budget.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a requests-per-minute token bucket. A nil *Limiter is valid and
// applies no limit, so callers can thread it through unconditionally.
type Limiter struct {
	rl  *rate.Limiter
	rpm int
}

// New builds a limiter for the given requests-per-minute budget. rpm <= 0
// means unlimited and returns nil.
func New(rpm int) *Limiter {
	if rpm <= 0 {
		return nil
	}
	// Refill at rpm/60 per second with a full minute's budget as burst.
	return &Limiter{
		rl:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		rpm: rpm,
	}
}

// Wait blocks until a request token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.rl.Wait(ctx)
}

// Allow reports whether a request token is immediately available, consuming
// it when so.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.rl.Allow()
}

// RPM returns the configured budget, 0 for unlimited.
func (l *Limiter) RPM() int {
	if l == nil {
		return 0
	}
	return l.rpm
}

// Registry holds one limiter per engine id.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry returns an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Set installs a limiter for an engine. rpm <= 0 removes any limit.
func (r *Registry) Set(engineID string, rpm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rpm <= 0 {
		delete(r.limiters, engineID)
		return
	}
	r.limiters[engineID] = New(rpm)
}

// Get returns the limiter for an engine, nil when unlimited.
func (r *Registry) Get(engineID string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[engineID]
}

// Wait blocks on the engine's limiter, if any.
func (r *Registry) Wait(ctx context.Context, engineID string) error {
	return r.Get(engineID).Wait(ctx)
}
