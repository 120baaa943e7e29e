package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/event"
)

// RegistryEventType classifies registry transitions.
type RegistryEventType string

const (
	EngineRegistered   RegistryEventType = "engine_registered"
	EngineInitialized  RegistryEventType = "engine_initialized"
	EngineError        RegistryEventType = "engine_error"
	EngineUnregistered RegistryEventType = "engine_unregistered"
	DefaultChanged     RegistryEventType = "default_changed"
)

// RegistryEvent notifies OnEvent listeners of a transition. Err is set on
// EngineError.
type RegistryEvent struct {
	Type     RegistryEventType
	EngineID string
	Err      error
}

// RegisterOptions control Register and RegisterFactory behavior.
type RegisterOptions struct {
	// AutoInitialize runs Initialize right after registration.
	AutoInitialize bool
	// AsDefault makes the engine the registry default.
	AsDefault bool
}

// Factory constructs an engine on demand.
type Factory func() (Engine, error)

// Descriptor summarizes a registered engine or an unresolved factory.
type Descriptor struct {
	ID           string
	Name         string
	Capabilities Capabilities
	Registered   bool // false while still a factory
	Initialized  bool
	Available    bool
	RegisteredAt time.Time
}

type registration struct {
	engine       Engine
	registeredAt time.Time
	initialized  bool
	available    bool
}

type factoryEntry struct {
	factory Factory
	opts    RegisterOptions
	probed  Engine // instance cached by a List probe; promoted by Get
}

// Registry is the process-wide engine directory. Lookups materialize lazy
// factories on first use; every transition notifies OnEvent listeners and
// surfaces as a progress event on the bus.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]*registration
	factories map[string]*factoryEntry
	defaultID string

	lmu       sync.Mutex
	listeners []registryListener
	nextLsn   int

	bus    *bus.Bus
	logger *slog.Logger
}

type registryListener struct {
	id int
	fn func(RegistryEvent)
}

// RegistryConfig carries optional collaborators for NewRegistry.
type RegistryConfig struct {
	Bus    *bus.Bus     // defaults to bus.Default()
	Logger *slog.Logger // defaults to slog.Default()
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	b := cfg.Bus
	if b == nil {
		b = bus.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engines:   make(map[string]*registration),
		factories: make(map[string]*factoryEntry),
		bus:       b,
		logger:    logger.With("component", "registry"),
	}
}

// Register adds a live engine. Registering an id twice is a no-op with a
// warning. The first registered engine becomes the default.
func (r *Registry) Register(e Engine, opts RegisterOptions) error {
	if e == nil || e.ID() == "" {
		return fmt.Errorf("engine id must be non-empty")
	}
	id := e.ID()

	r.mu.Lock()
	if _, dup := r.engines[id]; dup {
		r.mu.Unlock()
		r.logger.Warn("engine already registered", "engine_id", id)
		return nil
	}
	delete(r.factories, id)
	r.engines[id] = &registration{engine: e, registeredAt: time.Now()}
	defaultChanged := false
	if opts.AsDefault || r.defaultID == "" {
		defaultChanged = r.defaultID != id
		r.defaultID = id
	}
	r.mu.Unlock()

	r.logger.Info("engine registered", "engine_id", id, "name", e.Name())
	r.notify(RegistryEvent{Type: EngineRegistered, EngineID: id})
	if defaultChanged {
		r.notify(RegistryEvent{Type: DefaultChanged, EngineID: id})
	}
	if opts.AutoInitialize {
		r.Initialize(context.Background(), id)
	}
	return nil
}

// RegisterFactory defers engine construction until first use. The first Get
// materializes the engine and registers it with the stored options.
func (r *Registry) RegisterFactory(id string, factory Factory, opts RegisterOptions) error {
	if id == "" || factory == nil {
		return fmt.Errorf("factory id and constructor must be non-empty")
	}
	r.mu.Lock()
	_, live := r.engines[id]
	_, lazy := r.factories[id]
	if live || lazy {
		r.mu.Unlock()
		r.logger.Warn("engine already registered", "engine_id", id)
		return nil
	}
	r.factories[id] = &factoryEntry{factory: factory, opts: opts}
	if opts.AsDefault || r.defaultID == "" {
		r.defaultID = id
	}
	r.mu.Unlock()
	r.logger.Info("engine factory registered", "engine_id", id)
	return nil
}

// Get returns the engine for id, materializing a lazy factory on first use.
func (r *Registry) Get(id string) (Engine, bool) {
	r.mu.RLock()
	if reg, ok := r.engines[id]; ok {
		r.mu.RUnlock()
		return reg.engine, true
	}
	fe, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.materialize(id, fe)
}

// materialize constructs a factory's engine and promotes it to a live
// registration. A probe instance cached by List is reused instead of
// constructing twice.
func (r *Registry) materialize(id string, fe *factoryEntry) (Engine, bool) {
	r.mu.RLock()
	e := fe.probed
	r.mu.RUnlock()

	if e == nil {
		// Constructed outside the lock: factories may do I/O.
		built, err := fe.factory()
		if err != nil {
			r.logger.Warn("engine factory failed", "engine_id", id, "error", err)
			r.notify(RegistryEvent{Type: EngineError, EngineID: id, Err: err})
			return nil, false
		}
		e = built
	}

	r.mu.Lock()
	if reg, raced := r.engines[id]; raced {
		// Another goroutine materialized first; use the winner.
		r.mu.Unlock()
		return reg.engine, true
	}
	if _, still := r.factories[id]; !still {
		// Unregistered while constructing.
		r.mu.Unlock()
		return nil, false
	}
	delete(r.factories, id)
	r.engines[id] = &registration{engine: e, registeredAt: time.Now()}
	defaultChanged := false
	if fe.opts.AsDefault || r.defaultID == "" {
		defaultChanged = r.defaultID != id
		r.defaultID = id
	}
	r.mu.Unlock()

	r.logger.Info("engine registered", "engine_id", id, "name", e.Name())
	r.notify(RegistryEvent{Type: EngineRegistered, EngineID: id})
	if defaultChanged {
		r.notify(RegistryEvent{Type: DefaultChanged, EngineID: id})
	}
	if fe.opts.AutoInitialize {
		r.Initialize(context.Background(), id)
	}
	return e, true
}

// Default resolves the default engine.
func (r *Registry) Default() (Engine, bool) {
	r.mu.RLock()
	id := r.defaultID
	r.mu.RUnlock()
	if id == "" {
		return nil, false
	}
	return r.Get(id)
}

// SetDefault makes id the default engine. The id must name a registration or
// a pending factory.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	_, live := r.engines[id]
	_, lazy := r.factories[id]
	if !live && !lazy {
		r.mu.Unlock()
		return fmt.Errorf("set default: %w: %s", ErrUnknownEngine, id)
	}
	changed := r.defaultID != id
	r.defaultID = id
	r.mu.Unlock()
	if changed {
		r.notify(RegistryEvent{Type: DefaultChanged, EngineID: id})
	}
	return nil
}

// DefaultID returns the default engine id, empty when none is set.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// List describes every live registration and unresolved factory, sorted by
// id. Factories are probed by constructing their engine; the instance is
// cached on the factory entry so the construction is not wasted, and a
// failing factory is skipped.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.engines)+len(r.factories))
	for id, reg := range r.engines {
		out = append(out, Descriptor{
			ID:           id,
			Name:         reg.engine.Name(),
			Capabilities: reg.engine.Capabilities(),
			Registered:   true,
			Initialized:  reg.initialized,
			Available:    reg.available,
			RegisteredAt: reg.registeredAt,
		})
	}
	type probe struct {
		id string
		fe *factoryEntry
	}
	probes := make([]probe, 0, len(r.factories))
	for id, fe := range r.factories {
		probes = append(probes, probe{id: id, fe: fe})
	}
	r.mu.RUnlock()

	for _, p := range probes {
		r.mu.RLock()
		e := p.fe.probed
		r.mu.RUnlock()
		if e == nil {
			built, err := p.fe.factory()
			if err != nil {
				r.logger.Debug("factory probe failed", "engine_id", p.id, "error", err)
				continue
			}
			r.mu.Lock()
			p.fe.probed = built
			r.mu.Unlock()
			e = built
		}
		out = append(out, Descriptor{
			ID:           p.id,
			Name:         e.Name(),
			Capabilities: e.Capabilities(),
		})
	}

	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Initialize probes availability and runs the optional Initializer hook,
// recording the outcome on the registration. The transition is announced as
// engine_initialized or engine_error.
func (r *Registry) Initialize(ctx context.Context, id string) bool {
	e, ok := r.Get(id)
	if !ok {
		r.logger.Warn("initialize: engine not found", "engine_id", id)
		return false
	}

	available := e.IsAvailable(ctx)
	var initErr error
	if available {
		if init, ok := e.(Initializer); ok {
			initErr = init.Initialize(ctx)
		}
	}

	r.mu.Lock()
	reg, registered := r.engines[id]
	if registered {
		reg.available = available
		reg.initialized = available && initErr == nil
	}
	r.mu.Unlock()
	if !registered {
		return false
	}

	switch {
	case !available:
		r.logger.Warn("engine unavailable", "engine_id", id)
		r.notify(RegistryEvent{Type: EngineError, EngineID: id, Err: fmt.Errorf("engine %s unavailable", id)})
		return false
	case initErr != nil:
		r.logger.Warn("engine initialize failed", "engine_id", id, "error", initErr)
		r.notify(RegistryEvent{Type: EngineError, EngineID: id, Err: initErr})
		return false
	}
	r.logger.Info("engine initialized", "engine_id", id)
	r.notify(RegistryEvent{Type: EngineInitialized, EngineID: id})
	return true
}

// InitializeAll initializes every registered engine in parallel and reports
// per-engine success. It never fails as a whole.
func (r *Registry) InitializeAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(ids))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok := r.Initialize(ctx, id)
			mu.Lock()
			results[id] = ok
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// Unregister removes an engine, invoking its Cleaner hook when present
// (errors logged, not surfaced). When the default engine is removed the
// registry elects the lowest remaining id as the new default.
func (r *Registry) Unregister(ctx context.Context, id string) bool {
	r.mu.Lock()
	reg, live := r.engines[id]
	_, lazy := r.factories[id]
	if !live && !lazy {
		r.mu.Unlock()
		return false
	}
	delete(r.engines, id)
	delete(r.factories, id)

	newDefault := ""
	defaultChanged := false
	if r.defaultID == id {
		defaultChanged = true
		ids := make([]string, 0, len(r.engines)+len(r.factories))
		for eid := range r.engines {
			ids = append(ids, eid)
		}
		for eid := range r.factories {
			ids = append(ids, eid)
		}
		slices.Sort(ids)
		if len(ids) > 0 {
			newDefault = ids[0]
		}
		r.defaultID = newDefault
	}
	r.mu.Unlock()

	if live {
		if cleaner, ok := reg.engine.(Cleaner); ok {
			if err := cleaner.Cleanup(ctx); err != nil {
				r.logger.Warn("engine cleanup failed", "engine_id", id, "error", err)
			}
		}
	}

	r.logger.Info("engine unregistered", "engine_id", id)
	r.notify(RegistryEvent{Type: EngineUnregistered, EngineID: id})
	if defaultChanged && newDefault != "" {
		r.notify(RegistryEvent{Type: DefaultChanged, EngineID: newDefault})
	}
	return true
}

// OnEvent subscribes to registry transitions. The returned func removes the
// listener and is idempotent.
func (r *Registry) OnEvent(fn func(RegistryEvent)) func() {
	if fn == nil {
		return func() {}
	}
	r.lmu.Lock()
	r.nextLsn++
	id := r.nextLsn
	r.listeners = append(r.listeners, registryListener{id: id, fn: fn})
	r.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.lmu.Lock()
			for i, l := range r.listeners {
				if l.id == id {
					r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
					break
				}
			}
			r.lmu.Unlock()
		})
	}
}

// notify fans a transition out to listeners in registration order, then
// mirrors it as a progress event on the bus. Listener panics are logged and
// contained.
func (r *Registry) notify(ev RegistryEvent) {
	r.lmu.Lock()
	fns := make([]registryListener, len(r.listeners))
	copy(fns, r.listeners)
	r.lmu.Unlock()
	for _, l := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("registry listener panic", "panic", rec, "stack", string(debug.Stack()))
				}
			}()
			l.fn(ev)
		}()
	}

	msg := fmt.Sprintf("registry: %s %s", ev.Type, ev.EngineID)
	if ev.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, ev.Err)
	}
	r.bus.Publish(event.Progress(msg))
}

var (
	defaultRegistry   *Registry
	defaultRegistryMu sync.Mutex
)

// DefaultRegistry returns the process-wide registry, creating it on first
// use.
func DefaultRegistry() *Registry {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(RegistryConfig{})
	}
	return defaultRegistry
}

// ResetDefaultRegistry discards the process-wide registry so tests start
// clean.
func ResetDefaultRegistry() {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	defaultRegistry = nil
}
