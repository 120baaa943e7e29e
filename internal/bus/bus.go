// Package bus provides the in-process event bus: topic-keyed publish/subscribe
// over the normalized event vocabulary, with priority-ordered synchronous
// delivery, once-subscriptions, namespace isolation, and a bounded history of
// recently published events.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/basket/go-loom/internal/event"
)

// Wildcard subscribes to every topic. Wildcard listeners run after
// exact-topic listeners for each published event.
const Wildcard = "*"

// DefaultMaxHistory bounds the retained event history.
const DefaultMaxHistory = 100

// Listener receives published events. Listeners are invoked synchronously on
// the publisher's goroutine and must not block indefinitely.
type Listener func(event.Event)

// Options control a subscription.
type Options struct {
	// Once removes the subscription after its first invocation.
	Once bool
	// Priority orders delivery among a topic's subscribers, highest first.
	// Ties are broken by registration order. Default 0.
	Priority int
	// Namespace tags the subscription for bulk removal via
	// UnsubscribeNamespace.
	Namespace string
}

// Config holds optional bus settings.
type Config struct {
	MaxHistory int // bounded event history size; defaults to DefaultMaxHistory
	Logger     *slog.Logger
}

type subscription struct {
	id      uint64
	topic   string
	fn      Listener
	opts    Options
	removed bool
}

// Bus is the event bus. The zero value is not usable; construct with New or
// NewWithConfig.
type Bus struct {
	mu         sync.Mutex
	topics     map[string][]*subscription
	nextID     uint64
	history    []event.Event
	maxHistory int
	logger     *slog.Logger
}

// New creates a Bus with default settings.
func New() *Bus {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a Bus with the given settings.
func NewWithConfig(cfg Config) *Bus {
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics:     make(map[string][]*subscription),
		maxHistory: maxHistory,
		logger:     logger,
	}
}

// Subscribe registers a listener for a topic (an event type or Wildcard) and
// returns an idempotent unsubscribe.
func (b *Bus) Subscribe(topic string, fn Listener, opts Options) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:    b.nextID,
		topic: topic,
		fn:    fn,
		opts:  opts,
	}
	b.insertLocked(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(sub)
	}
}

// SubscribeOnce registers a listener removed after its first invocation.
func (b *Bus) SubscribeOnce(topic string, fn Listener, opts Options) func() {
	opts.Once = true
	return b.Subscribe(topic, fn, opts)
}

// insertLocked places sub into its topic list, ordered by descending priority
// with ties in registration order.
func (b *Bus) insertLocked(sub *subscription) {
	subs := b.topics[sub.topic]
	i := len(subs)
	for j, s := range subs {
		if s.opts.Priority < sub.opts.Priority {
			i = j
			break
		}
	}
	subs = append(subs, nil)
	copy(subs[i+1:], subs[i:])
	subs[i] = sub
	b.topics[sub.topic] = subs
}

func (b *Bus) removeLocked(sub *subscription) {
	if sub.removed {
		return
	}
	sub.removed = true
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Publish records the event in history, then delivers it synchronously: first
// to the event type's subscribers, then to Wildcard subscribers, each group in
// priority order. Delivery iterates a snapshot taken at publish time, so
// listeners may subscribe or unsubscribe during delivery. A listener panic is
// logged and does not abort delivery to peers. Publish returns after every
// surviving listener has been invoked.
func (b *Bus) Publish(ev event.Event) {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	snapshot := make([]*subscription, 0, len(b.topics[ev.Topic()])+len(b.topics[Wildcard]))
	snapshot = append(snapshot, b.topics[ev.Topic()]...)
	snapshot = append(snapshot, b.topics[Wildcard]...)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, ev)
	}
}

// deliver invokes one subscription if it still exists. Once-subscriptions are
// removed before invocation so a reentrant publish cannot deliver twice.
func (b *Bus) deliver(sub *subscription, ev event.Event) {
	b.mu.Lock()
	if sub.removed {
		b.mu.Unlock()
		return
	}
	if sub.opts.Once {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"topic", sub.topic,
				"namespace", sub.opts.Namespace,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.fn(ev)
}

// UnsubscribeNamespace removes every subscription registered with the given
// namespace.
func (b *Bus) UnsubscribeNamespace(namespace string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var doomed []*subscription
	for _, subs := range b.topics {
		for _, sub := range subs {
			if sub.opts.Namespace == namespace {
				doomed = append(doomed, sub)
			}
		}
	}
	for _, sub := range doomed {
		b.removeLocked(sub)
	}
}

// History returns retained events oldest to newest, optionally filtered to
// the given event types.
func (b *Bus) History(types ...event.Type) []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		out := make([]event.Event, len(b.history))
		copy(out, b.history)
		return out
	}
	want := make(map[event.Type]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []event.Event
	for _, ev := range b.history {
		if want[ev.Type] {
			out = append(out, ev)
		}
	}
	return out
}

// Clear removes every subscription. History is retained; use ClearHistory.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.removed = true
		}
	}
	b.topics = make(map[string][]*subscription)
}

// ClearHistory drops all retained events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// SubscriberCount returns the number of active subscriptions across topics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, subs := range b.topics {
		n += len(subs)
	}
	return n
}

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, creating it on first use.
func Default() *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = New()
	}
	return defaultBus
}

// ResetDefault discards the process-wide bus so the next Default call builds
// a fresh one. Intended for tests.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultBus = nil
}
