package bus

import "github.com/basket/go-loom/internal/event"

// Channel is a namespace-scoped view of a Bus. Subscriptions made through a
// channel carry its namespace, and events published through it are stamped
// with the namespace before delivery. Channels share the underlying bus, so
// a channel subscriber still sees events published directly on the bus.
type Channel struct {
	bus       *Bus
	namespace string
}

// CreateChannel returns a view of the bus scoped to the given namespace.
func (b *Bus) CreateChannel(namespace string) *Channel {
	return &Channel{bus: b, namespace: namespace}
}

// Namespace returns the channel's namespace.
func (c *Channel) Namespace() string {
	return c.namespace
}

// Subscribe registers a listener tagged with the channel's namespace.
func (c *Channel) Subscribe(topic string, fn Listener, opts Options) func() {
	opts.Namespace = c.namespace
	return c.bus.Subscribe(topic, fn, opts)
}

// SubscribeOnce registers a once-listener tagged with the channel's namespace.
func (c *Channel) SubscribeOnce(topic string, fn Listener, opts Options) func() {
	opts.Namespace = c.namespace
	return c.bus.SubscribeOnce(topic, fn, opts)
}

// Publish stamps the event with the channel's namespace and publishes it on
// the underlying bus.
func (c *Channel) Publish(ev event.Event) {
	ev.Namespace = c.namespace
	c.bus.Publish(ev)
}

// Close removes every subscription made under the channel's namespace.
func (c *Channel) Close() {
	c.bus.UnsubscribeNamespace(c.namespace)
}
