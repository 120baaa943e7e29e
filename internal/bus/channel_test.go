package bus

import (
	"testing"

	"github.com/basket/go-loom/internal/event"
)

func TestChannel_PublishStampsNamespace(t *testing.T) {
	b := New()
	ch := b.CreateChannel("sess-1")

	var got event.Event
	b.Subscribe(string(event.TypeToken), func(ev event.Event) { got = ev }, Options{})

	ch.Publish(event.Token("hi"))

	if got.Namespace != "sess-1" {
		t.Fatalf("Namespace = %q, want %q", got.Namespace, "sess-1")
	}
	if got.Token == nil || got.Token.Text != "hi" {
		t.Fatalf("Token = %+v, want text %q", got.Token, "hi")
	}
}

func TestChannel_CloseRemovesSubscriptions(t *testing.T) {
	b := New()
	ch := b.CreateChannel("sess-1")

	chCalls := 0
	busCalls := 0
	ch.Subscribe(string(event.TypeToken), func(event.Event) { chCalls++ }, Options{})
	ch.SubscribeOnce(Wildcard, func(event.Event) { chCalls++ }, Options{})
	b.Subscribe(string(event.TypeToken), func(event.Event) { busCalls++ }, Options{})

	ch.Close()
	b.Publish(event.Token("x"))

	if chCalls != 0 {
		t.Fatalf("channel calls = %d after Close, want 0", chCalls)
	}
	if busCalls != 1 {
		t.Fatalf("bus calls = %d, want 1", busCalls)
	}
}

func TestChannel_SharesBus(t *testing.T) {
	b := New()
	ch := b.CreateChannel("sess-1")

	calls := 0
	ch.Subscribe(string(event.TypeToken), func(event.Event) { calls++ }, Options{})

	b.Publish(event.Token("direct"))

	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (channel subscribers see direct publishes)", calls)
	}
	if ch.Namespace() != "sess-1" {
		t.Fatalf("Namespace() = %q, want %q", ch.Namespace(), "sess-1")
	}
}
