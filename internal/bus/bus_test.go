package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message:", 10)
	defer unsub()

	b.Publish(NewEvent(MessageReceived, "acc", "test"))

	select {
	case evt := <-ch:
		if evt.Kind != MessageReceived {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageReceived)
		}
		if evt.Account != "acc" || evt.Timestamp.IsZero() {
			t.Errorf("event not stamped: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conversation:", 10)
	defer unsub()

	b.Publish(Event{Kind: MessageStatus})
	b.Publish(Event{Kind: ConversationRead})

	select {
	case evt := <-ch:
		if evt.Kind != ConversationRead {
			t.Errorf("got kind %q, want %s", evt.Kind, ConversationRead)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the message event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestAccountFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeAccount("", "acc-a", 10)
	defer unsub()
	all, unsubAll := b.Subscribe("", 10)
	defer unsubAll()

	b.Publish(NewEvent(ConversationUpdated, "acc-b", nil))
	b.Publish(NewEvent(ConversationUpdated, "acc-a", nil))

	evt := <-ch
	if evt.Account != "acc-a" {
		t.Errorf("got account %q, want acc-a", evt.Account)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event for other account: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	if len(all) != 2 {
		t.Errorf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message:", 10)
	unsub()

	b.Publish(Event{Kind: MessageSent})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	var hooked []string
	b := New(WithDropHook(func(evt Event) { hooked = append(hooked, evt.Kind) }))
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
	if len(hooked) != 1 || hooked[0] != "test.two" {
		t.Errorf("drop hook saw %v", hooked)
	}
}
