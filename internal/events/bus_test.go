package events

import (
	"testing"
	"time"

	"github.com/deckhand-ai/deckhand/pkg/models"
)

func TestPublishReachesOnlyMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe("s1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe("s2")
	defer cancel2()

	bus.Publish(&models.StreamEvent{Type: models.EventStarted, SessionID: "s1"})

	select {
	case ev := <-ch1:
		if ev.Type != models.EventStarted {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
	select {
	case ev := <-ch2:
		t.Fatalf("wrong conversation received event: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	// Never read: overflowing the buffer must drop the subscriber
	// rather than block the publisher.
	for i := 0; i < subscriberBuffer+1; i++ {
		done := make(chan struct{})
		go func() {
			bus.Publish(&models.StreamEvent{Type: models.EventTextDelta, SessionID: "s1"})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on a slow subscriber")
		}
	}

	if got := bus.SubscriberCount("s1"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
	// The channel is closed after draining buffered events.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("dropped subscriber channel never closed")
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("s1")
	cancel()
	cancel()
	if got := bus.SubscriberCount("s1"); got != 0 {
		t.Fatalf("subscriber count = %d", got)
	}
	// Publishing to a conversation with no subscribers is a no-op.
	bus.Publish(&models.StreamEvent{Type: models.EventStarted, SessionID: "s1"})
}
