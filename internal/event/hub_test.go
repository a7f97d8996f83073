package event

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch1, cancel1 := h.Subscribe()
	defer cancel1()
	ch2, cancel2 := h.Subscribe()
	defer cancel2()

	h.Publish(Event{Type: TypeRateLimitDetected, SessionID: "s1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != TypeRateLimitDetected || ev.SessionID != "s1" {
				t.Errorf("Subscriber %d got wrong event: %+v", i, ev)
			}
			if ev.Time.IsZero() {
				t.Errorf("Subscriber %d event should be timestamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d never received the event", i)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, cancel := h.Subscribe()
	cancel()

	// The channel is closed on unsubscribe.
	if _, ok := <-ch; ok {
		t.Error("Unsubscribed channel should be closed")
	}

	// Publishing after unsubscribe must not panic.
	h.Publish(Event{Type: TypeSessionError})
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := NewHub()
	defer h.Close()

	_, cancel := h.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(Event{Type: TypeSwitchRecommended})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	h := NewHub()
	h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()
	if _, ok := <-ch; ok {
		t.Error("Subscription on a closed hub should yield a closed channel")
	}

	h.Close() // idempotent
}
