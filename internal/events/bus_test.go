package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Publish(Event{Type: "ack", AlertGroupID: "ag-1", Status: "acknowledged"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.AlertGroupID != "ag-1" {
				t.Errorf("subscriber %d got the wrong event: %+v", i, evt)
			}
			if evt.CreatedAt.IsZero() {
				t.Errorf("publish must stamp the event")
			}
		default:
			t.Errorf("subscriber %d got nothing", i)
		}
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	if bus.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount())
	}

	cancel()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers after cancel, got %d", bus.SubscriberCount())
	}
	if _, open := <-ch; open {
		t.Errorf("the channel must be closed after cancel")
	}

	// Cancel is safe to call twice
	cancel()

	// Publishing with nobody listening must not block
	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: "resolve"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked with no subscribers")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	defer cancel()

	// Overfill the subscriber buffer; publish must never block
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: "ack"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}
