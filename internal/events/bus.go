package events

import (
	"sync"
	"time"
)

// Event is one alert group lifecycle notification pushed to live subscribers
type Event struct {
	Type         string    `json:"type"`
	AlertGroupID string    `json:"alert_group_id"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Step         string    `json:"step,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const subscriberBuffer = 64

// Bus is an in-process fan-out of alert group events. Slow subscribers drop
// events instead of blocking publishers; the websocket feed is best-effort,
// the database log records are the source of truth.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that can take it right now
func (b *Bus) Publish(evt Event) {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
