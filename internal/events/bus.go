// Package events provides the in-process pub/sub bus used to fan out
// security events, deliberation votes and lifecycle notifications to
// co-located subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Emitter is the interface for publishing bus events. Both the in-memory
// Bus and the Redis-backed deliberation channels satisfy this shape.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Event is the CloudEvents 1.0 envelope carried by every bus event.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent creates a CloudEvents 1.0 compliant event.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Publication is non-blocking; a
// subscriber with a full channel misses the event rather than stalling the
// send path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // eventType -> channels
	allSubs     []chan *Event            // subscribers to all events
	bufferSize  int
	dropped     uint64
}

// NewBus creates a new event bus with a per-subscriber buffer of 100.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no eventTypes to receive ALL events.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
}

// Emit is a convenience method to create and publish an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// Dropped returns the number of events discarded because a subscriber
// channel was full.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// SubscriberCount returns the total number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
