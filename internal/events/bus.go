// Package events is the in-process pub/sub fabric for collection
// lifecycle events. The scheduler publishes, the webhook dispatcher and
// any future consumer subscribe.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the scheduler.
const (
	TypeCollectionStarted   = "collection.started"
	TypeCollectionCompleted = "collection.completed"
	TypeCollectionFailed    = "collection.failed"
)

// Event is one collection lifecycle notification.
type Event struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Source string                 `json:"source"` // service name, e.g. REGTECH
	Time   time.Time              `json:"time"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Publisher is the narrow surface producers depend on.
type Publisher interface {
	Emit(eventType, source string, data map[string]interface{})
}

// Bus is an in-process pub/sub bus. Delivery is best-effort: a subscriber
// whose channel is full misses the event rather than blocking the
// publisher.
type Bus struct {
	mu         sync.RWMutex
	byType     map[string][]chan Event
	all        []chan Event
	bufferSize int
}

func NewBus() *Bus {
	return &Bus{
		byType:     make(map[string][]chan Event),
		bufferSize: 100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.all = append(b.all, ch)
	} else {
		for _, et := range eventTypes {
			b.byType[et] = append(b.byType[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.byType {
		b.byType[et] = without(subs, ch)
	}
	b.all = without(b.all, ch)
	close(ch)
}

// Publish delivers an event to matching subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.byType[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, source string, data map[string]interface{}) {
	b.Publish(Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		Source: source,
		Time:   time.Now(),
		Data:   data,
	})
}

func without(subs []chan Event, ch chan Event) []chan Event {
	filtered := subs[:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}
