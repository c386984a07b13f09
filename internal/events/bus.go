// Package events carries in-process notifications between the poller, the
// daemon and the dispatcher, and writes the dispatch audit trail.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	// EventTaskStatusChanged is published when a polled snapshot reports a new status.
	EventTaskStatusChanged EventType = "task_status_changed"
	// EventActionsChanged is published when the resolved action list differs from the last one.
	EventActionsChanged EventType = "actions_changed"
	// EventActionDispatched is published after an action effect was handed to the client.
	EventActionDispatched EventType = "action_dispatched"
	// EventTablesReloaded is published when the status tables were swapped.
	EventTablesReloaded EventType = "tables_reloaded"
	// EventTaskRemoved is published when a snapshot disappears from the store.
	EventTaskRemoved EventType = "task_removed"
)

type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber has a
// buffered channel; when it is full the event is dropped for that
// subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType. fn runs on its own goroutine, one
// event at a time. The returned func unsubscribes.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				// a panicking subscriber must not take down the bus
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to every subscriber of eventType without
// blocking, and returns the event's ID.
func (b *Bus) Publish(eventType EventType, data map[string]any) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if b.closed {
		return event.ID
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
	return event.ID
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
