// Package bus is a small in-process pub/sub bus with topic prefix matching.
// It is the transport between the execution core and the fanout layer.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Task lifecycle topics. Per task the emission order is:
// task.created -> task.status_update* -> artifact.created* -> task.completed.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskStatusUpdate = "task.status_update"
	TopicTaskCompleted    = "task.completed"
	TopicArtifactCreated  = "artifact.created"
	TopicMessageAdded     = "message.added"
	TopicMcpReady         = "mcp.ready"
)

// TaskEvent is the payload for all task lifecycle topics. TaskData carries the
// current task snapshot so subscribers never need a read-back.
type TaskEvent struct {
	EventType  string `json:"event_type"`
	EntityID   string `json:"entity_id"`
	TaskID     string `json:"task_id"`
	ContextID  string `json:"context_id"`
	UserID     string `json:"user_id"`
	TaskStatus string `json:"task_status,omitempty"`
	TaskData   any    `json:"task_data,omitempty"`
}

// McpReadyEvent is published when a supervised tool server passes its staged
// health check.
type McpReadyEvent struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans events out to subscribers by topic prefix.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The returned channel is buffered; slow
// consumers miss events rather than blocking publishers.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: a subscriber with a full buffer drops the event.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
