// Package events carries status-change notifications between the dispatcher,
// the orchestrator, and the audit trail.
package events

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTaskStatus     EventType = "task_status"
	EventWorkflowStatus EventType = "workflow_status"
	EventChangeDetected EventType = "change_detected"
	EventGateEvaluated  EventType = "gate_evaluated"
)

// Event describes a single transition. From is empty for creations.
type Event struct {
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

type Subscriber func(Event)

type subscription struct {
	ch     chan Event
	closed bool
}

// Bus is a non-blocking publish/subscribe hub. Each subscriber has its own
// buffered channel; when it is full the event is dropped for that subscriber
// only, so consumers must tolerate gaps.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscription
	bufferSize  int
	logger      *slog.Logger
	closed      bool
}

func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[EventType][]*subscription),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on a dedicated goroutine; panics are logged and swallowed.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, b.bufferSize)}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)

	go func() {
		for event := range sub.ch {
			b.deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s == sub {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event_type", event.Type, "panic", r)
		}
	}()
	fn(event)
}

// Publish never blocks.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("event dropped for slow subscriber", "event_type", event.Type)
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(b.subscribers, eventType)
	}
}
