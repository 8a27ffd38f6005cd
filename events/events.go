package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTypeGroupRecomputed EventType = "group_recomputed"
	EventTypePassCompleted   EventType = "pass_completed"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
}

// GroupRecomputedEvent is emitted once a group's new membership has committed
type GroupRecomputedEvent struct {
	RunID        uuid.UUID `json:"run_id"`
	GroupID      int64     `json:"group_id"`
	StudentCount int       `json:"student_count"`
	RunAt        time.Time `json:"run_at"`
}

func (e GroupRecomputedEvent) Type() EventType {
	return EventTypeGroupRecomputed
}

// PassCompletedEvent is emitted when a recompute pass reaches a terminal state
type PassCompletedEvent struct {
	RunID           uuid.UUID `json:"run_id"`
	State           string    `json:"state"`
	CompletedGroups int       `json:"completed_groups"`
	SkippedGroups   int       `json:"skipped_groups"`
	ReferenceTime   time.Time `json:"reference_time"`
	FinishedAt      time.Time `json:"finished_at"`
}

func (e PassCompletedEvent) Type() EventType {
	return EventTypePassCompleted
}

// Handler is a function that handles events
type Handler func(ctx context.Context, event Event)

// Bus manages event subscriptions and dispatching
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	log.WithFields(log.Fields{
		"eventType":    eventType,
		"handlerCount": len(b.handlers[eventType]),
	}).Debug("Subscribed handler to event type")
}

// Publish emits the event with a background context
func (b *Bus) Publish(event Event) {
	b.Emit(context.Background(), event)
}

// Emit delivers an event to all registered handlers. Handlers run in their
// own goroutines so a slow subscriber never blocks the publisher.
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type()]))
	copy(handlers, b.handlers[event.Type()])
	b.mu.RUnlock()

	log.WithFields(log.Fields{
		"eventType":    event.Type(),
		"handlerCount": len(handlers),
	}).Debug("Emitting event")

	for i, handler := range handlers {
		go func(h Handler, handlerIndex int) {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"eventType":    event.Type(),
						"handlerIndex": handlerIndex,
						"panic":        r,
					}).Error("Event handler panicked")
				}
			}()
			h(ctx, event)
		}(handler, i)
	}
}

// TransactionalBus holds events raised inside a unit of work until the
// transaction commits.
type TransactionalBus struct {
	real    *Bus
	mu      sync.Mutex
	pending []Event
}

func NewTransactionalBus(real *Bus) *TransactionalBus {
	return &TransactionalBus{real: real}
}

func (b *TransactionalBus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, e)
}

// Flush emits pending events; called after a successful commit
func (b *TransactionalBus) Flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if b.real == nil {
		return
	}

	// Handlers outlive the transaction, so they get a fresh context
	for _, ev := range pending {
		b.real.Emit(context.Background(), ev)
	}
}

// Discard drops pending events; called after a rollback
func (b *TransactionalBus) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}

// Pending returns the number of events waiting for Flush
func (b *TransactionalBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
