package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// MessagePublisher sends raw payloads to a subject
type MessagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// ForwardObserver is told the outcome of every forwarding attempt
type ForwardObserver interface {
	RecordEventForwarded(eventType string, err error)
}

// Envelope is the wire form of a forwarded event
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Forwarder relays bus events to a message broker under <prefix>.<event type>
type Forwarder struct {
	publisher MessagePublisher
	prefix    string
	timeout   time.Duration
	now       func() time.Time
	observer  ForwardObserver
}

// NewForwarder creates a forwarder publishing through publisher
func NewForwarder(publisher MessagePublisher, prefix string) *Forwarder {
	return &Forwarder{
		publisher: publisher,
		prefix:    prefix,
		timeout:   5 * time.Second,
		now:       time.Now,
	}
}

// WithObserver sets the observer notified after each Handle call
func (f *Forwarder) WithObserver(o ForwardObserver) *Forwarder {
	f.observer = o
	return f
}

// Subject returns the subject an event type is published on
func (f *Forwarder) Subject(eventType EventType) string {
	return fmt.Sprintf("%s.%s", f.prefix, eventType)
}

// Attach subscribes the forwarder to every recompute event on bus
func (f *Forwarder) Attach(bus *Bus) {
	bus.Subscribe(EventTypeGroupRecomputed, f.Handle)
	bus.Subscribe(EventTypePassCompleted, f.Handle)
}

// Handle is a bus Handler; broker failures are logged and dropped
func (f *Forwarder) Handle(ctx context.Context, event Event) {
	err := f.Forward(ctx, event)
	if f.observer != nil {
		f.observer.RecordEventForwarded(string(event.Type()), err)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"eventType": event.Type(),
			"error":     err,
		}).Error("Failed to forward event")
	}
}

// Forward wraps event in an Envelope and publishes it
func (f *Forwarder) Forward(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event.Type(), err)
	}

	data, err := json.Marshal(Envelope{
		ID:         uuid.New(),
		Type:       event.Type(),
		OccurredAt: f.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	return f.publisher.Publish(ctx, f.Subject(event.Type()), data)
}
