// Package bus provides event bus abstractions for agentmesh.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors returned by bus implementations.
var (
	ErrNilHandler = errors.New("event handler must not be nil")
	ErrNilEvent   = errors.New("event must not be nil")
	ErrClosed     = errors.New("event bus is closed")
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // Component that produced the event
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish delivers an event to all matching subscribers before returning.
	// A handler that fails or panics is logged and skipped; remaining
	// handlers still run. Handlers added mid-publish may or may not see
	// the in-flight event, but will see all subsequent ones.
	Publish(ctx context.Context, subject string, event *Event) error

	// PublishAsync delivers an event with all matching handlers invoked
	// concurrently. It returns once every handler has completed, even if
	// every one of them failed.
	PublishAsync(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
