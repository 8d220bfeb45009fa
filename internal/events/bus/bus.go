// Package bus carries the cross-entity event streams: canonical-store
// mirroring, audit mirroring, workflow triggers, and the sandbox task
// channel.
//
// Subjects in use:
//
//	mirror.<entity_type>.<entity_ref>  canonical-store snapshot mirror
//	audit.append                       audit record mirror
//	workflow.start                     development workflow triggers
//	sandbox.task.submit                sandbox task submission
//	sandbox.session.<id>.events        streamed agent events
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh event with an ID and UTC timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. A returned error is logged by
// the bus; it does not stop the subscription.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes events to subjects and delivers them to subscribers.
// Subject patterns use NATS semantics: tokens separated by dots, * matching
// one token and > matching the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
}
