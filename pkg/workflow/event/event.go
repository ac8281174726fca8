// Package event provides a small pub/sub bus for run lifecycle events.
//
// The engine publishes an event whenever a run suspends, completes, or
// fails; subscribers (operator notifications, audit logging) react without
// coupling to the executor. Delivery is in-process and best-effort: a slow
// or failing handler never blocks or fails the run that produced an event.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event types published by the engine.
const (
	TypeRunSuspended = "run.suspended"
	TypeRunCompleted = "run.completed"
	TypeRunFailed    = "run.failed"
	TypeRunResumed   = "run.resumed"
	TypeRunCancelled = "run.cancelled"
)

// Event is an immutable record of something that happened to a run.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id"`

	// Type is one of the Type* constants.
	Type string `json:"type"`

	// RunID identifies the run the event belongs to.
	RunID string `json:"run_id"`

	// ConversationID identifies the owning conversation, when known.
	ConversationID int64 `json:"conversation_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Fields carries event-specific details (action type, error class).
	Fields map[string]string `json:"fields,omitempty"`
}

// New creates an event of the given type for a run.
func New(eventType, runID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]string),
	}
}

// WithConversation attaches the owning conversation.
func (e Event) WithConversation(id int64) Event {
	e.ConversationID = id
	return e
}

// WithField attaches a detail field.
func (e Event) WithField(key, value string) Event {
	e.Fields[key] = value
	return e
}
