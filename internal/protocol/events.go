// Package protocol defines the event vocabulary emitted by the message
// queue and streamed to clients over the WebSocket gateway. Events are
// JSON-encoded; every event about a message carries that message's ID so
// clients can correlate the full lifecycle of a submission.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of queue event.
type EventType string

const (
	// EventQueued confirms a message was accepted into the user's queue.
	EventQueued EventType = "queued"
	// EventProcessingStarted marks the start of a message's agent turn.
	EventProcessingStarted EventType = "processing_started"
	// EventResponse carries the agent's reply for a message.
	EventResponse EventType = "response"
	// EventCancelled marks a message whose turn was cancelled or that was
	// flushed from the queue before processing.
	EventCancelled EventType = "cancelled"
	// EventError marks a turn that failed.
	EventError EventType = "error"
	// EventQueueFull reports a dropped message: the queue was at capacity.
	EventQueueFull EventType = "queue_full"
)

// Event is the wire format for queue lifecycle notifications.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	// Content is the agent reply on EventResponse.
	Content string `json:"content,omitempty"`
	// SessionID is the resume token after a completed turn.
	SessionID string `json:"session_id,omitempty"`
	// ToolEvents carries the agent's raw tool activity log, when any.
	ToolEvents json.RawMessage `json:"tool_events,omitempty"`
	// Error describes the failure on EventError.
	Error string `json:"error,omitempty"`
	// Reason qualifies EventCancelled ("cancelled", "flushed", "skipped").
	Reason string `json:"reason,omitempty"`
	// QueueRemaining is the queue depth after this event.
	QueueRemaining int       `json:"queue_remaining"`
	Timestamp      time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the message's lifecycle.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventResponse, EventCancelled, EventError, EventQueueFull:
		return true
	}
	return false
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return uuid.New().String()
}
