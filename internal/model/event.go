package model

import (
	"time"
)

// EventOutcome is the terminal state of a dispatched event.
type EventOutcome string

const (
	OutcomeReplied   EventOutcome = "replied"
	OutcomeRejected  EventOutcome = "rejected"
	OutcomeHandled   EventOutcome = "handled"
	OutcomeErrored   EventOutcome = "errored"
	OutcomeDuplicate EventOutcome = "duplicate"
)

// ConversationEvent is the audit record published for every dispatched event.
type ConversationEvent struct {
	ID             string         `json:"id"`
	WebhookEventID string         `json:"webhook_event_id,omitempty"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	EventType      string         `json:"event_type"`
	Tag            string         `json:"tag,omitempty"`
	Outcome        EventOutcome   `json:"outcome"`
	Stage          string         `json:"stage,omitempty"`
	Code           string         `json:"code,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	NewThread      bool           `json:"new_thread,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}

// ErrorEvent represents an error event on an SSE stream.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReplayCompleteEvent terminates an event replay stream.
type ReplayCompleteEvent struct {
	Count        int    `json:"count"`
	LastSequence uint64 `json:"last_sequence"`
}
