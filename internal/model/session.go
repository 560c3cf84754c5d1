// Package model defines data structures for the LINE relay.
package model

import (
	"time"
)

// ConversationSession binds a platform user to a backend conversation thread.
// One session exists per user.
type ConversationSession struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

// IsStale reports whether the session has been idle for at least timeout.
// A non-positive timeout never expires.
func (s *ConversationSession) IsStale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(s.LastActiveAt) >= timeout
}

// Clone returns a copy of the session.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SessionResponse is the admin API view of a session.
type SessionResponse struct {
	Session *ConversationSession `json:"session"`
	Expired bool                 `json:"expired"`
}
