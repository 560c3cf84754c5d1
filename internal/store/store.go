// Package store persists conversation sessions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/line-relay/internal/model"
)

// ErrNotFound is returned when no session exists for a user.
var ErrNotFound = errors.New("session not found")

// Store is the persistence contract for conversation sessions. There is at
// most one row per user. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the session for userID or ErrNotFound.
	Get(ctx context.Context, userID string) (*model.ConversationSession, error)

	// Upsert inserts the session or replaces the existing row for its user.
	// CreatedAt of an existing row is preserved.
	Upsert(ctx context.Context, session *model.ConversationSession) error

	// Expire clears the conversation id of the user's session so the next
	// exchange starts a new thread. The row itself is kept.
	Expire(ctx context.Context, userID string) error

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
