// Package session owns the lifecycle of conversation sessions: lookup or
// creation, sliding-window expiry and binding to backend threads.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/internal/store"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

// Manager resolves and updates sessions on top of a Store.
//
// Operations are safe for concurrent use across different users. Calls for
// the same user are expected to be serialized by the caller.
type Manager struct {
	store   store.Store
	timeout time.Duration
	logger  *logger.Logger
	now     func() time.Time
}

// NewManager creates a session manager. A timeout <= 0 disables expiry.
func NewManager(s store.Store, timeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		store:   s,
		timeout: timeout,
		logger:  log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Timeout returns the configured idle timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// GetOrCreate returns the user's session and whether the next exchange starts
// a new backend thread. A stale session keeps its row but loses its
// conversation id. LastActiveAt is refreshed on every call.
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*model.ConversationSession, bool, error) {
	if userID == "" {
		return nil, false, errors.New("user id is required")
	}

	now := m.now()

	sess, err := m.store.Get(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = &model.ConversationSession{UserID: userID, CreatedAt: now}
	case err != nil:
		return nil, false, fmt.Errorf("failed to load session: %w", err)
	case sess.ConversationID != "" && sess.IsStale(now, m.timeout):
		m.logger.Debug("session expired",
			zap.String("user_id", userID),
			zap.String("conversation_id", sess.ConversationID),
			zap.Time("last_active_at", sess.LastActiveAt),
		)
		sess.ConversationID = ""
	}

	sess.LastActiveAt = now
	if err := m.store.Upsert(ctx, sess); err != nil {
		return nil, false, fmt.Errorf("failed to save session: %w", err)
	}

	return sess, sess.ConversationID == "", nil
}

// Commit binds the backend-assigned conversation id to the user's session
// after a successful exchange. An empty id keeps the stored one.
func (m *Manager) Commit(ctx context.Context, userID, conversationID string) (*model.ConversationSession, error) {
	now := m.now()

	sess, err := m.store.Get(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = &model.ConversationSession{UserID: userID, CreatedAt: now}
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if conversationID != "" {
		sess.ConversationID = conversationID
	}
	sess.LastActiveAt = now

	if err := m.store.Upsert(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// Expire forces the user's next exchange to start a new thread.
func (m *Manager) Expire(ctx context.Context, userID string) error {
	if err := m.store.Expire(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to expire session: %w", err)
	}
	m.logger.Info("session expired by request", zap.String("user_id", userID))
	return nil
}

// Get returns the stored session and whether it is currently stale, without
// touching its timestamps.
func (m *Manager) Get(ctx context.Context, userID string) (*model.ConversationSession, bool, error) {
	sess, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	stale := sess.ConversationID == "" || sess.IsStale(m.now(), m.timeout)
	return sess, stale, nil
}
