package store

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/capitalize-ai/line-relay/internal/model"
)

// MemoryStore keeps sessions in process memory. Rows never expire from the
// cache; session expiry stays logical like the other stores.
type MemoryStore struct {
	cache *gocache.Cache
	mu    sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, 0)}
}

// Get returns a copy of the session for userID.
func (s *MemoryStore) Get(_ context.Context, userID string) (*model.ConversationSession, error) {
	v, ok := s.cache.Get(userID)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*model.ConversationSession).Clone(), nil
}

// Upsert stores a copy of the session, preserving CreatedAt of an existing row.
func (s *MemoryStore) Upsert(_ context.Context, session *model.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := session.Clone()
	if v, ok := s.cache.Get(session.UserID); ok {
		row.CreatedAt = v.(*model.ConversationSession).CreatedAt
	}
	s.cache.Set(session.UserID, row, gocache.NoExpiration)
	return nil
}

// Expire clears the conversation id of the user's session.
func (s *MemoryStore) Expire(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(userID)
	if !ok {
		return ErrNotFound
	}
	row := v.(*model.ConversationSession).Clone()
	row.ConversationID = ""
	s.cache.Set(userID, row, gocache.NoExpiration)
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close drops all sessions.
func (s *MemoryStore) Close() error {
	s.cache.Flush()
	return nil
}
