package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/line-relay/internal/model"
	"github.com/capitalize-ai/line-relay/internal/store"
	"github.com/capitalize-ai/line-relay/pkg/logger"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *store.MemoryStore, *clock) {
	t.Helper()
	s := store.NewMemoryStore()
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(s, timeout, logger.NewNop())
	m.now = c.now
	return m, s, c
}

func TestGetOrCreateNewUser(t *testing.T) {
	m, s, c := newTestManager(t, time.Hour)
	ctx := context.Background()

	sess, isNew, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Empty(t, sess.ConversationID)
	assert.Equal(t, c.now(), sess.CreatedAt)

	stored, err := s.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "U1", stored.UserID)
	assert.Empty(t, stored.ConversationID)
}

func TestGetOrCreateExpiredSessionClearsThread(t *testing.T) {
	m, s, c := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, _, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	_, err = m.Commit(ctx, "U1", "t-old")
	require.NoError(t, err)

	c.advance(time.Hour)

	sess, isNew, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Empty(t, sess.ConversationID)
	assert.Equal(t, "U1", sess.UserID)

	stored, err := s.Get(ctx, "U1")
	require.NoError(t, err)
	assert.Empty(t, stored.ConversationID)
	assert.Equal(t, c.now(), stored.LastActiveAt)
}

func TestGetOrCreateIsIdempotentWithinWindow(t *testing.T) {
	m, _, c := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := m.Commit(ctx, "U1", "t1")
	require.NoError(t, err)

	first, isNew, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, isNew)

	c.advance(time.Second)
	second, isNew, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ConversationID, second.ConversationID)
}

func TestCommitRoundTrip(t *testing.T) {
	m, _, c := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, _, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	_, err = m.Commit(ctx, "U1", "thread-123")
	require.NoError(t, err)

	c.advance(59 * time.Minute)
	sess, isNew, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "thread-123", sess.ConversationID)
}

func TestSlidingWindow(t *testing.T) {
	m, _, c := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := m.Commit(ctx, "U1", "t1")
	require.NoError(t, err)

	// Each touch pushes expiry forward, so 3 x 45m never expires.
	for i := 0; i < 3; i++ {
		c.advance(45 * time.Minute)
		sess, isNew, err := m.GetOrCreate(ctx, "U1")
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, "t1", sess.ConversationID)
	}
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	m, _, c := newTestManager(t, 0)
	ctx := context.Background()

	_, err := m.Commit(ctx, "U1", "t1")
	require.NoError(t, err)
	c.advance(30 * 24 * time.Hour)

	sess, isNew, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "t1", sess.ConversationID)
}

func TestCommitWithEmptyIDKeepsThread(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := m.Commit(ctx, "U1", "t1")
	require.NoError(t, err)
	sess, err := m.Commit(ctx, "U1", "")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.ConversationID)
}

func TestExpire(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	assert.ErrorIs(t, m.Expire(ctx, "U1"), store.ErrNotFound)

	_, err := m.Commit(ctx, "U1", "t1")
	require.NoError(t, err)
	require.NoError(t, m.Expire(ctx, "U1"))

	sess, isNew, err := m.GetOrCreate(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Empty(t, sess.ConversationID)
}

func TestGetReportsStaleness(t *testing.T) {
	m, _, c := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := m.Commit(ctx, "U1", "t1")
	require.NoError(t, err)

	_, stale, err := m.Get(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, stale)

	c.advance(2 * time.Hour)
	sess, stale, err := m.Get(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Equal(t, "t1", sess.ConversationID, "Get must not mutate the row")
}

func TestGetOrCreateRequiresUser(t *testing.T) {
	m, _, _ := newTestManager(t, time.Hour)
	_, _, err := m.GetOrCreate(context.Background(), "")
	assert.Error(t, err)
}

type failingStore struct {
	store.Store
}

func (failingStore) Get(context.Context, string) (*model.ConversationSession, error) {
	return nil, errors.New("disk I/O error")
}

func TestGetOrCreateStoreFailure(t *testing.T) {
	m := NewManager(failingStore{Store: store.NewMemoryStore()}, time.Hour, logger.NewNop())

	_, _, err := m.GetOrCreate(context.Background(), "U1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
}

func TestConcurrentUsers(t *testing.T) {
	m, s, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	users := []string{"U1", "U2", "U3", "U4", "U5", "U6", "U7", "U8"}
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, _, err := m.GetOrCreate(ctx, u)
			assert.NoError(t, err)
			_, err = m.Commit(ctx, u, "thread-"+u)
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	for _, u := range users {
		sess, err := s.Get(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, "thread-"+u, sess.ConversationID)
	}
}
