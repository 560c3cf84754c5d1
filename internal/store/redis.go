package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/line-relay/internal/model"
)

const redisKeyPrefix = "line-relay:session:"

// redisAPI is the subset of redis commands used by RedisStore.
type redisAPI interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore keeps one hash per user session.
type RedisStore struct {
	api    redisAPI
	closer func() error
}

// NewRedisStore connects to the server described by url (redis:// or rediss://).
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{api: client, closer: client.Close}, nil
}

func newRedisStore(api redisAPI) *RedisStore {
	return &RedisStore{api: api, closer: func() error { return nil }}
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

// Get returns the session for userID.
func (s *RedisStore) Get(ctx context.Context, userID string) (*model.ConversationSession, error) {
	fields, err := s.api.HGetAll(ctx, redisKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return &model.ConversationSession{
		UserID:         userID,
		ConversationID: fields["conversation_id"],
		CreatedAt:      parseTime(fields["created_at"]),
		LastActiveAt:   parseTime(fields["last_active_at"]),
	}, nil
}

// Upsert writes the session hash. created_at is only set on first write.
func (s *RedisStore) Upsert(ctx context.Context, session *model.ConversationSession) error {
	key := redisKey(session.UserID)

	if err := s.api.HSetNX(ctx, key, "created_at", formatTime(session.CreatedAt)).Err(); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	err := s.api.HSet(ctx, key,
		"conversation_id", session.ConversationID,
		"last_active_at", formatTime(session.LastActiveAt),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// Expire clears the conversation id of the user's session.
func (s *RedisStore) Expire(ctx context.Context, userID string) error {
	key := redisKey(userID)

	n, err := s.api.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := s.api.HSet(ctx, key, "conversation_id", "").Err(); err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}
	return nil
}

// Ping checks the redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	err := s.api.Ping(ctx).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.closer()
}
