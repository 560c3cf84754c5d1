package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: map[string]map[string]string{}}
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, f.err)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return redis.NewIntResult(int64(len(values)/2), f.err)
}

func (f *fakeRedis) HSetNX(_ context.Context, key, field string, value interface{}) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.hashes[key]
	if !ok {
		h = map[string]string{}
		f.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return redis.NewBoolResult(false, f.err)
	}
	h[field] = fmt.Sprint(value)
	return redis.NewBoolResult(true, f.err)
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := f.hashes[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, f.err)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func TestRedisStore(t *testing.T) {
	exerciseStore(t, newRedisStore(newFakeRedis()))
}

func TestRedisStoreKeyLayout(t *testing.T) {
	fake := newFakeRedis()
	s := newRedisStore(fake)

	require.NoError(t, s.Upsert(context.Background(), sampleSession("U9")))
	require.Contains(t, fake.hashes, "line-relay:session:U9")
}

func TestRedisStoreErrorsAreWrapped(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	s := newRedisStore(fake)

	_, err := s.Get(context.Background(), "U1")
	require.ErrorContains(t, err, "connection refused")
	require.NotErrorIs(t, err, ErrNotFound)
}
