package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/machinefabric/altport-go/events"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the SET and GETDEL calls RedisStore makes.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string][]byte
	ttls   map[string]time.Duration
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value.([]byte)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) GetDel(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	delete(f.values, key)
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

// TEST510: the redis store sets an expiry and serves a bundle once
func Test510_redis_store_take_once(t *testing.T) {
	fake := newFakeRedis()
	s := newRedisStore(fake, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "abc123", sample))
	assert.Equal(t, 30*time.Second, fake.ttls[redisKeyPrefix+"abc123"])

	got, ok, err := s.Take(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sample, got)

	_, ok, err = s.Take(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Close())
	assert.True(t, fake.closed)
}

// TEST511: the background works unchanged on top of the redis store
func Test511_relay_over_redis_store(t *testing.T) {
	p := injected(t, newRedisStore(newFakeRedis(), 0))

	ticket, err := events.Call(testCtx(t), p, events.StoreFiles, sample)
	require.NoError(t, err)
	got, err := events.Call(testCtx(t), p, events.RequestFiles, events.FileRequest{ID: ticket.ID})
	require.NoError(t, err)
	assert.Equal(t, sample, got)

	_, err = events.Call(testCtx(t), p, events.RequestFiles, events.FileRequest{ID: ticket.ID})
	assert.ErrorIs(t, err, ErrFilesNotFound)
}

// TEST512: a bad redis url is reported without dialing
func Test512_redis_bad_url(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not-a-url", time.Minute)
	assert.Error(t, err)
}
