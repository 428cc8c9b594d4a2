package idempotency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements redisClient over a map
type fakeRedis struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	default:
		f.data[key] = fmt.Sprint(v)
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	out, err := s.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, out, "first reservation owns the key")

	_, err = s.Reserve(ctx, "k1")
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, s.Complete(ctx, "k1", Outcome{PostID: "p1", TxRef: "0xabc", AnchorRef: "cid123"}))
	out, err = s.Reserve(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "0xabc", out.TxRef)
	assert.Equal(t, "cid123", out.AnchorRef)
	assert.Equal(t, "p1", out.PostID)

	out, err = s.Reserve(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, out)
	require.NoError(t, s.Release(ctx, "k2"))
	out, err = s.Reserve(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, out, "released key can be reserved again")
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore(time.Hour))
}

func TestRedisStore_Contract(t *testing.T) {
	fake := newFakeRedis()
	storeContract(t, &RedisStore{client: fake, ttl: time.Hour})

	assert.Equal(t, time.Hour, fake.ttls[keyPrefix+"k1"])
	_, ok := fake.data["k1"]
	assert.False(t, ok, "keys are namespaced")
}

func TestRedisStore_CorruptRecord(t *testing.T) {
	fake := newFakeRedis()
	fake.data[keyPrefix+"k"] = "{not json"
	s := &RedisStore{client: fake, ttl: time.Hour}

	_, err := s.Reserve(context.Background(), "k")
	assert.Error(t, err)
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Reserve(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	out, err := s.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, out, "expired reservation is reclaimed")
}
