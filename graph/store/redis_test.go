package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return mr, st
}

func TestRedisStore_Contract(t *testing.T) {
	_, st := setupTestRedis(t, 0)
	testStoreContract(t, st)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr, st := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "checkpoint:inst-1", []byte("v1")))

	assert.True(t, mr.Exists("stepgraph:checkpoint:inst-1"))
	raw, err := mr.Get("stepgraph:checkpoint:inst-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", raw)
}

func TestRedisStore_TTL(t *testing.T) {
	mr, st := setupTestRedis(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "checkpoint:inst-1", []byte("v1")))
	assert.Equal(t, time.Hour, mr.TTL("stepgraph:checkpoint:inst-1"))

	mr.FastForward(2 * time.Hour)
	_, err := st.Get(ctx, "checkpoint:inst-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_KeysWithGlobCharacters(t *testing.T) {
	_, st := setupTestRedis(t, 0)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "a*:1", []byte("v")))
	require.NoError(t, st.Put(ctx, "ab:2", []byte("v")))

	keys, err := st.Keys(ctx, "a*")
	require.NoError(t, err)
	assert.Equal(t, []string{"a*:1"}, keys)
}

func TestRedisStore_FromClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStoreFromClient(client, "custom:", 0)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Ping(ctx))
	require.NoError(t, st.Put(ctx, "k", []byte("v")))
	assert.True(t, mr.Exists("custom:k"))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = NewRedisStore(RedisConfig{Addr: addr})
	assert.Error(t, err)
}
