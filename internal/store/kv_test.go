package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisKV(t *testing.T) (*miniredis.Miniredis, *RedisKV) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisKV(client)
}

func TestRedisKV_GetMiss(t *testing.T) {
	_, kv := setupRedisKV(t)
	_, err := kv.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisLease_Exclusive(t *testing.T) {
	mr, kv := setupRedisKV(t)
	ctx := context.Background()

	a := NewLease(kv, "eva:sweep:lease", 30*time.Second)
	b := NewLease(kv, "eva:sweep:lease", 30*time.Second)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// b 不能释放 a 的租约
	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("eva:sweep:lease"))

	require.NoError(t, a.Release(ctx))
	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLease_Expires(t *testing.T) {
	mr, kv := setupRedisKV(t)
	ctx := context.Background()

	a := NewLease(kv, "lease", 10*time.Second)
	ok, _ := a.TryAcquire(ctx)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)
	ok, err := NewLease(kv, "lease", 10*time.Second).TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSeenBefore(t *testing.T) {
	_, kv := setupRedisKV(t)
	ctx := context.Background()

	seen, err := SeenBefore(ctx, kv, "eva:device-event:ev-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = SeenBefore(ctx, kv, "eva:device-event:ev-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryKV_TTL(t *testing.T) {
	kv := NewMemoryKV()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := kv.SetNX(ctx, "k", "v1", time.Minute)
	assert.True(t, ok)
	ok, _ = kv.SetNX(ctx, "k", "v2", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = kv.SetNX(ctx, "k", "v2", time.Minute)
	assert.True(t, ok)

	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	deleted, _ := kv.DelIfEquals(ctx, "k", "v1")
	assert.False(t, deleted)
	deleted, _ = kv.DelIfEquals(ctx, "k", "v2")
	assert.True(t, deleted)
}
