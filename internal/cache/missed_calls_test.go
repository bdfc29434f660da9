package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/cache"
)

func TestLRUMissedCallCacheBoundedAndExpiring(t *testing.T) {
	ctx := context.Background()
	c := cache.NewLRUMissedCallCache(2, 50*time.Millisecond)

	require.NoError(t, c.Put(ctx, "+10000000001", cache.MissedCall{Status: "busy"}))
	require.NoError(t, c.Put(ctx, "+10000000002", cache.MissedCall{Status: "no-answer"}))
	require.NoError(t, c.Put(ctx, "+10000000003", cache.MissedCall{Status: "failed"}))
	assert.Equal(t, 2, c.Len())

	_, ok, _ := c.Get(ctx, "+10000000001")
	assert.False(t, ok, "oldest entry evicted at capacity")

	mc, ok, _ := c.Get(ctx, "+10000000003")
	require.True(t, ok)
	assert.Equal(t, "failed", mc.Status)

	assert.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, "+10000000003")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestRedisMissedCallCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := cache.NewRedisMissedCallCache(rdb, time.Minute)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, c.Put(ctx, "+995555123456", cache.MissedCall{Status: "no-answer", At: at}))

	mc, ok, err := c.Get(ctx, "+995555123456")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "no-answer", mc.Status)
	assert.True(t, at.Equal(mc.At))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "+995555123456")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "+995555123456", cache.MissedCall{Status: "busy"}))
	require.NoError(t, c.Delete(ctx, "+995555123456"))
	_, ok, err = c.Get(ctx, "+995555123456")
	require.NoError(t, err)
	assert.False(t, ok)
}
