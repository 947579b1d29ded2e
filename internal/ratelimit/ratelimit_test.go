package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var login = Policy{Name: "login", Max: 5, Window: 15 * time.Minute}

func TestLocalBlocksAfterBudget(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLocal()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, login, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "hit %d", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}
	res, err := l.Allow(ctx, login, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.InDelta(t, float64(3*time.Minute), float64(res.RetryAfter), float64(time.Millisecond))

	other, err := l.Allow(ctx, login, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")

	now = now.Add(3*time.Minute + time.Second)
	res, err = l.Allow(ctx, login, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "one token refilled")
}

func TestLocalSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLocal()
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), login, "a")
	assert.Equal(t, 0, l.Sweep())
	now = now.Add(time.Hour)
	assert.Equal(t, 1, l.Sweep())
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "test"), mr
}

func TestRedisBlocksAfterBudget(t *testing.T) {
	r, mr := newRedis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := r.Allow(ctx, login, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 4-i, res.Remaining)
	}
	res, err := r.Allow(ctx, login, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 15*time.Minute, res.RetryAfter)
	assert.True(t, mr.Exists("test:login:10.0.0.1"))

	mr.FastForward(15*time.Minute + time.Second)
	res, err = r.Allow(ctx, login, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "window reset")
}

func TestRedisPoliciesAreSeparate(t *testing.T) {
	r, _ := newRedis(t)
	ctx := context.Background()
	refresh := Policy{Name: "refresh", Max: 1, Window: time.Minute}

	res, err := r.Allow(ctx, refresh, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	res, err = r.Allow(ctx, refresh, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = r.Allow(ctx, login, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisUnavailable(t *testing.T) {
	r, mr := newRedis(t)
	mr.Close()
	_, err := r.Allow(context.Background(), login, "k")
	assert.Error(t, err)
}
