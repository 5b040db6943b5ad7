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

func newTestLimiter(t *testing.T) (*miniredis.Miniredis, *Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewLimiter(client, nil)
}

func TestAllow_BlocksPastLimit(t *testing.T) {
	mr, limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "p1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := limiter.Allow(ctx, "p1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other identifiers have their own window.
	ok, err = limiter.Allow(ctx, "p2", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, time.Minute, mr.TTL("rl:test:p1"))
}

func TestAllow_WindowResets(t *testing.T) {
	mr, limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: 10 * time.Second}

	ok, _ := limiter.Allow(ctx, "p1", rule)
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "p1", rule)
	assert.False(t, ok)

	mr.FastForward(11 * time.Second)
	ok, err := limiter.Allow(ctx, "p1", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_FailsOpen(t *testing.T) {
	mr, limiter := newTestLimiter(t)
	mr.Close()

	ok, err := limiter.Allow(context.Background(), "p1", RuleJoin)
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestRemainingAndRetryAfter(t *testing.T) {
	_, limiter := newTestLimiter(t)
	ctx := context.Background()

	remaining, err := limiter.Remaining(ctx, "p1", RuleAction)
	require.NoError(t, err)
	assert.Equal(t, 30, remaining)
	assert.Equal(t, 60, limiter.RetryAfter(ctx, "p1", RuleAction))

	for i := 0; i < 5; i++ {
		_, err := limiter.Allow(ctx, "p1", RuleAction)
		require.NoError(t, err)
	}
	remaining, err = limiter.Remaining(ctx, "p1", RuleAction)
	require.NoError(t, err)
	assert.Equal(t, 25, remaining)
	assert.Equal(t, 60, limiter.RetryAfter(ctx, "p1", RuleAction))
}
