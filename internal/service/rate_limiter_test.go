package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	limiter := NewRateLimiter(client)
	limiter.now = func() time.Time { return clock }
	limiter.seq = func() string {
		n++
		return fmt.Sprintf("%d", n)
	}
	return limiter, &clock
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()

	t.Run("allows requests within limit", func(t *testing.T) {
		limiter, _ := newTestLimiter(t)

		for i := 0; i < 3; i++ {
			d := limiter.CheckLimit(ctx, "listen:u1", 3, 10*time.Second)
			assert.True(t, d.Allowed, "request %d", i+1)
			assert.Equal(t, 2-i, d.Remaining)
		}

		d := limiter.CheckLimit(ctx, "listen:u1", 3, 10*time.Second)
		assert.False(t, d.Allowed)
		assert.Equal(t, 0, d.Remaining)
	})

	t.Run("window slides", func(t *testing.T) {
		limiter, clock := newTestLimiter(t)

		assert.True(t, limiter.CheckLimit(ctx, "k", 2, 2*time.Second).Allowed)
		*clock = clock.Add(time.Second)
		assert.True(t, limiter.CheckLimit(ctx, "k", 2, 2*time.Second).Allowed)

		denied := limiter.CheckLimit(ctx, "k", 2, 2*time.Second)
		assert.False(t, denied.Allowed)
		assert.Equal(t, clock.Add(time.Second), denied.ResetAt)

		*clock = clock.Add(1500 * time.Millisecond)
		assert.True(t, limiter.CheckLimit(ctx, "k", 2, 2*time.Second).Allowed)
	})

	t.Run("keys are independent", func(t *testing.T) {
		limiter, _ := newTestLimiter(t)

		assert.True(t, limiter.CheckLimit(ctx, "a", 1, time.Minute).Allowed)
		assert.False(t, limiter.CheckLimit(ctx, "a", 1, time.Minute).Allowed)
		assert.True(t, limiter.CheckLimit(ctx, "b", 1, time.Minute).Allowed)
	})

	t.Run("redis failure denies", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer client.Close()
		limiter := NewRateLimiter(client)

		assert.False(t, limiter.CheckLimit(ctx, "k", 10, time.Minute).Allowed)
	})
}
