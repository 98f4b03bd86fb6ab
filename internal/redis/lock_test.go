package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLock(t *testing.T) {
	ctx := context.Background()

	t.Run("second holder waits until release", func(t *testing.T) {
		_, client := setupMiniredis(t)

		first, err := client.AcquireLock(ctx, "lock:a", time.Second, time.Second)
		require.NoError(t, err)

		_, err = client.AcquireLock(ctx, "lock:a", time.Second, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrLockTimeout)

		require.NoError(t, first.Release(ctx))

		second, err := client.AcquireLock(ctx, "lock:a", time.Second, 50*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, second.Release(ctx))
	})

	t.Run("release does not delete a lease taken by someone else", func(t *testing.T) {
		mr, client := setupMiniredis(t)

		lock, err := client.AcquireLock(ctx, "lock:b", time.Second, time.Second)
		require.NoError(t, err)

		mr.Set("lock:b", "other-holder")
		require.NoError(t, lock.Release(ctx))

		got, err := mr.Get("lock:b")
		require.NoError(t, err)
		assert.Equal(t, "other-holder", got)
	})

	t.Run("concurrent holders are serialized", func(t *testing.T) {
		_, client := setupMiniredis(t)

		var mu sync.Mutex
		inside := 0
		maxInside := 0

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				lock, err := client.AcquireLock(ctx, "lock:c", time.Second, 5*time.Second)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				assert.NoError(t, lock.Release(ctx))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, maxInside)
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "events:u1", EventsChannel("u1"))
	assert.Equal(t, "conversation:in_progress:u1", InProgressKey("u1"))
	assert.Equal(t, "lock:conversation:u1", ConversationLockKey("u1"))
}
