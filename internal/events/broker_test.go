package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omi/listen-server/internal/model"
	redisclient "github.com/omi/listen-server/internal/redis"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisclient.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	b := NewBroker(rc)
	t.Cleanup(func() {
		b.Close()
		rc.Close()
	})
	return b
}

func receive(t *testing.T, sub *Subscription) model.ConversationEvent {
	t.Helper()
	select {
	case ev := <-sub.Events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return model.ConversationEvent{}
	}
}

func TestBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to every subscriber of the user", func(t *testing.T) {
		b := newTestBroker(t)

		first, err := b.Subscribe(ctx, "u1")
		require.NoError(t, err)
		second, err := b.Subscribe(ctx, "u1")
		require.NoError(t, err)
		other, err := b.Subscribe(ctx, "u2")
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, "u1", model.ConversationEvent{
			Type:           model.EventMemoryCreated,
			ConversationID: "c1",
		}))

		assert.Equal(t, "c1", receive(t, first).ConversationID)
		assert.Equal(t, model.EventMemoryCreated, receive(t, second).Type)
		select {
		case <-other.Events:
			t.Fatal("event leaked to another user")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("last unsubscribe drops the feed", func(t *testing.T) {
		b := newTestBroker(t)

		sub, err := b.Subscribe(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 1, b.ClientCount("u1"))

		b.Unsubscribe(sub)
		b.Unsubscribe(sub)

		assert.Equal(t, 0, b.ClientCount("u1"))
		select {
		case <-sub.Done:
		default:
			t.Fatal("done not closed")
		}
	})
}
