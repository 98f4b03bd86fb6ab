package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/model"
	redisclient "github.com/omi/listen-server/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second
	clientBuffer      = 64
)

// Subscription receives the conversation events of one user.
type Subscription struct {
	UID    string
	Events chan model.ConversationEvent
	Done   chan struct{}
}

type userFeed struct {
	clients map[*Subscription]struct{}
	cancel  context.CancelFunc
}

// Broker fans conversation events out to every socket a user has open on
// any node. Publishing goes through Redis pub/sub; each node keeps one Redis
// subscription per user with local subscribers.
type Broker struct {
	redis *redisclient.Client
	mu    sync.RWMutex
	feeds map[string]*userFeed
	ctx   context.Context
	stop  context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, stop := context.WithCancel(context.Background())
	return &Broker{
		redis: redisClient,
		feeds: make(map[string]*userFeed),
		ctx:   ctx,
		stop:  stop,
	}
}

// Subscribe registers a local subscriber. The Redis subscription is
// confirmed before it returns, so events published afterwards are delivered.
func (b *Broker) Subscribe(ctx context.Context, uid string) (*Subscription, error) {
	sub := &Subscription{
		UID:    uid,
		Events: make(chan model.ConversationEvent, clientBuffer),
		Done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	feed := b.feeds[uid]
	if feed == nil {
		pubsub := b.redis.Subscribe(b.ctx, redisclient.EventsChannel(uid))
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("subscribe to events of %s: %w", uid, err)
		}
		feedCtx, cancel := context.WithCancel(b.ctx)
		feed = &userFeed{clients: make(map[*Subscription]struct{}), cancel: cancel}
		b.feeds[uid] = feed
		go b.listen(feedCtx, uid, pubsub)
	}
	feed.clients[sub] = struct{}{}

	log.Debug().
		Str("uid", uid).
		Int("clientCount", len(feed.clients)).
		Msg("events subscriber added")
	return sub, nil
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	feed, ok := b.feeds[sub.UID]
	if !ok {
		return
	}
	if _, ok := feed.clients[sub]; !ok {
		return
	}
	delete(feed.clients, sub)
	close(sub.Done)

	if len(feed.clients) == 0 {
		feed.cancel()
		delete(b.feeds, sub.UID)
	}
}

// Publish implements service.EventPublisher.
func (b *Broker) Publish(ctx context.Context, uid string, event model.ConversationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.EventsChannel(uid), data).Err()
}

func (b *Broker) listen(ctx context.Context, uid string, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event model.ConversationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("uid", uid).Msg("failed to unmarshal conversation event")
				continue
			}
			b.broadcast(uid, event)
		}
	}
}

func (b *Broker) broadcast(uid string, event model.ConversationEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	feed := b.feeds[uid]
	if feed == nil {
		return
	}
	for sub := range feed.clients {
		select {
		case sub.Events <- event:
		default:
			log.Warn().
				Str("uid", uid).
				Str("event", string(event.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

func (b *Broker) Close() {
	b.stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, feed := range b.feeds {
		for sub := range feed.clients {
			close(sub.Done)
		}
	}
	b.feeds = make(map[string]*userFeed)
}

func (b *Broker) ClientCount(uid string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if feed := b.feeds[uid]; feed != nil {
		return len(feed.clients)
	}
	return 0
}
