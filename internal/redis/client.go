package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

// Wrap adapts an existing go-redis client, used by tests against miniredis.
func Wrap(client *redis.Client) *Client {
	return &Client{client}
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// EventsChannel is the pub/sub channel carrying conversation events for a user.
func EventsChannel(uid string) string {
	return fmt.Sprintf("events:%s", uid)
}

// InProgressKey holds the id of the user's in-progress conversation.
func InProgressKey(uid string) string {
	return fmt.Sprintf("conversation:in_progress:%s", uid)
}

// ConversationLockKey serializes writers of a user's in-progress conversation.
func ConversationLockKey(uid string) string {
	return fmt.Sprintf("lock:conversation:%s", uid)
}

// UsageKey accumulates transcription usage for a user in a billing month.
func UsageKey(uid, month string) string {
	return fmt.Sprintf("usage:%s:%s", uid, month)
}

// GeolocationKey caches the last reported location of a user.
func GeolocationKey(uid string) string {
	return fmt.Sprintf("geolocation:%s", uid)
}
