package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/redis"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ConversationEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event model.ConversationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []model.ConversationEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.ConversationEventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func TestCreateMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("completes a conversation with transcript", func(t *testing.T) {
		convs, repo, mr := setupConversations(t)
		events := &recordingPublisher{}
		svc := NewMemoryService(convs, LocalProcessor{}, events)

		conv, err := convs.GetOrCreateInProgress(ctx, "u", ConversationSeed{})
		require.NoError(t, err)
		_, err = convs.AppendSegments(ctx, "u", conv.ID, []model.TranscriptSegment{{Speaker: "SPEAKER_00", Text: "hello"}})
		require.NoError(t, err)

		memory, err := svc.CreateMemory(ctx, "u", conv.ID)
		require.NoError(t, err)

		assert.Equal(t, model.ConversationStatusCompleted, memory.Status)
		assert.Equal(t, model.ConversationStatusCompleted, repo.Snapshot(conv.ID).Status)
		assert.False(t, mr.Exists(redis.InProgressKey("u")))
		assert.Equal(t, []model.ConversationEventType{
			model.EventMemoryProcessingStarted,
			model.EventMemoryCreated,
		}, events.types())
	})

	t.Run("empty conversation is discarded", func(t *testing.T) {
		convs, repo, _ := setupConversations(t)
		svc := NewMemoryService(convs, LocalProcessor{}, nil)

		conv, err := convs.GetOrCreateInProgress(ctx, "u", ConversationSeed{})
		require.NoError(t, err)

		memory, err := svc.CreateMemory(ctx, "u", conv.ID)
		require.NoError(t, err)

		assert.True(t, memory.Discarded)
		assert.True(t, repo.Snapshot(conv.ID).Discarded)
	})

	t.Run("processor failure discards and still publishes", func(t *testing.T) {
		convs, repo, _ := setupConversations(t)
		events := &recordingPublisher{}
		failing := ProcessorFunc(func(context.Context, *model.Conversation) (*ProcessOutcome, error) {
			return nil, errors.New("llm down")
		})
		svc := NewMemoryService(convs, failing, events)

		conv, err := convs.GetOrCreateInProgress(ctx, "u", ConversationSeed{})
		require.NoError(t, err)

		_, err = svc.CreateMemory(ctx, "u", conv.ID)
		require.NoError(t, err)

		assert.Equal(t, model.ConversationStatusDiscarded, repo.Snapshot(conv.ID).Status)
		assert.Equal(t, model.EventMemoryCreated, events.types()[1])
	})

	t.Run("plugin messages reach the client", func(t *testing.T) {
		convs, _, _ := setupConversations(t)
		events := &recordingPublisher{}
		withMessages := ProcessorFunc(func(context.Context, *model.Conversation) (*ProcessOutcome, error) {
			return &ProcessOutcome{Messages: []string{"reminder set"}}, nil
		})
		svc := NewMemoryService(convs, withMessages, events)

		conv, err := convs.GetOrCreateInProgress(ctx, "u", ConversationSeed{})
		require.NoError(t, err)
		_, err = svc.CreateMemory(ctx, "u", conv.ID)
		require.NoError(t, err)

		require.Len(t, events.events, 2)
		assert.Equal(t, []string{"reminder set"}, events.events[1].Messages)
	})
}
