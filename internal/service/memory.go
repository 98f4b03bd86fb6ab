package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
)

// ProcessOutcome is what downstream processing decided for a conversation.
type ProcessOutcome struct {
	Discarded bool
	// Messages are plugin trigger replies to show the user.
	Messages []string
}

// Processor turns a finished conversation into a memory.
type Processor interface {
	Process(ctx context.Context, conv *model.Conversation) (*ProcessOutcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, conv *model.Conversation) (*ProcessOutcome, error)

func (f ProcessorFunc) Process(ctx context.Context, conv *model.Conversation) (*ProcessOutcome, error) {
	return f(ctx, conv)
}

// LocalProcessor keeps conversations that have any transcript and discards
// empty ones.
type LocalProcessor struct{}

func (LocalProcessor) Process(_ context.Context, conv *model.Conversation) (*ProcessOutcome, error) {
	for _, seg := range conv.TranscriptSegments {
		if seg.Text != "" {
			return &ProcessOutcome{}, nil
		}
	}
	return &ProcessOutcome{Discarded: len(conv.Photos) == 0}, nil
}

// EventPublisher delivers conversation events to a user's open sockets.
type EventPublisher interface {
	Publish(ctx context.Context, uid string, event model.ConversationEvent) error
}

// MemoryService moves a conversation out of in_progress and through
// downstream processing.
type MemoryService struct {
	conversations *ConversationService
	processor     Processor
	events        EventPublisher
}

func NewMemoryService(conversations *ConversationService, processor Processor, events EventPublisher) *MemoryService {
	return &MemoryService{conversations: conversations, processor: processor, events: events}
}

// WithProcessor returns a copy of the service that runs p instead.
func (s *MemoryService) WithProcessor(p Processor) *MemoryService {
	cp := *s
	cp.processor = p
	return &cp
}

// CreateMemory marks the conversation processing, runs the processor and
// publishes memory_created. A processor failure discards the conversation
// but memory_created is still published.
func (s *MemoryService) CreateMemory(ctx context.Context, uid, id string) (*model.Conversation, error) {
	ctx, span := observability.StartSpan(ctx, "memory.create",
		attribute.String("uid", uid),
		attribute.String("conversation.id", id))
	var spanErr error
	defer func() { observability.EndSpan(span, spanErr) }()

	if err := s.conversations.SetStatus(ctx, uid, id, model.ConversationStatusProcessing); err != nil {
		spanErr = err
		return nil, err
	}
	if err := s.conversations.Finalize(ctx, uid, id); err != nil {
		log.Warn().Err(err).Str("conversationId", id).Msg("clear in-progress marker")
	}
	s.publish(ctx, uid, model.ConversationEvent{
		Type:           model.EventMemoryProcessingStarted,
		ConversationID: id,
		Status:         model.ConversationStatusProcessing,
	})

	if _, err := s.conversations.AttachGeolocation(ctx, uid, id); err != nil {
		log.Warn().Err(err).Str("conversationId", id).Msg("attach geolocation")
	}

	conv, err := s.conversations.Get(ctx, uid, id)
	if err != nil {
		spanErr = err
		return nil, err
	}

	status := model.ConversationStatusCompleted
	outcome, err := s.processor.Process(ctx, conv)
	if err != nil {
		spanErr = err
		log.Error().Err(err).Str("uid", uid).Str("conversationId", id).Msg("conversation processing failed")
		outcome = &ProcessOutcome{Discarded: true}
	}
	if outcome.Discarded {
		status = model.ConversationStatusDiscarded
		if err := s.conversations.MarkDiscarded(ctx, uid, id); err != nil {
			return nil, fmt.Errorf("discard conversation: %w", err)
		}
		conv.Discarded = true
	}
	if err := s.conversations.SetStatus(ctx, uid, id, status); err != nil {
		return nil, err
	}
	conv.Status = status

	s.publish(ctx, uid, model.ConversationEvent{
		Type:           model.EventMemoryCreated,
		ConversationID: id,
		Status:         status,
		Memory:         conv,
		Messages:       outcome.Messages,
	})
	return conv, nil
}

func (s *MemoryService) publish(ctx context.Context, uid string, event model.ConversationEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, uid, event); err != nil {
		log.Warn().Err(err).Str("uid", uid).Str("event", string(event.Type)).Msg("publish conversation event")
	}
}
