package listen

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/pusher"
	"github.com/omi/listen-server/internal/service"
	"github.com/omi/listen-server/internal/stt"
)

// segmentHandler places a stream's segments on the session timeline: base
// undoes stream reconnects, the gate's mapper undoes withheld silence, and
// multi-channel sessions take the speaker from the channel.
func (s *Session) segmentHandler(ch *channel, base float64) stt.SegmentHandler {
	return func(segments []model.TranscriptSegment) {
		if len(segments) == 0 {
			return
		}
		mapper := ch.gate.Mapper()
		for i := range segments {
			seg := &segments[i]
			seg.Start += base
			seg.End += base
			if mapper != nil {
				seg.Start = mapper.ToWall(seg.Start)
				seg.End = mapper.ToWall(seg.End)
			}
			if s.params.Multi {
				seg.Speaker = ch.cfg.Speaker
				seg.IsUser = ch.cfg.IsUser
			}
		}
		s.deps.Metrics.RecordSegments(ch.provider.Name(), len(segments))

		s.bufMu.Lock()
		s.realtime = append(s.realtime, segments...)
		s.bufMu.Unlock()
	}
}

func (s *Session) takeRealtime() []model.TranscriptSegment {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	segs := s.realtime
	s.realtime = nil
	return segs
}

func (s *Session) restoreRealtime(segs []model.TranscriptSegment) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.realtime = append(segs, s.realtime...)
}

func (s *Session) streamProcessor(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.Timings.StreamFlush)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.flush(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("flush transcript segments")
			}
		}
	}
}

// flush persists buffered segments into the in-progress conversation, echoes
// them to the client and forwards them downstream. Segments that could not be
// persisted go back to the buffer.
func (s *Session) flush(ctx context.Context) error {
	raw := s.takeRealtime()
	if len(raw) == 0 {
		return nil
	}
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Start < raw[j].Start })

	convID, offset, err := s.ensureConversation(ctx, raw[0].Start)
	if err != nil {
		s.restoreRealtime(raw)
		return err
	}

	segs := make([]model.TranscriptSegment, len(raw))
	copy(segs, raw)
	model.ShiftSegments(segs, offset)
	for i := range segs {
		if segs[i].ID == "" {
			segs[i].ID = uuid.NewString()
		}
	}

	conv, err := s.deps.Conversations.AppendSegments(ctx, s.params.UID, convID, segs)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeNotFound) {
			s.clearConversation(convID)
		}
		s.restoreRealtime(raw)
		return fmt.Errorf("append segments: %w", err)
	}

	for _, seg := range segs {
		frame := transcriptFrame{Type: "phone_transcript", Segment: segmentFrame{
			ID:      seg.ID,
			Text:    seg.Text,
			IsUser:  seg.IsUser,
			Speaker: seg.Speaker,
			Start:   seg.Start,
			End:     seg.End,
			IsFinal: true,
		}}
		if err := s.sendJSON(frame); err != nil {
			s.logger.Debug().Err(err).Msg("send transcript")
			break
		}
	}
	if s.pusher != nil {
		s.queues.Transcripts.Push(pusher.TranscriptBatch{ConversationID: convID, Segments: segs})
	}
	s.addWords(segs)

	s.finalizer.Schedule(convID, conv.FinishedAt)
	return nil
}

func (s *Session) addWords(segs []model.TranscriptSegment) {
	n := 0
	for _, seg := range segs {
		n += len(strings.Fields(seg.Text))
	}
	s.wordsMu.Lock()
	s.words += int64(n)
	s.wordsMu.Unlock()
}

func (s *Session) currentConversation() string {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	return s.convID
}

func (s *Session) clearConversation(id string) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	if s.convID == id {
		s.convID = ""
		s.convOffset = 0
	}
}

// ensureConversation returns the conversation segments are written to and
// the offset from session time to conversation time. A new conversation
// starts at the first segment, so leading silence is trimmed.
func (s *Session) ensureConversation(ctx context.Context, firstStart float64) (string, float64, error) {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	if s.convID != "" {
		return s.convID, s.convOffset, nil
	}

	startedAt := s.started.Add(time.Duration(firstStart * float64(time.Second)))
	conv, err := s.deps.Conversations.GetOrCreateInProgress(ctx, s.params.UID, service.ConversationSeed{
		Source:    s.params.Source,
		Language:  s.language,
		StartedAt: startedAt,
	})
	if err != nil {
		return "", 0, err
	}
	s.adoptLocked(conv)
	return s.convID, s.convOffset, nil
}

func (s *Session) adoptLocked(conv *model.Conversation) {
	s.convID = conv.ID
	s.convOffset = s.started.Sub(conv.StartedAt).Seconds()
	s.logger.Info().
		Str("conversationId", conv.ID).
		Float64("offset", s.convOffset).
		Msg("writing to conversation")
	if s.pusher != nil {
		id := conv.ID
		s.pusher.Tasks().Go("announce_conversation", func(ctx context.Context) {
			if err := s.pusher.AnnounceConversation(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("conversationId", id).Msg("announce conversation")
			}
		})
	}
}

// resumeConversation picks up the user's in-progress conversation when the
// socket opens. A conversation already past the silence timeout is processed
// in the background instead.
func (s *Session) resumeConversation(ctx context.Context) error {
	conv, err := s.deps.Conversations.InProgress(ctx, s.params.UID)
	if err != nil {
		return err
	}
	if conv != nil && s.now().Sub(conv.FinishedAt) > s.deps.Timings.MemoryTimeout {
		s.logger.Info().Str("conversationId", conv.ID).Msg("processing stale in-progress conversation")
		if err := s.deps.Conversations.SetStatus(ctx, s.params.UID, conv.ID, model.ConversationStatusProcessing); err != nil {
			return err
		}
		s.processAsync(ctx, conv.ID)
		conv = nil
	}

	if conv == nil && s.params.CallID != "" {
		conv, err = s.deps.Conversations.GetOrCreateInProgress(ctx, s.params.UID, service.ConversationSeed{
			ID:        s.params.CallID,
			Source:    s.params.Source,
			Language:  s.language,
			StartedAt: s.started,
		})
		if err != nil {
			return err
		}
	}
	if conv == nil {
		return nil
	}

	s.convMu.Lock()
	s.adoptLocked(conv)
	s.convMu.Unlock()
	s.finalizer.Schedule(conv.ID, conv.FinishedAt)
	return nil
}

func (s *Session) processAsync(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.memories.CreateMemory(ctx, s.params.UID, id); err != nil {
			s.logger.Error().Err(err).Str("conversationId", id).Msg("create memory")
		}
	}()
}

// onSilence runs when the conversation has seen no new segment for the
// timeout. It is a no-op if the conversation moved on since the timer was
// armed.
func (s *Session) onSilence(id string, finishedAt time.Time) {
	ctx := context.Background()
	conv, err := s.deps.Conversations.Get(ctx, s.params.UID, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversationId", id).Msg("load conversation for finalization")
		return
	}
	if conv.Status != model.ConversationStatusInProgress || conv.FinishedAt.After(finishedAt) {
		return
	}

	// Leave in_progress before releasing the conversation so the next
	// segment opens a new one instead of resuming this.
	s.convMu.Lock()
	if err := s.deps.Conversations.SetStatus(ctx, s.params.UID, id, model.ConversationStatusProcessing); err != nil {
		s.convMu.Unlock()
		s.logger.Error().Err(err).Str("conversationId", id).Msg("mark conversation processing")
		return
	}
	if s.convID == id {
		s.convID = ""
		s.convOffset = 0
	}
	s.convMu.Unlock()

	s.logger.Info().Str("conversationId", id).Msg("conversation silent, creating memory")
	s.processAsync(ctx, id)
}
