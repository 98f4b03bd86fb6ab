package listen

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omi/listen-server/internal/audio"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/pusher"
	"github.com/omi/listen-server/internal/stt"
	"github.com/omi/listen-server/internal/vad"
)

func audioConverter(p Params) (*audio.Converter, error) {
	return audio.NewConverter(p.Codec, p.SampleRate, p.decodeChannels())
}

func (s *Session) receiveLoop(ctx context.Context) error {
	s.lastStats = s.now()
	s.chunkStart = s.now()
	s.windowStart = s.now()
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug().Err(err).Msg("listen socket dropped")
			}
			return errClientGone
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			s.handleControl(ctx, data)
		}
		s.maybeLogStats()
	}
}

// route picks the channel of an inbound frame. Multi-channel frames carry the
// 1-based channel id in their first byte.
func (s *Session) route(data []byte) (*channel, []byte, bool) {
	if !s.params.Multi {
		return s.channels[0], data, true
	}
	if len(data) < 2 {
		return nil, nil, false
	}
	ch, ok := s.byID[data[0]]
	if !ok {
		s.unknownFrames++
		return nil, nil, false
	}
	return ch, data[1:], true
}

func (s *Session) handleAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	ch, payload, ok := s.route(data)
	if !ok {
		return
	}
	ch.packets.Add(1)
	ch.bytes.Add(int64(len(payload)))
	s.deps.Metrics.RecordAudio("received", len(payload))

	pcm, decoded := ch.converter.Convert(payload)
	if !decoded {
		return
	}
	now := s.now()

	if s.uploading() {
		ch.chunk = append(ch.chunk, pcm...)
		if now.Sub(s.chunkStart) >= s.deps.Timings.ChunkDuration {
			s.cutChunk()
		}
	}
	if s.pusher != nil {
		ch.window = append(ch.window, pcm...)
		if now.Sub(s.windowStart) >= s.deps.Timings.AudioWindow {
			s.cutWindow()
		}
	}

	out := ch.gate.Process(pcm)
	if ch.gate.Mode() != vad.ModeOff {
		s.deps.Metrics.RecordVADChunk(!out.Skipped)
	}
	switch {
	case len(out.Audio) > 0:
		ch.send(out.Audio, now)
	case out.Skipped:
		ch.keepAlive(now)
	}
	if out.Finalize {
		ch.finalize()
		s.deps.Metrics.RecordVADFinalize()
	}
}

// cutChunk mixes the buffered channels into one private cloud chunk. The
// conversation is resolved at upload time, so chunks cut before the first
// segment still land in the conversation.
func (s *Session) cutChunk() {
	start := s.chunkStart
	s.chunkStart = s.now()

	data := s.mixChannels((*channel).takeChunk)
	if len(data) == 0 {
		return
	}
	s.queues.PrivateCloud.Push(pusher.CloudChunk{
		Data:           data,
		ConversationID: s.currentConversation(),
		Timestamp:      float64(start.UnixMilli()) / 1000,
	})
	if s.deps.PusherStats != nil {
		s.deps.PusherStats.Chunk("queued")
	}
}

// cutWindow mixes the channels' pending audio into one window per
// destination for the pusher.
func (s *Session) cutWindow() {
	s.windowStart = s.now()

	data := s.mixChannels((*channel).takeWindow)
	if len(data) == 0 {
		return
	}
	s.queues.AudioBytes.Push(pusher.AudioWindow{Type: pusher.AudioTypeApp, SampleRate: stt.TargetRate, Payload: data})
	if s.user != nil && s.user.AudioBytesWebhook {
		s.queues.AudioBytes.Push(pusher.AudioWindow{Type: pusher.AudioTypeWebhook, SampleRate: stt.TargetRate, Payload: data})
	}
}

func (s *Session) mixChannels(take func(*channel) []byte) []byte {
	buffers := make([][]byte, 0, len(s.channels))
	for _, ch := range s.channels {
		if b := take(ch); len(b) > 0 {
			buffers = append(buffers, b)
		}
	}
	if len(buffers) == 0 {
		return nil
	}
	return audio.Mix(buffers)
}

type controlMessage struct {
	Type        string   `json:"type"`
	PersonID    string   `json:"person_id"`
	SegmentIDs  []string `json:"segment_ids"`
	Base64      string   `json:"base64"`
	Description string   `json:"description"`
}

func (s *Session) handleControl(ctx context.Context, data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring malformed control message")
		return
	}

	switch msg.Type {
	case "speaker_assigned":
		id := s.currentConversation()
		if s.pusher == nil || id == "" || msg.PersonID == "" {
			return
		}
		s.queues.SpeakerSamples.Push(pusher.SpeakerSampleRequest{
			ConversationID: id,
			PersonID:       msg.PersonID,
			SegmentIDs:     msg.SegmentIDs,
		})
	case "image":
		if msg.Base64 == "" {
			return
		}
		id, _, err := s.ensureConversation(ctx, s.now().Sub(s.started).Seconds())
		if err != nil {
			s.logger.Warn().Err(err).Msg("open conversation for photo")
			return
		}
		photo := model.ConversationPhoto{
			ID:          uuid.NewString(),
			Base64:      msg.Base64,
			Description: msg.Description,
			CreatedAt:   s.now().UTC(),
		}
		if err := s.deps.Conversations.AddPhotos(ctx, s.params.UID, id, []model.ConversationPhoto{photo}); err != nil {
			s.logger.Warn().Err(err).Str("conversationId", id).Msg("add photo")
		}
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("ignoring control message")
	}
}

func (s *Session) maybeLogStats() {
	now := s.now()
	if now.Sub(s.lastStats) < s.deps.Timings.ChannelStats {
		return
	}
	s.lastStats = now
	for _, ch := range s.channels {
		s.logger.Debug().
			Str("channel", ch.cfg.Label).
			Int64("packets", ch.packets.Load()).
			Int64("bytes", ch.bytes.Load()).
			Float64("sttSeconds", ch.sentSeconds()).
			Msg("channel stats")
	}
	if s.unknownFrames > 0 {
		s.logger.Warn().Int64("unknownFrames", s.unknownFrames).Msg("frames for unknown channels")
	}
}
