package listen

import (
	"context"
	"time"

	"github.com/omi/listen-server/internal/config"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/pusher"
)

// runUploader moves private cloud chunks to object storage. A failed chunk
// goes back on the queue until it has been tried ChunkUploadMaxRetries
// times. After ctx ends the queue keeps draining until it is empty; each
// upload is bounded by UploadTimeout so a stalled store cannot hold it
// forever.
func (s *Session) runUploader(ctx context.Context) {
	q := s.queues.PrivateCloud
	drain := context.WithoutCancel(ctx)

	touched := make(map[string]bool)
	for {
		chunk, ok := q.PopFront()
		if !ok {
			s.rebuildAudioFiles(drain, touched)
			if ctx.Err() != nil {
				return
			}
			select {
			case <-q.Ready():
			case <-ctx.Done():
			}
			continue
		}

		if chunk.ConversationID == "" {
			chunk.ConversationID = s.chunkConversation()
		}
		if chunk.ConversationID == "" {
			if ctx.Err() != nil {
				s.logger.Error().Float64("timestamp", chunk.Timestamp).Msg("dropping audio chunk without conversation")
				s.chunkResult("dropped")
				continue
			}
			// No conversation yet; wait for the first segment.
			q.Requeue([]pusher.CloudChunk{chunk})
			s.pause(ctx, s.deps.Timings.UploadRetryWait)
			continue
		}

		if err := s.uploadChunk(drain, chunk); err != nil {
			chunk.Retries++
			if chunk.Retries < config.ChunkUploadMaxRetries {
				s.logger.Warn().Err(err).Int("retries", chunk.Retries).Msg("chunk upload failed, retrying")
				s.chunkResult("retry")
				q.Push(chunk)
				s.pause(drain, s.deps.Timings.UploadRetryWait)
				continue
			}
			s.logger.Error().
				Err(err).
				Str("conversationId", chunk.ConversationID).
				Float64("timestamp", chunk.Timestamp).
				Msg("chunk upload failed, giving up")
			s.chunkResult("dropped")
			continue
		}
		s.chunkResult("sent")
		touched[chunk.ConversationID] = true
	}
}

func (s *Session) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// attachPendingChunks gives queued chunks that never saw a conversation one
// to land in, opening it at the first chunk's start when none is active.
func (s *Session) attachPendingChunks(ctx context.Context) {
	q := s.queues.PrivateCloud
	pending := q.Drain()
	defer q.Requeue(pending)

	first := -1
	for i, c := range pending {
		if c.ConversationID == "" {
			first = i
			break
		}
	}
	if first < 0 {
		return
	}
	offset := max(pending[first].Timestamp-float64(s.started.UnixMilli())/1000, 0)
	id, _, err := s.ensureConversation(ctx, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("open conversation for pending audio chunks")
		return
	}
	s.convMu.Lock()
	s.pendingConv = id
	s.convMu.Unlock()
	for i := range pending {
		if pending[i].ConversationID == "" {
			pending[i].ConversationID = id
		}
	}
}

// chunkConversation is where an unassigned chunk belongs: the active
// conversation, or the one opened for leftover chunks at session end.
func (s *Session) chunkConversation() string {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	if s.convID != "" {
		return s.convID
	}
	return s.pendingConv
}

func (s *Session) uploadChunk(ctx context.Context, chunk pusher.CloudChunk) error {
	data := chunk.Data
	encrypted := false
	if s.user.DataProtectionLevel == model.ProtectionEnhanced && s.deps.Cipher.Available() {
		sealed, err := s.deps.Cipher.Seal(data, s.params.UID)
		if err != nil {
			return apperrors.UploadTransient(err)
		}
		data = sealed
		encrypted = true
	}
	if s.deps.Timings.UploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deps.Timings.UploadTimeout)
		defer cancel()
	}
	if err := s.deps.Store.PutChunk(ctx, s.params.UID, chunk.ConversationID, chunk.Timestamp, data, encrypted); err != nil {
		return apperrors.UploadTransient(err)
	}
	return nil
}

// rebuildAudioFiles refreshes the audio file list of conversations that
// received chunks since the last rebuild.
func (s *Session) rebuildAudioFiles(ctx context.Context, touched map[string]bool) {
	for id := range touched {
		files, err := s.deps.Store.AudioFiles(ctx, s.params.UID, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("conversationId", id).Msg("list audio files")
			continue
		}
		if err := s.deps.Conversations.SetAudioFiles(ctx, s.params.UID, id, files); err != nil {
			s.logger.Warn().Err(err).Str("conversationId", id).Msg("update audio files")
			continue
		}
		delete(touched, id)
	}
}

func (s *Session) chunkResult(result string) {
	if s.deps.PusherStats != nil {
		s.deps.PusherStats.Chunk(result)
	}
	s.deps.Metrics.RecordChunkUpload(result)
}
