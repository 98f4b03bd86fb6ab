package listen

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omi/listen-server/internal/audio"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/events"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/pusher"
	"github.com/omi/listen-server/internal/service"
	"github.com/omi/listen-server/internal/vad"
)

func singleParams() Params {
	return Params{UID: "u1", Source: model.SourceOmi, Language: "en", SampleRate: 16000, Codec: "pcm", Channels: 1}
}

func recent(t *testing.T, h *harness) []model.Conversation {
	t.Helper()
	convs, err := h.repo.FindRecent(context.Background(), "u1", 10)
	require.NoError(t, err)
	return convs
}

func TestSessionSingleChannel(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	done := h.start(t, conn, singleParams(), nil)

	conn.sendAudio(pcm(100))
	stream := h.provider.stream(t, 0)
	require.Eventually(t, func() bool { return stream.bytesSent() == 3200 }, time.Second, 5*time.Millisecond)

	stream.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", IsUser: true, Start: 3.2, End: 4.0, Text: "hello world"})
	frames := conn.waitFor(t, "phone_transcript", 1)
	seg := frames[0]["segment"].(map[string]any)
	assert.Equal(t, "hello world", seg["text"])
	assert.Equal(t, true, seg["is_final"])
	assert.InDelta(t, 0.0, seg["start"], 1e-3, "leading silence is trimmed")
	assert.InDelta(t, 0.8, seg["end"], 1e-3)
	assert.NotEmpty(t, seg["id"])

	conn.hangUp()
	require.NoError(t, waitDone(t, done))

	convs := recent(t, h)
	require.Len(t, convs, 1)
	assert.Equal(t, model.ConversationStatusCompleted, convs[0].Status)
	require.Len(t, convs[0].TranscriptSegments, 1)
	assert.InDelta(t, 0.8, convs[0].TranscriptSegments[0].End, 1e-3)

	statuses := conn.framesOfType("status")
	require.GreaterOrEqual(t, len(statuses), 3)
	assert.Equal(t, "initiating", statuses[0]["status"])
	assert.Equal(t, "stt_connecting", statuses[1]["status"])
	assert.Equal(t, "ready", statuses[2]["status"])
	assert.True(t, stream.closed)
	assert.Positive(t, stream.finalized)
}

func TestSessionMultiChannel(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	params := Params{UID: "u1", Source: model.SourcePhoneCall, SampleRate: 16000, Codec: "pcm", Channels: 2, Multi: true}
	done := h.start(t, conn, params, nil)

	conn.sendAudio(append([]byte{1}, pcm(100)...))
	conn.sendAudio(append([]byte{2}, pcm(200)...))
	conn.sendAudio(append([]byte{7}, pcm(100)...))
	conn.sendAudio([]byte{1})

	first, second := h.provider.stream(t, 0), h.provider.stream(t, 1)
	require.Eventually(t, func() bool {
		return first.bytesSent()+second.bytesSent() == 3200+6400
	}, time.Second, 5*time.Millisecond, "unknown channel ids and short frames are dropped")

	first.emit(model.TranscriptSegment{Speaker: "SPEAKER_07", Start: 1.0, End: 1.4, Text: "one"})
	second.emit(model.TranscriptSegment{Speaker: "SPEAKER_07", Start: 1.5, End: 2.0, Text: "two"})
	frames := conn.waitFor(t, "phone_transcript", 2)

	isUser := map[string]bool{}
	for _, f := range frames {
		seg := f["segment"].(map[string]any)
		isUser[seg["speaker"].(string)] = seg["is_user"].(bool)
	}
	assert.Equal(t, map[string]bool{"SPEAKER_00": true, "SPEAKER_01": false}, isUser)

	conn.hangUp()
	require.NoError(t, waitDone(t, done))

	convs := recent(t, h)
	require.Len(t, convs, 1)
	assert.Len(t, convs[0].TranscriptSegments, 2, "different speakers are not merged")
}

func TestSessionSilenceFinalizes(t *testing.T) {
	h := newHarness(t)
	broker := events.NewBroker(h.redis)
	t.Cleanup(broker.Close)
	h.deps.Events = broker
	h.deps.Memories = service.NewMemoryService(h.convs, service.LocalProcessor{}, broker)
	h.deps.Timings.MemoryTimeout = 150 * time.Millisecond

	conn := newFakeConn()
	done := h.start(t, conn, singleParams(), nil)
	stream := h.provider.stream(t, 0)

	stream.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", IsUser: true, Start: 0.5, End: 1.0, Text: "remind me"})
	conn.waitFor(t, "phone_transcript", 1)

	created := conn.waitFor(t, string(model.EventMemoryCreated), 1)
	assert.Equal(t, string(model.ConversationStatusCompleted), created[0]["status"])
	started := conn.framesOfType(string(model.EventMemoryProcessingStarted))
	require.Len(t, started, 1)
	assert.Equal(t, created[0]["conversation_id"], started[0]["conversation_id"])
	firstID := created[0]["conversation_id"]

	stream.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", IsUser: true, Start: 4.0, End: 4.5, Text: "buy milk"})
	conn.waitFor(t, "phone_transcript", 2)

	convs := recent(t, h)
	require.Len(t, convs, 2, "speech after finalization opens a new conversation")
	for _, c := range convs {
		if c.ID == firstID {
			assert.Equal(t, model.ConversationStatusCompleted, c.Status)
		} else {
			assert.Equal(t, model.ConversationStatusInProgress, c.Status)
			assert.Equal(t, "buy milk", c.TranscriptSegments[0].Text)
		}
	}

	conn.hangUp()
	require.NoError(t, waitDone(t, done))
	assert.Len(t, conn.framesOfType(string(model.EventMemoryCreated)), 1,
		"events published after the socket closed are not delivered")
}

func TestSessionPrivateCloudUpload(t *testing.T) {
	h := newHarness(t)
	store := &fakeStore{failures: 2}
	h.deps.Store = store
	h.deps.Timings.ChunkDuration = time.Nanosecond

	conn := newFakeConn()
	user := &model.UserContext{UID: "u1", PrivateCloudSync: true, DataProtectionLevel: model.ProtectionStandard}
	done := h.start(t, conn, singleParams(), user)
	stream := h.provider.stream(t, 0)

	stream.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", Start: 0, End: 1, Text: "recording"})
	conn.waitFor(t, "phone_transcript", 1)

	for i := 0; i < 4; i++ {
		conn.sendAudio(pcm(100))
	}
	require.Eventually(t, func() bool { return stream.bytesSent() == 4*3200 }, time.Second, 5*time.Millisecond)

	conn.hangUp()
	require.NoError(t, waitDone(t, done))

	convs := recent(t, h)
	require.Len(t, convs, 1)
	assert.Equal(t, 4, store.stored(convs[0].ID), "failed uploads are retried, not dropped")
	assert.Equal(t, 6, store.puts)
	require.Len(t, convs[0].AudioFiles, 1)
	assert.Len(t, convs[0].AudioFiles[0].ChunkTimestamps, 4)

	snap := h.deps.PusherStats.Snapshot()
	assert.Equal(t, int64(4), snap.ChunksSent)
	assert.Equal(t, int64(2), snap.ChunksRetried)
	assert.Zero(t, snap.ChunksDropped)
}

func TestSessionPrivateCloudDrain(t *testing.T) {
	t.Run("stalled store does not drop chunks with retries left", func(t *testing.T) {
		h := newHarness(t)
		store := &fakeStore{stalls: 2}
		h.deps.Store = store
		h.deps.Timings.ChunkDuration = time.Nanosecond
		h.deps.Timings.UploadTimeout = 100 * time.Millisecond
		h.deps.Timings.DrainTimeout = 10 * time.Millisecond

		conn := newFakeConn()
		user := &model.UserContext{UID: "u1", PrivateCloudSync: true, DataProtectionLevel: model.ProtectionStandard}
		done := h.start(t, conn, singleParams(), user)
		stream := h.provider.stream(t, 0)

		stream.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", Start: 0, End: 1, Text: "backlog"})
		conn.waitFor(t, "phone_transcript", 1)
		for i := 0; i < 4; i++ {
			conn.sendAudio(pcm(100))
		}
		require.Eventually(t, func() bool { return stream.bytesSent() == 4*3200 }, time.Second, 5*time.Millisecond)

		conn.hangUp()
		require.NoError(t, waitDone(t, done))

		convs := recent(t, h)
		require.Len(t, convs, 1)
		assert.Equal(t, 4, store.stored(convs[0].ID))
		snap := h.deps.PusherStats.Snapshot()
		assert.Equal(t, int64(4), snap.ChunksSent)
		assert.Equal(t, int64(2), snap.ChunksRetried)
		assert.Zero(t, snap.ChunksDropped)
	})

	t.Run("audio without any transcript still gets a conversation", func(t *testing.T) {
		h := newHarness(t)
		store := &fakeStore{}
		h.deps.Store = store
		h.deps.Timings.ChunkDuration = time.Nanosecond

		conn := newFakeConn()
		user := &model.UserContext{UID: "u1", PrivateCloudSync: true, DataProtectionLevel: model.ProtectionStandard}
		done := h.start(t, conn, singleParams(), user)
		stream := h.provider.stream(t, 0)

		for i := 0; i < 3; i++ {
			conn.sendAudio(pcm(100))
		}
		require.Eventually(t, func() bool { return stream.bytesSent() == 3*3200 }, time.Second, 5*time.Millisecond)

		conn.hangUp()
		require.NoError(t, waitDone(t, done))

		assert.Equal(t, 1, h.repo.Count())
		ids := store.conversationIDs()
		require.Len(t, ids, 1)
		assert.Equal(t, 3, store.stored(ids[0]))

		conv := h.repo.Snapshot(ids[0])
		require.NotNil(t, conv)
		assert.NotEqual(t, model.ConversationStatusInProgress, conv.Status)
		require.Len(t, conv.AudioFiles, 1)
		assert.Len(t, conv.AudioFiles[0].ChunkTimestamps, 3)
		assert.Zero(t, h.deps.PusherStats.Snapshot().ChunksDropped)
	})
}

func TestSessionPusherAudioWindows(t *testing.T) {
	t.Run("steady audio reaches the pusher in full", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Timings.AudioWindow = 200 * time.Millisecond
		downstream := newDownstreamConn()
		h.deps.Pusher = downstream.dialer()

		conn := newFakeConn()
		done := h.start(t, conn, singleParams(), nil)
		h.provider.stream(t, 0)

		for i := 0; i < 50; i++ {
			conn.sendAudio(pcm(20))
			time.Sleep(20 * time.Millisecond)
		}
		conn.hangUp()
		require.NoError(t, waitDone(t, done))

		windows := downstream.audioWindows(t)
		require.NotEmpty(t, windows)
		var total int
		for _, w := range windows {
			assert.Equal(t, pusher.AudioTypeApp, w.Type)
			assert.Equal(t, 16000, w.SampleRate)
			total += len(w.Payload)
		}
		assert.Equal(t, 50*640, total)
		assert.Zero(t, h.deps.PusherStats.Snapshot().Drops[pusher.QueueAudioBytes])
	})

	t.Run("channels are mixed and webhook windows follow the user setting", func(t *testing.T) {
		h := newHarness(t)
		downstream := newDownstreamConn()
		h.deps.Pusher = downstream.dialer()

		conn := newFakeConn()
		params := Params{UID: "u1", Source: model.SourcePhoneCall, SampleRate: 16000, Codec: "pcm", Channels: 2, Multi: true}
		user := &model.UserContext{UID: "u1", AudioBytesWebhook: true}
		done := h.start(t, conn, params, user)

		conn.sendAudio(append([]byte{1}, pcm(100)...))
		conn.sendAudio(append([]byte{2}, pcm(100)...))
		first, second := h.provider.stream(t, 0), h.provider.stream(t, 1)
		require.Eventually(t, func() bool {
			return first.bytesSent()+second.bytesSent() == 2*3200
		}, time.Second, 5*time.Millisecond)
		conn.hangUp()
		require.NoError(t, waitDone(t, done))

		bytesByType := map[string]int{}
		for _, w := range downstream.audioWindows(t) {
			bytesByType[w.Type] += len(w.Payload)
		}
		assert.Equal(t, map[string]int{pusher.AudioTypeApp: 3200, pusher.AudioTypeWebhook: 3200}, bytesByType)
	})
}

func TestSessionSTTReconnect(t *testing.T) {
	t.Run("reopened stream continues the timeline", func(t *testing.T) {
		h := newHarness(t)
		h.provider.monitored = true
		conn := newFakeConn()
		done := h.start(t, conn, singleParams(), nil)

		first := h.provider.stream(t, 0)
		first.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", Start: 0, End: 0.5, Text: "before"})
		conn.waitFor(t, "phone_transcript", 1)

		conn.sendAudio(pcm(1000))
		require.Eventually(t, func() bool { return first.bytesSent() == 32000 }, time.Second, 5*time.Millisecond)

		h.provider.mu.Lock()
		close(h.provider.drops[0].done)
		h.provider.mu.Unlock()

		second := h.provider.stream(t, 1)
		second.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", Start: 0.5, End: 1.0, Text: "after"})
		frames := conn.waitFor(t, "phone_transcript", 2)
		seg := frames[1]["segment"].(map[string]any)
		assert.InDelta(t, 1.5, seg["start"], 1e-3)

		conn.hangUp()
		require.NoError(t, waitDone(t, done))
		assert.True(t, first.closed)
	})

	t.Run("stream opened with a speech profile is reopened", func(t *testing.T) {
		h := newHarness(t)
		h.provider.monitored = true
		h.provider.profiles = true
		h.deps.Store = &fakeStore{profile: pcm(1000)}
		conn := newFakeConn()
		done := h.start(t, conn, singleParams(), nil)

		warmUp := h.provider.stream(t, 1)
		require.Eventually(t, func() bool { return warmUp.bytesSent() == 32000 }, time.Second, 5*time.Millisecond,
			"profile audio primes the warm-up stream")

		h.provider.mu.Lock()
		close(h.provider.drops[0].done)
		h.provider.mu.Unlock()

		reopened := h.provider.stream(t, 2)
		conn.sendAudio(pcm(100))
		require.Eventually(t, func() bool { return reopened.bytesSent() == 3200 }, time.Second, 5*time.Millisecond)

		conn.hangUp()
		require.NoError(t, waitDone(t, done))
		assert.Equal(t, 3, h.provider.openCount())
		assert.True(t, warmUp.closed)
	})

	t.Run("two failed reopens end the session", func(t *testing.T) {
		h := newHarness(t)
		h.provider.monitored = true
		h.provider.failOpens = 2
		conn := newFakeConn()
		done := h.start(t, conn, singleParams(), nil)

		h.provider.stream(t, 0)
		h.provider.mu.Lock()
		close(h.provider.drops[0].done)
		h.provider.mu.Unlock()

		err := waitDone(t, done)
		require.Error(t, err)
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeSTTConnectionFailed))
		assert.Equal(t, apperrors.CloseInternalError, apperrors.CloseCode(err))
		assert.Equal(t, 3, h.provider.openCount())
		assert.NotEmpty(t, conn.framesOfType("error"))
	})
}

func TestSessionResumesInProgress(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh conversation is continued", func(t *testing.T) {
		h := newHarness(t)
		existing, err := h.convs.GetOrCreateInProgress(ctx, "u1", service.ConversationSeed{StartedAt: time.Now().Add(-10 * time.Second)})
		require.NoError(t, err)

		conn := newFakeConn()
		done := h.start(t, conn, singleParams(), nil)
		h.provider.stream(t, 0).emit(model.TranscriptSegment{Speaker: "SPEAKER_00", Start: 1, End: 2, Text: "still here"})
		conn.waitFor(t, "phone_transcript", 1)

		conn.hangUp()
		require.NoError(t, waitDone(t, done))

		conv := h.repo.Snapshot(existing.ID)
		require.NotNil(t, conv)
		require.Len(t, conv.TranscriptSegments, 1)
		assert.InDelta(t, 11.0, conv.TranscriptSegments[0].Start, 0.5)
		assert.Equal(t, 1, h.repo.Count())
	})

	t.Run("stale conversation is processed and replaced", func(t *testing.T) {
		h := newHarness(t)
		h.deps.Timings.MemoryTimeout = time.Second
		stale, err := h.convs.GetOrCreateInProgress(ctx, "u1", service.ConversationSeed{StartedAt: time.Now().Add(-time.Minute)})
		require.NoError(t, err)

		conn := newFakeConn()
		done := h.start(t, conn, singleParams(), nil)
		h.provider.stream(t, 0).emit(model.TranscriptSegment{Speaker: "SPEAKER_00", Start: 1, End: 2, Text: "new topic"})
		conn.waitFor(t, "phone_transcript", 1)

		conn.hangUp()
		require.NoError(t, waitDone(t, done))

		assert.NotEqual(t, model.ConversationStatusInProgress, h.repo.Snapshot(stale.ID).Status)
		assert.Equal(t, 2, h.repo.Count())
	})
}

func TestSessionCallID(t *testing.T) {
	h := newHarness(t)
	params := singleParams()
	params.CallID = "call-42"

	conn := newFakeConn()
	done := h.start(t, conn, params, nil)
	h.provider.stream(t, 0).emit(model.TranscriptSegment{Speaker: "SPEAKER_00", Start: 2, End: 3, Text: "hello?"})
	conn.waitFor(t, "phone_transcript", 1)
	conn.hangUp()
	require.NoError(t, waitDone(t, done))

	conv := h.repo.Snapshot("call-42")
	require.NotNil(t, conv)
	assert.InDelta(t, 2.0, conv.TranscriptSegments[0].Start, 0.2, "call conversations start with the socket")
}

func speechPCM(samples int) []byte {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.SamplesToBytes(out)
}

func TestSessionVADActive(t *testing.T) {
	h := newHarness(t)
	h.deps.VAD = vad.NewEngine(vad.NewEnergyModel(), 0.5)
	h.deps.VADConfig = VADConfig{Mode: "active", RolloutPct: 100, PreRollMs: 300, HangoverMs: 700}
	params := singleParams()
	params.CallID = "call-vad"

	conn := newFakeConn()
	done := h.start(t, conn, params, nil)
	stream := h.provider.stream(t, 0)

	const chunk = 1024 // 64 ms
	send := func(speech bool, chunks int) {
		for i := 0; i < chunks; i++ {
			if speech {
				conn.sendAudio(speechPCM(chunk))
			} else {
				conn.sendAudio(make([]byte, chunk*2))
			}
		}
	}
	send(false, 78) // ~5 s
	send(true, 31)  // ~2 s
	send(false, 16) // ~1 s

	total := (78 + 31 + 16) * chunk * 2
	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.finalized == 1
	}, 2*time.Second, 5*time.Millisecond, "hangover finalizes the utterance")
	sent := stream.bytesSent()
	assert.Less(t, sent, total/2, "silence is withheld from the stt")
	assert.GreaterOrEqual(t, sent, 31*chunk*2)

	stream.emit(model.TranscriptSegment{Speaker: "SPEAKER_00", IsUser: true, Start: 0.3, End: 1.0, Text: "speech"})
	frames := conn.waitFor(t, "phone_transcript", 1)
	seg := frames[0]["segment"].(map[string]any)
	assert.InDelta(t, 5.0, seg["start"], 0.2, "stt time is mapped back to the wall clock")
	assert.Greater(t, seg["end"].(float64), seg["start"].(float64))

	conn.hangUp()
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 2, stream.finalized)
}
