package pusher

import (
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
)

// Queue capacities. The private cloud queue is unbounded.
const (
	TranscriptQueueCap    = 50
	AudioQueueCap         = 20
	SpeakerSampleQueueCap = 100
)

// Queue names used in counters.
const (
	QueueTranscripts    = "transcripts"
	QueueAudioBytes     = "audio_bytes"
	QueueSpeakerSamples = "speaker_samples"
	QueuePrivateCloud   = "private_cloud"
)

type TranscriptBatch struct {
	ConversationID string                    `json:"conversation_id"`
	Segments       []model.TranscriptSegment `json:"segments"`
}

// Audio window destinations.
const (
	AudioTypeApp     = "app"
	AudioTypeWebhook = "webhook"
)

// AudioWindow is a span of mixed 16-bit PCM for one downstream destination.
type AudioWindow struct {
	Type       string
	SampleRate int
	Payload    []byte
}

// SpeakerSampleRequest asks downstream workers to extract a voice sample for
// a person from the given segments.
type SpeakerSampleRequest struct {
	ConversationID string   `json:"conversation_id"`
	PersonID       string   `json:"person_id"`
	SegmentIDs     []string `json:"segment_ids"`
}

// CloudChunk is one mixed audio chunk waiting for private cloud upload.
type CloudChunk struct {
	Data           []byte
	ConversationID string
	// Timestamp is the unix time in seconds of the chunk's first sample.
	Timestamp float64
	Retries   int
}

// Queues are the per-session outbound buffers.
type Queues struct {
	Transcripts    *Deque[TranscriptBatch]
	AudioBytes     *Deque[AudioWindow]
	SpeakerSamples *Deque[SpeakerSampleRequest]
	PrivateCloud   *Deque[CloudChunk]
}

func NewQueues(stats *observability.PusherStats, metrics *observability.Metrics) *Queues {
	dropper := func(queue string) func() {
		return func() {
			if stats != nil {
				stats.Dropped(queue)
			}
			metrics.RecordQueueDrop(queue)
		}
	}
	return &Queues{
		Transcripts:    NewDeque[TranscriptBatch](TranscriptQueueCap, dropper(QueueTranscripts)),
		AudioBytes:     NewDeque[AudioWindow](AudioQueueCap, dropper(QueueAudioBytes)),
		SpeakerSamples: NewDeque[SpeakerSampleRequest](SpeakerSampleQueueCap, dropper(QueueSpeakerSamples)),
		PrivateCloud:   NewDeque[CloudChunk](0, nil),
	}
}
