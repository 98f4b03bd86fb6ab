package pusher

import (
	"encoding/binary"
	"fmt"
)

// Frame types on the outbound connection. Each frame is a 4-byte
// little-endian type followed by JSON, or an audio header and PCM for
// FrameAudio.
const (
	FrameTranscript     uint32 = 100
	FrameAudio          uint32 = 101
	FrameReserved       uint32 = 102
	FrameConversationID uint32 = 103
	FrameProcess        uint32 = 104
	FrameSpeakerSample  uint32 = 105
	FrameProcessResult  uint32 = 201
)

const frameHeaderLen = 4

func EncodeFrame(kind uint32, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf, kind)
	copy(buf[frameHeaderLen:], payload)
	return buf
}

func DecodeFrame(data []byte) (uint32, []byte, error) {
	if len(data) < frameHeaderLen {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data), data[frameHeaderLen:], nil
}

// EncodeAudio lays out a FrameAudio payload: 4-byte little-endian sample
// rate, one length byte, the window type, then PCM.
func EncodeAudio(windowType string, sampleRate int, pcm []byte) []byte {
	buf := make([]byte, 5+len(windowType)+len(pcm))
	binary.LittleEndian.PutUint32(buf, uint32(sampleRate))
	buf[4] = byte(len(windowType))
	n := copy(buf[5:], windowType)
	copy(buf[5+n:], pcm)
	return buf
}

func DecodeAudio(payload []byte) (AudioWindow, error) {
	if len(payload) < 5 {
		return AudioWindow{}, fmt.Errorf("audio payload too short: %d bytes", len(payload))
	}
	typeLen := int(payload[4])
	if len(payload) < 5+typeLen {
		return AudioWindow{}, fmt.Errorf("audio payload truncated: type needs %d bytes", typeLen)
	}
	return AudioWindow{
		Type:       string(payload[5 : 5+typeLen]),
		SampleRate: int(binary.LittleEndian.Uint32(payload)),
		Payload:    payload[5+typeLen:],
	}, nil
}

func frameName(kind uint32) string {
	switch kind {
	case FrameTranscript:
		return "transcript"
	case FrameAudio:
		return "audio"
	case FrameConversationID:
		return "conversation_id"
	case FrameProcess:
		return "process"
	case FrameSpeakerSample:
		return "speaker_sample"
	case FrameProcessResult:
		return "process_result"
	default:
		return fmt.Sprintf("type_%d", kind)
	}
}
