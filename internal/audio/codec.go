package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

const (
	CodecPCM       = "pcm"
	CodecOpus      = "opus"
	CodecOpusFS320 = "opus_fs320"
)

func IsOpus(codec string) bool {
	return codec == CodecOpus || codec == CodecOpusFS320
}

func ValidCodec(codec string) bool {
	return codec == CodecPCM || IsOpus(codec)
}

// Converter turns one channel's inbound payloads into 16 kHz mono PCM16.
// It holds decoder state and must not be shared between channels.
type Converter struct {
	codec      string
	sampleRate int
	channels   int
	decoder    *opus.Decoder
	pcm        []int16
}

func NewConverter(codec string, sampleRate, channels int) (*Converter, error) {
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	c := &Converter{codec: codec, sampleRate: sampleRate, channels: channels}

	if IsOpus(codec) {
		dec, err := opus.NewDecoder(sampleRate, channels)
		if err != nil {
			return nil, fmt.Errorf("create opus decoder: %w", err)
		}
		c.decoder = dec
		// room for a 120 ms frame, the longest opus allows
		frameSize := sampleRate / 50
		c.pcm = make([]int16, frameSize*6*channels)
	}
	return c, nil
}

// Convert returns the normalized PCM and true, or the original payload and
// false when it could not be decoded.
func (c *Converter) Convert(payload []byte) ([]byte, bool) {
	var samples []int16
	if c.decoder != nil {
		n, err := c.decoder.Decode(payload, c.pcm)
		if err != nil || n <= 0 {
			return payload, false
		}
		samples = make([]int16, n*c.channels)
		copy(samples, c.pcm[:n*c.channels])
	} else {
		samples = BytesToSamples(payload)
	}

	if c.channels == 2 {
		samples = Downmix(samples)
	}
	samples = Resample(samples, c.sampleRate)
	return SamplesToBytes(samples), true
}
