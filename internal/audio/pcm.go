package audio

import (
	"encoding/binary"
	"math"
)

// TargetSampleRate is the rate every downstream stage expects.
const TargetSampleRate = 16000

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return samples
}

func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// Downmix averages interleaved stereo samples into mono.
func Downmix(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		l := int32(samples[2*i])
		r := int32(samples[2*i+1])
		mono[i] = saturate((l + r) / 2)
	}
	return mono
}

// Resample converts mono samples from srcRate to TargetSampleRate by
// nearest-lower index selection. No filtering is applied.
func Resample(samples []int16, srcRate int) []int16 {
	if srcRate == TargetSampleRate || srcRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(TargetSampleRate) / float64(srcRate)
	n := len(samples)
	outLen := int(math.Floor(float64(n) * ratio))
	out := make([]int16, outLen)
	for i := range out {
		idx := int(math.Floor(float64(i) / ratio))
		if idx > n-1 {
			idx = n - 1
		}
		out[i] = samples[idx]
	}
	return out
}

// Mix sums PCM16 buffers sample by sample. Shorter buffers are padded with
// silence up to the longest, and the result is truncated to an even length.
func Mix(buffers [][]byte) []byte {
	longest := 0
	for _, b := range buffers {
		if len(b) > longest {
			longest = len(b)
		}
	}
	longest -= longest % 2
	if longest == 0 {
		return nil
	}

	sums := make([]int32, longest/2)
	for _, b := range buffers {
		for i := 0; i+1 < len(b) && i < longest; i += 2 {
			sums[i/2] += int32(int16(binary.LittleEndian.Uint16(b[i:])))
		}
	}

	out := make([]byte, longest)
	for i, v := range sums {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(saturate(v)))
	}
	return out
}

// ToFloat32 normalizes PCM16 bytes to [-1, 1).
func ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
	}
	return out
}

// DurationMs returns the playback length of mono PCM16 at rate.
func DurationMs(pcm []byte, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(len(pcm)/2) * 1000 / float64(rate)
}

// BytesForDuration returns the byte length of d milliseconds of mono PCM16.
func BytesForDuration(ms float64, rate int) int {
	samples := int(ms * float64(rate) / 1000)
	return samples * 2
}

// RMSEnergy computes the root-mean-square energy of PCM16 audio in [0, 1].
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		normalized := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}
