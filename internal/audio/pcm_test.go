package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownmix(t *testing.T) {
	t.Run("averages channels", func(t *testing.T) {
		assert.Equal(t, []int16{150, -50}, Downmix([]int16{100, 200, -100, 0}))
	})

	t.Run("extremes stay in range", func(t *testing.T) {
		assert.Equal(t, []int16{math.MaxInt16, math.MinInt16},
			Downmix([]int16{math.MaxInt16, math.MaxInt16, math.MinInt16, math.MinInt16}))
	})
}

func TestResample(t *testing.T) {
	t.Run("48k to 16k keeps every third sample", func(t *testing.T) {
		in := make([]int16, 48)
		for i := range in {
			in[i] = int16(i)
		}
		out := Resample(in, 48000)
		require.Len(t, out, 16)
		assert.Equal(t, int16(0), out[0])
		assert.Equal(t, int16(3), out[1])
		assert.Equal(t, int16(45), out[15])
	})

	t.Run("8k to 16k doubles samples", func(t *testing.T) {
		out := Resample([]int16{1, 2, 3}, 8000)
		assert.Equal(t, []int16{1, 1, 2, 2, 3, 3}, out)
	})

	t.Run("16k is passthrough", func(t *testing.T) {
		in := []int16{1, 2, 3}
		assert.Equal(t, in, Resample(in, 16000))
	})
}

func TestMix(t *testing.T) {
	t.Run("pads shorter buffers with silence", func(t *testing.T) {
		a := SamplesToBytes([]int16{100, 100, 100})
		b := SamplesToBytes([]int16{50})
		assert.Equal(t, []int16{150, 100, 100}, BytesToSamples(Mix([][]byte{a, b})))
	})

	t.Run("saturates sums", func(t *testing.T) {
		a := SamplesToBytes([]int16{30000, -30000})
		b := SamplesToBytes([]int16{30000, -30000})
		assert.Equal(t, []int16{math.MaxInt16, math.MinInt16}, BytesToSamples(Mix([][]byte{a, b})))
	})

	t.Run("truncates to even length", func(t *testing.T) {
		out := Mix([][]byte{{1, 0, 2}})
		assert.Len(t, out, 2)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Nil(t, Mix(nil))
	})
}

func TestRMSEnergy(t *testing.T) {
	assert.Equal(t, 0.0, RMSEnergy(nil))
	assert.Equal(t, 0.0, RMSEnergy(SamplesToBytes(make([]int16, 100))))
	assert.InDelta(t, 0.5, RMSEnergy(SamplesToBytes([]int16{16384, -16384})), 0.001)
}

func TestConverterPCM(t *testing.T) {
	c, err := NewConverter(CodecPCM, 48000, 2)
	require.NoError(t, err)

	stereo := make([]int16, 96) // 1 ms of 48k stereo
	for i := range stereo {
		stereo[i] = 1000
	}
	out, ok := c.Convert(SamplesToBytes(stereo))

	require.True(t, ok)
	assert.Len(t, out, 32) // 16 mono samples at 16k
	assert.Equal(t, int16(1000), BytesToSamples(out)[0])
}

func TestDurationMs(t *testing.T) {
	assert.Equal(t, 1000.0, DurationMs(make([]byte, 32000), 16000))
	assert.Equal(t, 32000, BytesForDuration(1000, 16000))
}
