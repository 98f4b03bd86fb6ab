package vad

import (
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/omi/listen-server/internal/audio"
)

type Mode string

const (
	ModeOff    Mode = "off"
	ModeShadow Mode = "shadow"
	ModeActive Mode = "active"
)

type State int

const (
	StateSilence State = iota
	StateSpeech
	StateHangover
)

func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeech:
		return "speech"
	case StateHangover:
		return "hangover"
	default:
		return "unknown"
	}
}

// Output is what the gate decided for one chunk.
type Output struct {
	// Audio to forward to the STT. Empty when the chunk was withheld.
	Audio []byte
	// Finalize asks the caller to flush the STT's pending hypothesis.
	Finalize bool
	// Skipped is set when silence was withheld from the STT.
	Skipped bool
}

type Options struct {
	Mode       Mode
	PreRollMs  int
	HangoverMs int
}

type Metrics struct {
	ChunksTotal   int64   `json:"chunks_total"`
	SpeechChunks  int64   `json:"speech_chunks"`
	SilenceChunks int64   `json:"silence_chunks"`
	FinalizeCount int64   `json:"finalize_count"`
	SilenceRatio  float64 `json:"silence_ratio"`
	State         string  `json:"state"`
}

// Gate withholds silence from the STT for one session.
type Gate struct {
	mode       Mode
	preRollMs  float64
	hangoverMs float64
	detector   *Detector
	mapper     *TimeMapper
	logger     zerolog.Logger

	mu            sync.Mutex
	state         State
	preRoll       [][]byte
	preRollCap    int
	sinceSpeechMs float64
	metrics       Metrics
}

func NewGate(detector *Detector, opts Options, logger zerolog.Logger) *Gate {
	if opts.Mode == "" {
		opts.Mode = ModeOff
	}
	return &Gate{
		mode:       opts.Mode,
		preRollMs:  float64(opts.PreRollMs),
		hangoverMs: float64(opts.HangoverMs),
		detector:   detector,
		mapper:     NewTimeMapper(defaultMaxCheckpoints),
		logger:     logger,
	}
}

func (g *Gate) Mode() Mode {
	return g.mode
}

// Mapper returns the STT to wall-clock mapper, or nil unless the gate drops
// audio.
func (g *Gate) Mapper() *TimeMapper {
	if g.mode != ModeActive {
		return nil
	}
	return g.mapper
}

// Process runs one chunk of 16 kHz mono PCM16 through the gate.
func (g *Gate) Process(pcm []byte) Output {
	if g.mode == ModeOff || g.detector == nil {
		return Output{Audio: pcm}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	durMs := audio.DurationMs(pcm, audio.TargetSampleRate)
	speech := g.detector.IsSpeech(pcm)

	g.metrics.ChunksTotal++
	if speech {
		g.metrics.SpeechChunks++
	} else {
		g.metrics.SilenceChunks++
	}

	out := g.step(pcm, durMs, speech)

	if g.mode == ModeShadow {
		if out.Finalize {
			g.logger.Debug().Msg("vad shadow: would finalize")
		}
		return Output{Audio: pcm}
	}
	return out
}

func (g *Gate) step(pcm []byte, durMs float64, speech bool) Output {
	switch g.state {
	case StateSilence:
		g.pushPreRoll(pcm, durMs)
		if !speech {
			g.mapper.OnSilenceSkipped(durMs / 1000)
			return Output{Skipped: true}
		}

		// The ring's earlier chunks were counted as skipped; the current
		// chunk was not.
		var emitted []byte
		for _, chunk := range g.preRoll {
			emitted = append(emitted, chunk...)
		}
		emittedMs := audio.DurationMs(emitted, audio.TargetSampleRate)
		g.mapper.OnSpeechStart((emittedMs - durMs) / 1000)
		g.mapper.OnAudioSent(emittedMs / 1000)

		g.preRoll = g.preRoll[:0]
		g.transition(StateSpeech)
		g.sinceSpeechMs = 0
		return Output{Audio: emitted}

	case StateSpeech:
		g.mapper.OnAudioSent(durMs / 1000)
		if !speech {
			g.transition(StateHangover)
			g.sinceSpeechMs = durMs
		}
		return Output{Audio: pcm}

	case StateHangover:
		if speech {
			g.mapper.OnAudioSent(durMs / 1000)
			g.transition(StateSpeech)
			g.sinceSpeechMs = 0
			return Output{Audio: pcm}
		}

		g.sinceSpeechMs += durMs
		if g.sinceSpeechMs > g.hangoverMs {
			g.mapper.OnSilenceSkipped(durMs / 1000)
			g.transition(StateSilence)
			g.metrics.FinalizeCount++
			g.preRoll = g.preRoll[:0]
			g.pushPreRoll(pcm, durMs)
			return Output{Finalize: true, Skipped: true}
		}
		g.mapper.OnAudioSent(durMs / 1000)
		return Output{Audio: pcm}
	}
	return Output{Audio: pcm}
}

func (g *Gate) pushPreRoll(pcm []byte, durMs float64) {
	if g.preRollCap == 0 && durMs > 0 {
		g.preRollCap = int(math.Ceil(g.preRollMs/durMs)) + 1
	}
	if g.preRollCap == 0 {
		g.preRollCap = 1
	}
	g.preRoll = append(g.preRoll, pcm)
	if len(g.preRoll) > g.preRollCap {
		g.preRoll = g.preRoll[len(g.preRoll)-g.preRollCap:]
	}
}

func (g *Gate) transition(to State) {
	if g.state != to {
		g.logger.Debug().
			Str("from", g.state.String()).
			Str("to", to.String()).
			Msg("vad state change")
	}
	g.state = to
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.metrics
	m.State = g.state.String()
	if m.ChunksTotal > 0 {
		m.SilenceRatio = float64(m.SilenceChunks) / float64(m.ChunksTotal)
	}
	return m
}
