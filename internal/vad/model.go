package vad

import (
	"math"
	"sync"

	"github.com/omi/listen-server/internal/audio"
)

// WindowSize is the number of 16 kHz samples scored per model call.
const WindowSize = 512

// SpeechModel scores windows of 16 kHz mono audio. Implementations may keep
// hidden state between windows; Reset clears it.
type SpeechModel interface {
	Probability(window []float32) float32
	Reset()
}

// EnergyModel maps window RMS linearly between Floor and Ceiling onto [0, 1].
type EnergyModel struct {
	Floor   float64
	Ceiling float64
}

func NewEnergyModel() *EnergyModel {
	return &EnergyModel{Floor: 0.01, Ceiling: 0.05}
}

func (m *EnergyModel) Probability(window []float32) float32 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, s := range window {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(window)))

	p := (rms - m.Floor) / (m.Ceiling - m.Floor)
	return float32(math.Max(0, math.Min(1, p)))
}

func (m *EnergyModel) Reset() {}

// Engine is the process-wide model. Calls are serialized and the model state
// is reset before each batch so sessions never share hidden state.
type Engine struct {
	mu        sync.Mutex
	model     SpeechModel
	threshold float32
}

func NewEngine(model SpeechModel, threshold float64) *Engine {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	return &Engine{model: model, threshold: float32(threshold)}
}

// Detect reports whether any window scores above the threshold.
func (e *Engine) Detect(windows [][]float32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.model.Reset()
	speech := false
	for _, w := range windows {
		if e.model.Probability(w) > e.threshold {
			speech = true
		}
	}
	return speech
}

// Detector assembles windows across chunk boundaries for one session.
type Detector struct {
	engine *Engine
	carry  []float32
	last   bool
}

func NewDetector(engine *Engine) *Detector {
	return &Detector{engine: engine}
}

// IsSpeech classifies a chunk of 16 kHz mono PCM16. A chunk that does not
// complete a window repeats the previous decision.
func (d *Detector) IsSpeech(pcm []byte) bool {
	samples := append(d.carry, audio.ToFloat32(pcm)...)

	var windows [][]float32
	for len(samples) >= WindowSize {
		windows = append(windows, samples[:WindowSize])
		samples = samples[WindowSize:]
	}
	d.carry = append([]float32(nil), samples...)

	if len(windows) == 0 {
		return d.last
	}
	d.last = d.engine.Detect(windows)
	return d.last
}

func (d *Detector) Reset() {
	d.carry = nil
	d.last = false
}
