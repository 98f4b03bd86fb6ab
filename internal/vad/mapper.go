package vad

import (
	"sort"
	"sync"
)

const defaultMaxCheckpoints = 500

type checkpoint struct {
	stt  float64
	wall float64
}

// TimeMapper converts timestamps on the STT audio timeline back to wall-clock
// seconds relative to session start. Silence withheld from the STT makes the
// two timelines drift apart; each speech onset records where they realign.
type TimeMapper struct {
	mu          sync.Mutex
	sttSec      float64
	wallSec     float64
	checkpoints []checkpoint
	max         int
}

func NewTimeMapper(maxCheckpoints int) *TimeMapper {
	if maxCheckpoints <= 0 {
		maxCheckpoints = defaultMaxCheckpoints
	}
	return &TimeMapper{
		checkpoints: []checkpoint{{stt: 0, wall: 0}},
		max:         maxCheckpoints,
	}
}

// OnAudioSent advances both timelines.
func (m *TimeMapper) OnAudioSent(sec float64) {
	m.mu.Lock()
	m.sttSec += sec
	m.wallSec += sec
	m.mu.Unlock()
}

// OnSilenceSkipped advances only the wall timeline.
func (m *TimeMapper) OnSilenceSkipped(sec float64) {
	m.mu.Lock()
	m.wallSec += sec
	m.mu.Unlock()
}

// OnSpeechStart records a checkpoint at the current STT position. The
// pre-roll about to be sent was already counted as skipped, so the wall
// position is rewound by its length.
func (m *TimeMapper) OnSpeechStart(preRollSec float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wall := m.wallSec - preRollSec
	prev := m.checkpoints[len(m.checkpoints)-1]
	if floor := prev.wall + (m.sttSec - prev.stt); wall < floor {
		wall = floor
	}
	m.wallSec = wall

	m.checkpoints = append(m.checkpoints, checkpoint{stt: m.sttSec, wall: wall})
	if len(m.checkpoints) > m.max {
		m.checkpoints = m.checkpoints[len(m.checkpoints)-m.max:]
	}
}

// ToWall maps an STT timestamp to wall-relative seconds.
func (m *TimeMapper) ToWall(t float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.checkpoints), func(i int) bool {
		return m.checkpoints[i].stt > t
	}) - 1
	if i < 0 {
		i = 0
	}
	cp := m.checkpoints[i]
	return cp.wall + (t - cp.stt)
}

func (m *TimeMapper) Checkpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}
