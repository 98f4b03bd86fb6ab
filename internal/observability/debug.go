package observability

import "sync"

// PusherStats are the process-wide fan-out counters shown on the debug
// endpoint. Every session adds into the same instance.
type PusherStats struct {
	mu sync.Mutex

	connects      int64
	reconnects    int64
	framesSent    map[string]int64
	drops         map[string]int64
	chunksQueued  int64
	chunksSent    int64
	chunksRetried int64
	chunksDropped int64
	inFlight      int64
	maxInFlight   int64
}

type PusherSnapshot struct {
	Connects      int64            `json:"connects"`
	Reconnects    int64            `json:"reconnects"`
	FramesSent    map[string]int64 `json:"frames_sent"`
	Drops         map[string]int64 `json:"drops"`
	ChunksQueued  int64            `json:"chunks_queued"`
	ChunksSent    int64            `json:"chunks_sent"`
	ChunksRetried int64            `json:"chunks_retried"`
	ChunksDropped int64            `json:"chunks_dropped"`
	InFlight      int64            `json:"in_flight"`
	MaxInFlight   int64            `json:"max_in_flight"`
}

func NewPusherStats() *PusherStats {
	return &PusherStats{
		framesSent: make(map[string]int64),
		drops:      make(map[string]int64),
	}
}

func (s *PusherStats) Connected(reconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if reconnect {
		s.reconnects++
	}
}

func (s *PusherStats) FrameSent(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesSent[kind]++
}

func (s *PusherStats) Dropped(queue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops[queue]++
}

func (s *PusherStats) Chunk(result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch result {
	case "queued":
		s.chunksQueued++
	case "sent":
		s.chunksSent++
	case "retry":
		s.chunksRetried++
	case "dropped":
		s.chunksDropped++
	}
}

// TaskDelta adjusts the in-flight task count and tracks its high-water mark.
func (s *PusherStats) TaskDelta(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight += delta
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
}

func (s *PusherStats) Snapshot() PusherSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := PusherSnapshot{
		Connects:      s.connects,
		Reconnects:    s.reconnects,
		FramesSent:    make(map[string]int64, len(s.framesSent)),
		Drops:         make(map[string]int64, len(s.drops)),
		ChunksQueued:  s.chunksQueued,
		ChunksSent:    s.chunksSent,
		ChunksRetried: s.chunksRetried,
		ChunksDropped: s.chunksDropped,
		InFlight:      s.inFlight,
		MaxInFlight:   s.maxInFlight,
	}
	for k, v := range s.framesSent {
		snap.FramesSent[k] = v
	}
	for k, v := range s.drops {
		snap.Drops[k] = v
	}
	return snap
}
