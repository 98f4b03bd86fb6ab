package pusher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/observability"
)

// TaskSet tracks follow-up goroutines so they can be cancelled and awaited
// when the session ends.
type TaskSet struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stats  *observability.PusherStats

	mu          sync.Mutex
	closing     bool
	next        uint64
	running     map[uint64]string
	maxInFlight int
}

func NewTaskSet(stats *observability.PusherStats) *TaskSet {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskSet{
		ctx:     ctx,
		cancel:  cancel,
		stats:   stats,
		running: make(map[uint64]string),
	}
}

// Go runs fn in a tracked goroutine. A panic kills only that task.
func (s *TaskSet) Go(name string, fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		log.Warn().Str("task", name).Msg("task set closed, not starting task")
		return
	}
	s.next++
	id := s.next
	s.running[id] = name
	s.maxInFlight = max(s.maxInFlight, len(s.running))
	s.wg.Add(1)
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.TaskDelta(1)
	}

	go func() {
		defer s.done(id)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("task", name).Msg("tracked task panicked")
			}
		}()
		fn(s.ctx)
	}()
}

func (s *TaskSet) done(id uint64) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.TaskDelta(-1)
	}
	s.wg.Done()
}

func (s *TaskSet) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *TaskSet) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Shutdown lets running tasks finish for up to grace, then cancels the rest
// and waits for them to return.
func (s *TaskSet) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	if grace > 0 {
		select {
		case <-finished:
		case <-time.After(grace):
		}
	}

	s.cancel()
	<-finished
}
