package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/model"
)

const staleBatchSize = 100

// ConversationStore is the part of the conversation service the sweeper
// needs.
type ConversationStore interface {
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Conversation, error)
	SetStatus(ctx context.Context, uid, id string, status model.ConversationStatus) error
	Finalize(ctx context.Context, uid, id string) error
}

// StaleSweeper moves in-progress conversations whose socket never closed
// them out into processing.
type StaleSweeper struct {
	conversations ConversationStore
	timeout       time.Duration
	interval      time.Duration
	now           func() time.Time
	done          chan struct{}
}

func NewStaleSweeper(conversations ConversationStore, timeout, interval time.Duration) *StaleSweeper {
	return &StaleSweeper{
		conversations: conversations,
		timeout:       timeout,
		interval:      interval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

func (j *StaleSweeper) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("timeout", j.timeout).Msg("stale conversation sweeper started")
}

func (j *StaleSweeper) Stop() {
	close(j.done)
	log.Info().Msg("stale conversation sweeper stopped")
}

func (j *StaleSweeper) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *StaleSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := j.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep stale conversations")
	} else if count > 0 {
		log.Info().Int("count", count).Msg("swept stale conversations")
	}
}

// Sweep handles one batch of conversations idle for more than twice the
// timeout and returns how many were moved.
func (j *StaleSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-2 * j.timeout)
	stale, err := j.conversations.FindStale(ctx, cutoff, staleBatchSize)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, c := range stale {
		if err := j.conversations.SetStatus(ctx, c.UID, c.ID, model.ConversationStatusProcessing); err != nil {
			log.Error().Err(err).Str("uid", c.UID).Str("conversationId", c.ID).Msg("failed to move stale conversation")
			continue
		}
		if err := j.conversations.Finalize(ctx, c.UID, c.ID); err != nil {
			log.Warn().Err(err).Str("conversationId", c.ID).Msg("clear in-progress marker")
		}
		moved++
	}
	return moved, nil
}
