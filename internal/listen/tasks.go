package listen

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/events"
	"github.com/omi/listen-server/internal/stt"
)

// sttReconnectAttempts is how many consecutive reopen failures end the
// session.
const sttReconnectAttempts = 2

func (s *Session) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.Timings.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sendJSON(pingFrame{Type: "ping"}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (s *Session) forwardEvents(ctx context.Context, sub *events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done:
			return nil
		case ev := <-sub.Events:
			if err := s.sendJSON(ev); err != nil {
				s.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("forward conversation event")
			}
		}
	}
}

func (s *Session) trackUsage(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.Timings.UsageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reportUsage(ctx)
		}
	}
}

// reportUsage records the transcription seconds and words since the last
// report and warns the client once when credits run low or out.
func (s *Session) reportUsage(ctx context.Context) {
	var sent int64
	for _, ch := range s.channels {
		sent += ch.sentBytes.Load()
	}
	s.wordsMu.Lock()
	words := s.words
	s.wordsMu.Unlock()

	bytesDelta := sent - s.reportedBytes
	wordsDelta := words - s.reportedWords
	if bytesDelta <= 0 && wordsDelta <= 0 {
		return
	}
	seconds := bytesDelta / 2 / stt.TargetRate

	status, err := s.deps.Usage.Record(ctx, s.params.UID, seconds, wordsDelta)
	if err != nil {
		s.logger.Warn().Err(err).Msg("record usage")
		return
	}
	// Only whole seconds are billed; the remainder carries to the next report.
	s.reportedBytes += seconds * 2 * stt.TargetRate
	s.reportedWords = words

	switch {
	case status.Exhausted() && !s.warnedOut:
		s.warnedOut = true
		s.sendStatus("credits_exhausted", "monthly transcription limit reached")
	case status.Low() && !s.warnedLow:
		s.warnedLow = true
		s.sendStatus("credits_low", fmt.Sprintf("%d seconds of transcription left this month", status.Remaining))
	}
}

// watchSTT reopens a channel's stream when the provider drops it. Two
// consecutive failed reopens end the session.
func (s *Session) watchSTT(ctx context.Context, ch *channel) error {
	for {
		m, ok := ch.current().(stt.Monitored)
		if !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.Done():
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn().
			Err(m.Err()).
			Str("channel", ch.cfg.Label).
			Str("provider", ch.provider.Name()).
			Msg("stt stream dropped, reconnecting")
		s.deps.Metrics.RecordSTTError(ch.provider.Name(), "dropped")

		if err := s.reopen(ctx, ch); err != nil {
			return err
		}
	}
}

func (s *Session) reopen(ctx context.Context, ch *channel) error {
	var lastErr error
	for attempt := 1; attempt <= sttReconnectAttempts; attempt++ {
		st, err := ch.open(ctx, s.segmentHandler)
		if err == nil {
			if old := ch.swap(st); old != nil {
				_ = old.Close()
			}
			s.logger.Info().Str("channel", ch.cfg.Label).Int("attempt", attempt).Msg("stt stream reopened")
			return nil
		}
		lastErr = err
		s.deps.Metrics.RecordSTTError(ch.provider.Name(), "reconnect")
		if attempt == sttReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.deps.Timings.STTRetryWait):
		}
	}
	return apperrors.STTConnectionFailed(ch.provider.Name(), lastErr)
}
