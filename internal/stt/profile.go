package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/audio"
	"github.com/omi/listen-server/internal/model"
)

// ProfileSettle is how long live audio keeps flowing into the profile
// stream after the profile itself has played.
const ProfileSettle = 5 * time.Second

// profileFeedChunk bounds each write of profile audio.
const profileFeedChunk = 8192

// primaryKeepAlive is how often the idle primary is pinged before the switch.
const primaryKeepAlive = 5 * time.Second

// ProfiledStream feeds live audio into a warm-up stream that was primed with
// the user's speech profile, then switches to the primary stream. Segments
// from the primary are shifted by the live audio the warm-up consumed.
//
// Done closes when the primary drops, or when the warm-up drops before the
// switch.
type ProfiledStream struct {
	primary  Stream
	profile  Stream
	switchAt time.Time
	now      func() time.Time

	mu         sync.Mutex
	switched   bool
	closing    bool
	liveBytes  int
	offsetSecs float64
	err        error

	done      chan struct{}
	doneOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

// OpenProfiled opens a profile stream and a primary stream on the same
// provider and plays profileAudio (16 kHz PCM16) into the profile stream.
func OpenProfiled(ctx context.Context, p Provider, opts Options, profileAudio []byte, onSegments SegmentHandler) (*ProfiledStream, error) {
	return openProfiled(ctx, p, opts, profileAudio, onSegments, time.Now)
}

func openProfiled(ctx context.Context, p Provider, opts Options, profileAudio []byte, onSegments SegmentHandler, now func() time.Time) (*ProfiledStream, error) {
	if !p.SupportsSpeechProfile() {
		return nil, fmt.Errorf("%s does not support speech profiles", p.Name())
	}

	profileSecs := audio.DurationMs(profileAudio, TargetRate) / 1000
	ps := &ProfiledStream{
		now:      now,
		switchAt: now().Add(time.Duration(profileSecs*float64(time.Second)) + ProfileSettle),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}

	primary, err := p.Open(ctx, opts, func(segments []model.TranscriptSegment) {
		ps.mu.Lock()
		offset := ps.offsetSecs
		ps.mu.Unlock()
		model.ShiftSegments(segments, offset)
		onSegments(segments)
	})
	if err != nil {
		return nil, err
	}

	profileOpts := opts
	profileOpts.PreSeconds = profileSecs
	profile, err := p.Open(ctx, profileOpts, onSegments)
	if err != nil {
		primary.Close()
		return nil, err
	}

	for off := 0; off < len(profileAudio); off += profileFeedChunk {
		end := min(off+profileFeedChunk, len(profileAudio))
		if err := profile.Send(profileAudio[off:end]); err != nil {
			profile.Close()
			primary.Close()
			return nil, fmt.Errorf("play speech profile: %w", err)
		}
	}

	ps.primary = primary
	ps.profile = profile
	go ps.watch()
	return ps, nil
}

func (s *ProfiledStream) watch() {
	var primaryDone, profileDone <-chan struct{}
	primaryMon, _ := s.primary.(Monitored)
	if primaryMon != nil {
		primaryDone = primaryMon.Done()
	}
	profileMon, _ := s.profile.(Monitored)
	if profileMon != nil {
		profileDone = profileMon.Done()
	}
	ticker := time.NewTicker(primaryKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			s.end(nil)
			return
		case <-primaryDone:
			s.end(primaryMon.Err())
			return
		case <-profileDone:
			if !s.Switched() {
				s.end(profileMon.Err())
				return
			}
			profileDone = nil
		case <-ticker.C:
			if s.Switched() {
				ticker.Stop()
				continue
			}
			if ka, ok := s.primary.(KeepAliver); ok {
				if err := ka.KeepAlive(); err != nil {
					log.Debug().Err(err).Msg("primary stream keepalive")
				}
			}
		}
	}
}

func (s *ProfiledStream) end(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if s.closing {
			err = nil
		}
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Done closes when the stream carrying live audio has ended.
func (s *ProfiledStream) Done() <-chan struct{} { return s.done }

// Err is nil after a deliberate Close.
func (s *ProfiledStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// KeepAlive pings the stream carrying live audio, and the primary too while
// it waits for the switch.
func (s *ProfiledStream) KeepAlive() error {
	st := s.current()
	var err error
	if ka, ok := st.(KeepAliver); ok {
		err = ka.KeepAlive()
	}
	if st != s.primary {
		if ka, ok := s.primary.(KeepAliver); ok {
			if perr := ka.KeepAlive(); perr != nil && err == nil {
				err = perr
			}
		}
	}
	return err
}

func (s *ProfiledStream) current() Stream {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.switched && !s.now().Before(s.switchAt) {
		s.switched = true
		s.offsetSecs = float64(s.liveBytes/2) / TargetRate
		profile := s.profile
		go func() {
			profile.Finalize()
			if err := profile.Close(); err != nil {
				log.Debug().Err(err).Msg("close profile stream")
			}
		}()
	}
	if s.switched {
		return s.primary
	}
	return s.profile
}

func (s *ProfiledStream) Send(pcm []byte) error {
	st := s.current()
	if st == s.profile {
		s.mu.Lock()
		s.liveBytes += len(pcm)
		s.mu.Unlock()
	}
	return st.Send(pcm)
}

func (s *ProfiledStream) Finalize() error {
	return s.current().Finalize()
}

// Switched reports whether live audio now goes to the primary stream.
func (s *ProfiledStream) Switched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switched
}

func (s *ProfiledStream) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })

	s.profile.Close()
	err := s.primary.Close()
	s.end(nil)
	return err
}
