package stt

import (
	"context"
	"errors"
	"sync"

	"github.com/omi/listen-server/internal/model"
)

type fakeProvider struct {
	name      string
	languages map[string]bool
	rates     map[int]bool
	profile   bool
	monitored bool

	mu      sync.Mutex
	streams []*fakeStream
}

func (p *fakeProvider) Name() string                      { return p.name }
func (p *fakeProvider) SupportsLanguage(lang string) bool { return p.languages[lang] }
func (p *fakeProvider) SupportsSampleRate(rate int) bool  { return p.rates[rate] }
func (p *fakeProvider) SupportsSpeechProfile() bool       { return p.profile }

func (p *fakeProvider) Open(_ context.Context, opts Options, onSegments SegmentHandler) (Stream, error) {
	s := &fakeStream{opts: opts, handler: onSegments, done: make(chan struct{})}
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	if p.monitored {
		return &monitoredStream{s}, nil
	}
	return s, nil
}

// monitoredStream exposes the fake's connection lifecycle and keepalives.
type monitoredStream struct{ *fakeStream }

func (s *monitoredStream) Done() <-chan struct{} { return s.done }

func (s *monitoredStream) Err() error { return errors.New("connection reset") }

func (s *monitoredStream) KeepAlive() error {
	s.mu.Lock()
	s.keepAlives++
	s.mu.Unlock()
	return nil
}

type fakeStream struct {
	opts    Options
	handler SegmentHandler

	done chan struct{}
	drop sync.Once

	mu         sync.Mutex
	sent       int
	finalized  int
	keepAlives int
	closed     bool
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	s.sent += len(pcm)
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Finalize() error {
	s.mu.Lock()
	s.finalized++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) emit(segments ...model.TranscriptSegment) {
	s.handler(segments)
}

func (s *fakeStream) bytesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// cut simulates the provider ending the connection.
func (s *fakeStream) cut() { s.drop.Do(func() { close(s.done) }) }

func (s *fakeStream) keepAliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
