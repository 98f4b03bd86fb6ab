package listen

import (
	"sync"
	"time"
)

// silenceFinalizer fires once a conversation has been quiet for timeout.
// Every Schedule replaces the pending timer; a timer that lost the race to a
// newer Schedule does nothing.
type silenceFinalizer struct {
	timeout time.Duration
	now     func() time.Time
	fire    func(conversationID string, finishedAt time.Time)

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

func newSilenceFinalizer(timeout time.Duration, now func() time.Time, fire func(string, time.Time)) *silenceFinalizer {
	return &silenceFinalizer{timeout: timeout, now: now, fire: fire}
}

// Schedule arms the timer for the conversation last written at finishedAt.
// A finishedAt already older than the timeout fires immediately.
func (f *silenceFinalizer) Schedule(conversationID string, finishedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.gen++
	gen := f.gen
	delay := f.timeout - f.now().Sub(finishedAt)
	if delay < 0 {
		delay = 0
	}
	f.timer = time.AfterFunc(delay, func() { f.run(gen, conversationID, finishedAt) })
}

// Cancel drops the pending timer without stopping the finalizer.
func (f *silenceFinalizer) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// Stop cancels the pending timer and waits for a running fire to return.
func (f *silenceFinalizer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *silenceFinalizer) run(gen uint64, conversationID string, finishedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || gen != f.gen {
		return
	}
	f.timer = nil
	f.fire(conversationID, finishedAt)
}
