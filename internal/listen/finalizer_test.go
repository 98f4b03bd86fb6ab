package listen

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fireLog struct {
	mu    sync.Mutex
	fired []string
}

func (l *fireLog) fire(id string, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired = append(l.fired, id)
}

func (l *fireLog) ids() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.fired...)
}

func TestSilenceFinalizer(t *testing.T) {
	t.Run("fires after the timeout", func(t *testing.T) {
		log := &fireLog{}
		f := newSilenceFinalizer(30*time.Millisecond, time.Now, log.fire)

		f.Schedule("c1", time.Now())

		assert.Eventually(t, func() bool { return len(log.ids()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"c1"}, log.ids())
	})

	t.Run("rescheduling replaces the pending timer", func(t *testing.T) {
		log := &fireLog{}
		f := newSilenceFinalizer(50*time.Millisecond, time.Now, log.fire)

		f.Schedule("c1", time.Now())
		time.Sleep(20 * time.Millisecond)
		f.Schedule("c1", time.Now())
		f.Schedule("c2", time.Now())

		assert.Eventually(t, func() bool { return len(log.ids()) > 0 }, time.Second, 5*time.Millisecond)
		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, []string{"c2"}, log.ids())
	})

	t.Run("old activity fires immediately", func(t *testing.T) {
		log := &fireLog{}
		f := newSilenceFinalizer(time.Hour, time.Now, log.fire)

		f.Schedule("c1", time.Now().Add(-2*time.Hour))

		assert.Eventually(t, func() bool { return len(log.ids()) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("stop prevents firing", func(t *testing.T) {
		log := &fireLog{}
		f := newSilenceFinalizer(20*time.Millisecond, time.Now, log.fire)

		f.Schedule("c1", time.Now())
		f.Stop()
		f.Schedule("c2", time.Now())

		time.Sleep(60 * time.Millisecond)
		assert.Empty(t, log.ids())
	})

	t.Run("cancel drops only the pending timer", func(t *testing.T) {
		log := &fireLog{}
		f := newSilenceFinalizer(20*time.Millisecond, time.Now, log.fire)

		f.Schedule("c1", time.Now())
		f.Cancel()
		f.Schedule("c2", time.Now())

		assert.Eventually(t, func() bool { return len(log.ids()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"c2"}, log.ids())
	})
}
