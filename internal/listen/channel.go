package listen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/omi/listen-server/internal/audio"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/stt"
	"github.com/omi/listen-server/internal/vad"
)

const sttKeepAliveInterval = 5 * time.Second

// channel is one labelled input of a session: its decoder, VAD gate, STT
// stream and the PCM waiting to be cut into a cloud chunk or audio window.
type channel struct {
	cfg       model.ChannelConfig
	converter *audio.Converter
	gate      *vad.Gate
	provider  stt.Provider
	opts      stt.Options
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu     sync.Mutex
	stream stt.Stream

	// sentBytes counts PCM accepted by every stream this channel has had.
	sentBytes atomic.Int64
	packets   atomic.Int64
	bytes     atomic.Int64
	failures  atomic.Int64
	transient rate.Sometimes

	// touched by the receive loop only
	lastActivity time.Time
	chunk        []byte
	window       []byte
}

func (c *channel) current() stt.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// swap installs a new stream and returns the previous one.
func (c *channel) swap(st stt.Stream) stt.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.stream
	c.stream = st
	return old
}

// sentSeconds is the STT timeline position of the channel.
func (c *channel) sentSeconds() float64 {
	return float64(c.sentBytes.Load()/2) / stt.TargetRate
}

func (c *channel) send(pcm []byte, now time.Time) {
	st := c.current()
	if st == nil {
		return
	}
	if err := st.Send(pcm); err != nil {
		n := c.failures.Add(1)
		c.metrics.RecordSTTError(c.provider.Name(), "send")
		c.transient.Do(func() {
			c.logger.Warn().
				Err(err).
				Int64("failures", n).
				Msg("stt send failed")
		})
		return
	}
	c.sentBytes.Add(int64(len(pcm)))
	c.lastActivity = now
	c.metrics.RecordAudio("stt", len(pcm))
}

// keepAlive tells an idle stream the session is still open while the VAD
// gate withholds silence.
func (c *channel) keepAlive(now time.Time) {
	if now.Sub(c.lastActivity) < sttKeepAliveInterval {
		return
	}
	c.lastActivity = now
	if ka, ok := c.current().(stt.KeepAliver); ok {
		if err := ka.KeepAlive(); err != nil {
			c.logger.Debug().Err(err).Msg("stt keepalive failed")
		}
	}
}

func (c *channel) finalize() {
	if st := c.current(); st != nil {
		if err := st.Finalize(); err != nil {
			c.logger.Debug().Err(err).Msg("stt finalize failed")
		}
	}
}

func (c *channel) close() {
	if st := c.current(); st != nil {
		if err := st.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("stt close failed")
		}
	}
}

// open starts a stream whose segments are placed base seconds into the
// channel's STT timeline.
func (c *channel) open(ctx context.Context, handler func(ch *channel, base float64) stt.SegmentHandler) (stt.Stream, error) {
	return c.provider.Open(ctx, c.opts, handler(c, c.sentSeconds()))
}

func (c *channel) takeChunk() []byte {
	b := c.chunk
	c.chunk = nil
	return b
}

func (c *channel) takeWindow() []byte {
	b := c.window
	c.window = nil
	return b
}
