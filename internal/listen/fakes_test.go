package listen

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/pusher"
	"github.com/omi/listen-server/internal/redis"
	"github.com/omi/listen-server/internal/repository"
	"github.com/omi/listen-server/internal/service"
	"github.com/omi/listen-server/internal/stt"
)

type inbound struct {
	mt   int
	data []byte
}

type fakeConn struct {
	in       chan inbound
	deadline chan struct{}
	once     sync.Once

	mu  sync.Mutex
	out []map[string]any
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 64), deadline: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.mt, f.data, nil
	case <-c.deadline:
		return 0, nil, errors.New("read deadline exceeded")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, frame)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error {
	c.once.Do(func() { close(c.deadline) })
	return nil
}

func (c *fakeConn) sendAudio(data []byte) { c.in <- inbound{mt: websocket.BinaryMessage, data: data} }

func (c *fakeConn) sendText(v any) {
	data, _ := json.Marshal(v)
	c.in <- inbound{mt: websocket.TextMessage, data: data}
}

func (c *fakeConn) hangUp() { close(c.in) }

func (c *fakeConn) framesOfType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.out {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) waitFor(t *testing.T, typ string, n int) []map[string]any {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.framesOfType(typ)) >= n }, 3*time.Second, 5*time.Millisecond,
		"waiting for %d %q frames", n, typ)
	return c.framesOfType(typ)
}

type fakeStream struct {
	onSegments stt.SegmentHandler

	mu        sync.Mutex
	sent      int
	finalized int
	closed    bool
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += len(pcm)
	return nil
}

func (s *fakeStream) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) bytesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *fakeStream) emit(segs ...model.TranscriptSegment) {
	s.onSegments(segs)
}

// droppableStream can be cut by the provider.
type droppableStream struct {
	*fakeStream
	done chan struct{}
}

func (s *droppableStream) Done() <-chan struct{} { return s.done }
func (s *droppableStream) Err() error            { return errors.New("connection reset") }

type fakeProvider struct {
	monitored bool
	profiles  bool
	failOpens int

	mu      sync.Mutex
	opens   int
	streams []*fakeStream
	drops   []*droppableStream
}

func (p *fakeProvider) Name() string                   { return "fake" }
func (p *fakeProvider) SupportsLanguage(l string) bool { return l == "en" || l == stt.LanguageMulti }
func (p *fakeProvider) SupportsSampleRate(int) bool    { return true }
func (p *fakeProvider) SupportsSpeechProfile() bool    { return p.profiles }

func (p *fakeProvider) Open(_ context.Context, _ stt.Options, onSegments stt.SegmentHandler) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.opens > 1 && p.failOpens > 0 {
		p.failOpens--
		return nil, errors.New("provider unavailable")
	}
	st := &fakeStream{onSegments: onSegments}
	p.streams = append(p.streams, st)
	if p.monitored {
		ds := &droppableStream{fakeStream: st, done: make(chan struct{})}
		p.drops = append(p.drops, ds)
		return ds, nil
	}
	return st, nil
}

func (p *fakeProvider) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.streams) > i
	}, 3*time.Second, 5*time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

func (p *fakeProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

type fakeStore struct {
	profile []byte

	mu       sync.Mutex
	failures int
	// stalls is how many puts hang until their context ends.
	stalls int
	puts   int
	chunks map[string][]float64
}

func (s *fakeStore) PutChunk(ctx context.Context, _ string, conversationID string, ts float64, _ []byte, _ bool) error {
	s.mu.Lock()
	s.puts++
	if s.stalls > 0 {
		s.stalls--
		s.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("bucket unavailable")
	}
	if s.chunks == nil {
		s.chunks = make(map[string][]float64)
	}
	s.chunks[conversationID] = append(s.chunks[conversationID], ts)
	return nil
}

func (s *fakeStore) AudioFiles(_ context.Context, uid, conversationID string) ([]model.AudioFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []model.AudioFile{{
		ID:              conversationID + "-0",
		UID:             uid,
		ConversationID:  conversationID,
		ChunkTimestamps: append([]float64(nil), s.chunks[conversationID]...),
	}}, nil
}

func (s *fakeStore) GetSpeechProfile(context.Context, string) ([]byte, error) { return s.profile, nil }

func (s *fakeStore) conversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.chunks {
		ids = append(ids, id)
	}
	return ids
}

func (s *fakeStore) stored(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks[conversationID])
}

// downstreamConn stands in for the hosted pusher.
type downstreamConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed chan struct{}
	once   sync.Once
}

func newDownstreamConn() *downstreamConn {
	return &downstreamConn{closed: make(chan struct{})}
}

func (c *downstreamConn) WriteMessage(mt int, data []byte) error {
	if mt != websocket.BinaryMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *downstreamConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *downstreamConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *downstreamConn) dialer() PusherDialer {
	return func(string, int) pusher.DialFunc {
		return func(context.Context) (pusher.Conn, error) { return c, nil }
	}
}

func (c *downstreamConn) audioWindows(t *testing.T) []pusher.AudioWindow {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []pusher.AudioWindow
	for _, f := range c.frames {
		kind, payload, err := pusher.DecodeFrame(f)
		require.NoError(t, err)
		if kind != pusher.FrameAudio {
			continue
		}
		w, err := pusher.DecodeAudio(payload)
		require.NoError(t, err)
		out = append(out, w)
	}
	return out
}

type harness struct {
	deps     Deps
	provider *fakeProvider
	repo     *repository.MemoryConversations
	convs    *service.ConversationService
	redis    *redis.Client
}

func testTimings() Timings {
	return Timings{
		Heartbeat:       time.Hour,
		StreamFlush:     10 * time.Millisecond,
		ChunkDuration:   time.Hour,
		AudioWindow:     time.Hour,
		MemoryTimeout:   time.Hour,
		ChannelStats:    time.Hour,
		UsageInterval:   time.Hour,
		DrainTimeout:    2 * time.Second,
		UploadTimeout:   time.Second,
		UploadRetryWait: time.Millisecond,
		STTRetryWait:    time.Millisecond,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { rc.Close() })

	repo := repository.NewMemoryConversations()
	convs := service.NewConversationService(nil, repo, rc)
	provider := &fakeProvider{}
	return &harness{
		provider: provider,
		repo:     repo,
		convs:    convs,
		redis:    rc,
		deps: Deps{
			Conversations: convs,
			Memories:      service.NewMemoryService(convs, service.LocalProcessor{}, nil),
			Providers:     []stt.Provider{provider},
			Metrics:       observability.NewMetrics(),
			PusherStats:   observability.NewPusherStats(),
			Timings:       testTimings(),
		},
	}
}

// start runs a session in the background and returns its result channel.
func (h *harness) start(t *testing.T, conn *fakeConn, params Params, user *model.UserContext) <-chan error {
	t.Helper()
	if user == nil {
		user = &model.UserContext{UID: params.UID}
	}
	sess := NewSession(conn, params, user, h.deps)
	done := make(chan error, 1)
	go func() { done <- sess.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func pcm(ms int) []byte {
	return make([]byte, ms*32)
}
