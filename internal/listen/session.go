// Package listen runs the audio ingest sockets: it decodes client audio,
// gates it through VAD into streaming STT, persists transcript segments into
// the user's in-progress conversation and finalizes the conversation after
// silence or disconnect.
package listen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/omi/listen-server/internal/config"
	"github.com/omi/listen-server/internal/encryption"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/events"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/pusher"
	"github.com/omi/listen-server/internal/service"
	"github.com/omi/listen-server/internal/stt"
	"github.com/omi/listen-server/internal/vad"
)

// errClientGone ends a session whose client closed or dropped the socket.
var errClientGone = errors.New("client disconnected")

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
}

// ChunkStore persists private cloud audio and serves speech profiles.
type ChunkStore interface {
	PutChunk(ctx context.Context, uid, conversationID string, timestamp float64, data []byte, encrypted bool) error
	AudioFiles(ctx context.Context, uid, conversationID string) ([]model.AudioFile, error)
	GetSpeechProfile(ctx context.Context, uid string) ([]byte, error)
}

// EventSource delivers the user's conversation events to the socket.
type EventSource interface {
	Subscribe(ctx context.Context, uid string) (*events.Subscription, error)
	Unsubscribe(sub *events.Subscription)
}

// PusherDialer returns the dialer for one session's outbound pusher
// connection.
type PusherDialer func(uid string, sampleRate int) pusher.DialFunc

type VADConfig struct {
	Mode       string
	RolloutPct int
	PreRollMs  int
	HangoverMs int
}

type Timings struct {
	Heartbeat     time.Duration
	StreamFlush   time.Duration
	ChunkDuration time.Duration
	// AudioWindow is the span of mixed audio per pusher audio window.
	AudioWindow time.Duration
	// MemoryTimeout is the silence after which a conversation is finalized.
	MemoryTimeout   time.Duration
	ChannelStats    time.Duration
	UsageInterval   time.Duration
	DrainTimeout    time.Duration
	STTDrainWait    time.Duration
	UploadTimeout   time.Duration
	UploadRetryWait time.Duration
	STTRetryWait    time.Duration
}

func DefaultTimings(memoryTimeout time.Duration) Timings {
	return Timings{
		Heartbeat:       config.HeartbeatInterval,
		StreamFlush:     config.StreamFlushInterval,
		ChunkDuration:   config.AudioChunkDuration,
		AudioWindow:     config.AudioWindowDuration,
		MemoryTimeout:   memoryTimeout,
		ChannelStats:    config.ChannelStatsInterval,
		UsageInterval:   config.UsageReportInterval,
		DrainTimeout:    config.SessionDrainTimeout,
		STTDrainWait:    config.STTDrainWait,
		UploadTimeout:   config.ChunkUploadTimeout,
		UploadRetryWait: time.Second,
		STTRetryWait:    time.Second,
	}
}

// Deps are the process-wide collaborators shared by every session.
type Deps struct {
	Conversations *service.ConversationService
	Memories      *service.MemoryService
	// Usage is optional.
	Usage *service.UsageService
	// Events is optional.
	Events    EventSource
	Providers []stt.Provider
	// VAD is nil when gating is disabled.
	VAD       *vad.Engine
	VADConfig VADConfig
	// Store is nil when private cloud sync is unavailable.
	Store  ChunkStore
	Cipher *encryption.Cipher
	// Pusher is nil when downstream workers are not configured.
	Pusher      PusherDialer
	Metrics     *observability.Metrics
	PusherStats *observability.PusherStats
	Timings     Timings
}

// Session is one listen socket.
type Session struct {
	id      string
	params  Params
	user    *model.UserContext
	deps    Deps
	conn    Conn
	logger  zerolog.Logger
	now     func() time.Time
	started time.Time

	writeMu sync.Mutex

	channels []*channel
	byID     map[byte]*channel
	provider string
	language string

	queues   *pusher.Queues
	pusher   *pusher.Client
	memories *service.MemoryService

	bufMu    sync.Mutex
	realtime []model.TranscriptSegment

	convMu     sync.Mutex
	convID     string
	convOffset float64
	// pendingConv holds chunks that were still unassigned at session end.
	pendingConv string

	finalizer *silenceFinalizer
	bg        sync.WaitGroup

	// touched by the receive loop only, then by finish
	unknownFrames int64
	lastStats     time.Time
	chunkStart    time.Time
	windowStart   time.Time

	// usage accounting, owned by the usage task and then by finish
	words         int64
	reportedBytes int64
	reportedWords int64
	warnedLow     bool
	warnedOut     bool
	wordsMu       sync.Mutex
}

func NewSession(conn Conn, params Params, user *model.UserContext, deps Deps) *Session {
	if deps.Timings == (Timings{}) {
		deps.Timings = DefaultTimings(config.DefaultMemoryTimeout)
	}
	id := uuid.NewString()
	s := &Session{
		id:     id,
		params: params,
		user:   user,
		deps:   deps,
		conn:   conn,
		now:    time.Now,
		logger: log.With().
			Str("sessionId", id).
			Str("uid", params.UID).
			Str("source", params.Source).
			Bool("multi", params.Multi).
			Logger(),
		byID:     make(map[byte]*channel),
		memories: deps.Memories,
	}
	s.finalizer = newSilenceFinalizer(deps.Timings.MemoryTimeout, func() time.Time { return s.now() }, s.onSilence)

	s.queues = pusher.NewQueues(deps.PusherStats, deps.Metrics)
	if deps.Pusher != nil {
		s.pusher = pusher.NewClient(
			deps.Pusher(params.UID, stt.TargetRate),
			s.queues,
			deps.PusherStats,
			deps.Metrics,
			pusher.Options{DrainTimeout: deps.Timings.DrainTimeout},
			s.logger.With().Str("component", "pusher").Logger(),
		)
		s.memories = deps.Memories.WithProcessor(pusherProcessor{client: s.pusher})
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) kind() string {
	if s.params.Multi {
		return "multi"
	}
	return "single"
}

func (s *Session) uploading() bool {
	return s.deps.Store != nil && s.user != nil && s.user.PrivateCloudSync
}

// Run serves the socket until the client leaves or a fatal error occurs.
// Finalization runs before it returns; the returned error decides the close
// code.
func (s *Session) Run(ctx context.Context) (err error) {
	s.started = s.now()
	s.deps.Metrics.SessionStarted(s.kind())
	defer func() {
		s.deps.Metrics.SessionEnded(s.kind(), fmt.Sprint(apperrors.CloseCode(err)), s.now().Sub(s.started))
	}()

	s.sendStatus("initiating", "")
	if err := s.openChannels(ctx); err != nil {
		s.sendError(err)
		return err
	}
	s.sendStatus("ready", "")
	s.logger.Info().
		Str("provider", s.provider).
		Str("language", s.language).
		Int("channels", len(s.channels)).
		Msg("listen session started")

	if err := s.resumeConversation(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("resume in-progress conversation")
	}

	var sub *events.Subscription
	if s.deps.Events != nil {
		var subErr error
		sub, subErr = s.deps.Events.Subscribe(ctx, s.params.UID)
		if subErr != nil {
			s.logger.Warn().Err(subErr).Msg("subscribe to conversation events")
			sub = nil
		} else {
			defer s.deps.Events.Unsubscribe(sub)
		}
	}

	// The pusher and uploader keep draining after the socket tasks stop.
	backCtx, stopBack := context.WithCancel(context.WithoutCancel(ctx))
	var back sync.WaitGroup
	if s.pusher != nil {
		back.Add(1)
		go func() {
			defer back.Done()
			if err := s.pusher.Run(backCtx); err != nil {
				s.logger.Warn().Err(err).Msg("pusher stopped")
			}
		}()
	}
	if s.uploading() {
		back.Add(1)
		go func() {
			defer back.Done()
			s.runUploader(backCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		_ = s.conn.SetReadDeadline(time.Now())
	}()
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.streamProcessor(gctx) })
	g.Go(func() error { return s.heartbeat(gctx) })
	if s.deps.Usage != nil {
		g.Go(func() error { return s.trackUsage(gctx) })
	}
	if sub != nil {
		g.Go(func() error { return s.forwardEvents(gctx, sub) })
	}
	for _, ch := range s.channels {
		ch := ch
		g.Go(func() error { return s.watchSTT(gctx, ch) })
	}
	runErr := g.Wait()

	s.finish(context.WithoutCancel(ctx))
	stopBack()
	back.Wait()

	if errors.Is(runErr, errClientGone) || errors.Is(runErr, context.Canceled) {
		return nil
	}
	if runErr != nil {
		s.logger.Error().Err(runErr).Msg("listen session failed")
		s.sendError(runErr)
	}
	return runErr
}

// finish flushes everything the session still holds and finalizes the
// current conversation.
func (s *Session) finish(ctx context.Context) {
	s.finalizer.Stop()

	for _, ch := range s.channels {
		ch.finalize()
	}
	if len(s.channels) > 0 && s.deps.Timings.STTDrainWait > 0 {
		time.Sleep(s.deps.Timings.STTDrainWait)
	}
	for _, ch := range s.channels {
		ch.close()
	}

	if err := s.flush(ctx); err != nil {
		s.logger.Error().Err(err).Msg("final transcript flush")
	}
	if s.uploading() {
		s.cutChunk()
		s.attachPendingChunks(ctx)
	}
	if s.pusher != nil {
		s.cutWindow()
	}
	if s.deps.Usage != nil {
		s.reportUsage(ctx)
	}

	if id := s.currentConversation(); id != "" {
		s.clearConversation(id)
		if _, err := s.memories.CreateMemory(ctx, s.params.UID, id); err != nil {
			s.logger.Error().Err(err).Str("conversationId", id).Msg("create memory on disconnect")
		}
	}
	s.bg.Wait()

	s.logger.Info().
		Dur("duration", s.now().Sub(s.started)).
		Int64("unknownFrames", s.unknownFrames).
		Msg("listen session ended")
}

func (s *Session) openChannels(ctx context.Context) error {
	language := s.params.Language
	sel, err := stt.Select(s.deps.Providers, language, s.params.SampleRate)
	if err != nil {
		return err
	}
	s.provider = sel.Provider.Name()
	s.language = sel.Language
	prefs := model.TranscriptionPreferences{}
	if s.user != nil {
		prefs = s.user.TranscriptionPreferences
	}
	if !prefs.SingleLanguageMode && sel.Provider.SupportsLanguage(stt.LanguageMulti) {
		s.language = stt.LanguageMulti
	}
	opts := stt.Options{
		Language:   s.language,
		SampleRate: stt.TargetRate,
		Channels:   1,
		Vocabulary: prefs.Vocabulary,
	}

	mode := vad.ModeOff
	if s.deps.VAD != nil {
		mode = vad.ResolveMode(s.deps.VADConfig.Mode, s.params.UID, s.deps.VADConfig.RolloutPct)
	}

	for _, cfg := range s.params.ChannelLayout() {
		converter, err := audioConverter(s.params)
		if err != nil {
			return err
		}
		logger := s.logger.With().Str("channel", cfg.Label).Logger()
		var detector *vad.Detector
		if s.deps.VAD != nil {
			detector = vad.NewDetector(s.deps.VAD)
		}
		ch := &channel{
			cfg:       cfg,
			converter: converter,
			gate: vad.NewGate(detector, vad.Options{
				Mode:       mode,
				PreRollMs:  s.deps.VADConfig.PreRollMs,
				HangoverMs: s.deps.VADConfig.HangoverMs,
			}, logger),
			provider:  sel.Provider,
			opts:      opts,
			metrics:   s.deps.Metrics,
			logger:    logger,
			transient: rate.Sometimes{First: 5, Every: 500},
		}
		s.channels = append(s.channels, ch)
		s.byID[cfg.ID] = ch
	}

	s.sendStatus("stt_connecting", "")
	var profile []byte
	if !s.params.Multi && s.deps.Store != nil && sel.Provider.SupportsSpeechProfile() {
		profile, err = s.deps.Store.GetSpeechProfile(ctx, s.params.UID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("load speech profile")
			profile = nil
		}
	}

	var g errgroup.Group
	for _, ch := range s.channels {
		ch := ch
		g.Go(func() error {
			st, err := s.openStream(ctx, ch, profile)
			if err != nil {
				s.deps.Metrics.RecordSTTError(ch.provider.Name(), "connect")
				return apperrors.STTConnectionFailed(ch.provider.Name(), err)
			}
			ch.swap(st)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ch := range s.channels {
			ch.close()
		}
		return err
	}
	return nil
}

func (s *Session) openStream(ctx context.Context, ch *channel, profile []byte) (stt.Stream, error) {
	if len(profile) > 0 {
		st, err := stt.OpenProfiled(ctx, ch.provider, ch.opts, profile, s.segmentHandler(ch, 0))
		if err == nil {
			return st, nil
		}
		s.logger.Warn().Err(err).Msg("open profiled stream, continuing without profile")
	}
	return ch.open(ctx, s.segmentHandler)
}

type statusFrame struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type segmentFrame struct {
	ID      string  `json:"id"`
	Text    string  `json:"text"`
	IsUser  bool    `json:"is_user"`
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	IsFinal bool    `json:"is_final"`
}

type transcriptFrame struct {
	Type    string       `json:"type"`
	Segment segmentFrame `json:"segment"`
}

type pingFrame struct {
	Type string `json:"type"`
}

func (s *Session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) sendStatus(status, message string) {
	if err := s.sendJSON(statusFrame{Type: "status", Status: status, Message: message}); err != nil {
		s.logger.Debug().Err(err).Str("status", status).Msg("send status")
	}
}

func (s *Session) sendError(err error) {
	frame := errorFrame{Type: "error", Code: string(apperrors.GetCode(err)), Message: err.Error()}
	if appErr, ok := apperrors.AsAppError(err); ok {
		frame.Message = appErr.Message
	}
	if werr := s.sendJSON(frame); werr != nil {
		s.logger.Debug().Err(werr).Msg("send error frame")
	}
}

// pusherProcessor hands conversation processing to downstream workers.
type pusherProcessor struct {
	client *pusher.Client
}

func (p pusherProcessor) Process(ctx context.Context, conv *model.Conversation) (*service.ProcessOutcome, error) {
	res, err := p.client.Process(ctx, conv.ID, conv.Language)
	if err != nil {
		return nil, err
	}
	return &service.ProcessOutcome{Discarded: !res.Success, Messages: res.Messages}, nil
}
