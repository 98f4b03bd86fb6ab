// Package pusher fans session transcripts and audio out to downstream
// workers over one multiplexed connection.
package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/omi/listen-server/internal/observability"
)

const (
	DefaultFlushInterval = time.Second
	DefaultProcessWait   = 5 * time.Minute
	dialTimeout          = 10 * time.Second
)

// Conn is the subset of *websocket.Conn the client uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type DialFunc func(ctx context.Context) (Conn, error)

// WebsocketDialer dials the hosted pusher for one session.
func WebsocketDialer(baseURL, uid string, sampleRate int) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse pusher url: %w", err)
		}
		u.Path = "/v1/trigger/listen"
		q := u.Query()
		q.Set("uid", uid)
		q.Set("sample_rate", strconv.Itoa(sampleRate))
		u.RawQuery = q.Encode()

		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dial pusher: %w", err)
		}
		return conn, nil
	}
}

// ProcessResult is the type-201 reply to a process request.
type ProcessResult struct {
	ConversationID string   `json:"conversation_id"`
	Success        bool     `json:"success,omitempty"`
	Error          string   `json:"error,omitempty"`
	Messages       []string `json:"messages,omitempty"`
}

type processRequest struct {
	ConversationID string `json:"conversation_id"`
	Language       string `json:"language"`
}

type Options struct {
	FlushInterval time.Duration
	// DrainTimeout bounds how long consumers keep flushing after the session
	// context ends.
	DrainTimeout time.Duration
	ProcessWait  time.Duration
}

// Client owns one session's outbound connection and its consumer loops.
type Client struct {
	dial    DialFunc
	queues  *Queues
	tasks   *TaskSet
	stats   *observability.PusherStats
	metrics *observability.Metrics
	opts    Options
	logger  zerolog.Logger

	connMu    sync.Mutex
	conn      Conn
	connected bool
	everUp    bool

	reconnectMu sync.Mutex
	writeMu     sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan ProcessResult
}

func NewClient(dial DialFunc, queues *Queues, stats *observability.PusherStats, metrics *observability.Metrics, opts Options, logger zerolog.Logger) *Client {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ProcessWait <= 0 {
		opts.ProcessWait = DefaultProcessWait
	}
	return &Client{
		dial:    dial,
		queues:  queues,
		tasks:   NewTaskSet(stats),
		stats:   stats,
		metrics: metrics,
		opts:    opts,
		logger:  logger,
		waiters: make(map[string]chan ProcessResult),
	}
}

func (c *Client) Queues() *Queues { return c.queues }

func (c *Client) Tasks() *TaskSet { return c.tasks }

func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// Connect opens the outbound connection, or returns the live one. Concurrent
// callers share a single dial.
func (c *Client) Connect(ctx context.Context) (Conn, error) {
	c.connMu.Lock()
	if c.connected {
		conn := c.conn
		c.connMu.Unlock()
		return conn, nil
	}
	c.connMu.Unlock()

	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.connMu.Lock()
	if c.connected {
		conn := c.conn
		c.connMu.Unlock()
		return conn, nil
	}
	c.connMu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.connMu.Lock()
	reconnect := c.everUp
	c.conn = conn
	c.connected = true
	c.everUp = true
	c.connMu.Unlock()

	if c.stats != nil {
		c.stats.Connected(reconnect)
	}
	if reconnect {
		c.logger.Info().Msg("pusher reconnected")
	}
	go c.readLoop(conn)
	return conn, nil
}

func (c *Client) markDisconnected(conn Conn, err error) {
	c.connMu.Lock()
	if c.conn != conn || !c.connected {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.connMu.Unlock()

	conn.Close()
	c.logger.Warn().Err(err).Msg("pusher disconnected")
}

func (c *Client) send(ctx context.Context, kind uint32, payload []byte) error {
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(kind, payload))
	c.writeMu.Unlock()
	if err != nil {
		c.markDisconnected(conn, err)
		return fmt.Errorf("send %s frame: %w", frameName(kind), err)
	}

	if c.stats != nil {
		c.stats.FrameSent(frameName(kind))
	}
	return nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.markDisconnected(conn, err)
			return
		}
		kind, payload, err := DecodeFrame(data)
		if err != nil {
			continue
		}
		if kind != FrameProcessResult {
			c.logger.Debug().Str("frame", frameName(kind)).Msg("ignoring pusher frame")
			continue
		}

		var res ProcessResult
		if err := json.Unmarshal(payload, &res); err != nil {
			c.logger.Warn().Err(err).Msg("bad process result frame")
			continue
		}
		c.waitMu.Lock()
		ch, ok := c.waiters[res.ConversationID]
		c.waitMu.Unlock()
		if ok {
			select {
			case ch <- res:
			default:
			}
		}
	}
}

// AnnounceConversation tells downstream workers which conversation the
// session is writing to.
func (c *Client) AnnounceConversation(ctx context.Context, conversationID string) error {
	payload, _ := json.Marshal(map[string]string{"conversation_id": conversationID})
	return c.send(ctx, FrameConversationID, payload)
}

// Process sends a process request from a tracked task and waits for its
// type-201 reply.
func (c *Client) Process(ctx context.Context, conversationID, language string) (ProcessResult, error) {
	type outcome struct {
		res ProcessResult
		err error
	}
	out := make(chan outcome, 1)

	c.tasks.Go("process:"+conversationID, func(taskCtx context.Context) {
		res, err := c.process(taskCtx, conversationID, language)
		out <- outcome{res, err}
	})

	select {
	case o := <-out:
		return o.res, o.err
	case <-ctx.Done():
		return ProcessResult{}, ctx.Err()
	}
}

func (c *Client) process(ctx context.Context, conversationID, language string) (ProcessResult, error) {
	ch := make(chan ProcessResult, 1)
	c.waitMu.Lock()
	c.waiters[conversationID] = ch
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		delete(c.waiters, conversationID)
		c.waitMu.Unlock()
	}()

	payload, _ := json.Marshal(processRequest{ConversationID: conversationID, Language: language})
	if err := c.send(ctx, FrameProcess, payload); err != nil {
		return ProcessResult{}, err
	}

	timer := time.NewTimer(c.opts.ProcessWait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Error != "" {
			return res, fmt.Errorf("process conversation %s: %s", conversationID, res.Error)
		}
		return res, nil
	case <-timer.C:
		return ProcessResult{}, fmt.Errorf("process conversation %s: no reply after %s", conversationID, c.opts.ProcessWait)
	case <-ctx.Done():
		return ProcessResult{}, ctx.Err()
	}
}

// Run drives the consumer loops until ctx ends and every queue has drained,
// or DrainTimeout passes after ctx ends. Tracked tasks are then shut down.
func (c *Client) Run(ctx context.Context) error {
	hard, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-hard.Done():
			return
		}
		if c.opts.DrainTimeout <= 0 {
			cancel()
			return
		}
		select {
		case <-time.After(c.opts.DrainTimeout):
			cancel()
		case <-hard.Done():
		}
	}()

	if _, err := c.Connect(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("pusher connect failed, consumers will retry")
	}

	var g errgroup.Group
	g.Go(func() error {
		c.consume(ctx, hard, c.queues.Transcripts.Ready(), c.queues.Transcripts.Len, c.flushTranscripts)
		return nil
	})
	g.Go(func() error {
		c.consume(ctx, hard, c.queues.AudioBytes.Ready(), c.queues.AudioBytes.Len, c.flushAudio)
		return nil
	})
	g.Go(func() error {
		c.consume(ctx, hard, c.queues.SpeakerSamples.Ready(), c.queues.SpeakerSamples.Len, c.flushSpeakerSamples)
		return nil
	})
	err := g.Wait()

	c.tasks.Shutdown(c.opts.DrainTimeout)
	c.close()
	return err
}

// consume waits for work, sleeps one flush interval to batch, then flushes.
// It keeps going after ctx ends while the queue holds items.
func (c *Client) consume(ctx, hard context.Context, ready <-chan struct{}, pending func() int, flush func(context.Context) error) {
	for {
		if pending() == 0 {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ready:
			case <-ctx.Done():
				continue
			case <-hard.Done():
				return
			}
		}

		select {
		case <-time.After(c.opts.FlushInterval):
		case <-hard.Done():
			return
		}

		if err := flush(hard); err != nil {
			c.logger.Debug().Err(err).Msg("pusher flush failed")
		}
	}
}

func (c *Client) flushTranscripts(ctx context.Context) error {
	batches := c.queues.Transcripts.Drain()
	if len(batches) == 0 {
		return nil
	}
	payload, err := json.Marshal(batches)
	if err != nil {
		return fmt.Errorf("encode transcripts: %w", err)
	}
	if err := c.send(ctx, FrameTranscript, payload); err != nil {
		c.queues.Transcripts.Requeue(batches)
		return err
	}
	return nil
}

// flushAudio sends queued windows, joining runs that share a destination and
// sample rate into one frame.
func (c *Client) flushAudio(ctx context.Context) error {
	windows := c.queues.AudioBytes.Drain()
	for start := 0; start < len(windows); {
		end := start + 1
		for end < len(windows) && windows[end].Type == windows[start].Type && windows[end].SampleRate == windows[start].SampleRate {
			end++
		}
		var size int
		for _, w := range windows[start:end] {
			size += len(w.Payload)
		}
		pcm := make([]byte, 0, size)
		for _, w := range windows[start:end] {
			pcm = append(pcm, w.Payload...)
		}
		if err := c.send(ctx, FrameAudio, EncodeAudio(windows[start].Type, windows[start].SampleRate, pcm)); err != nil {
			c.queues.AudioBytes.Requeue(windows[start:])
			return err
		}
		start = end
	}
	return nil
}

func (c *Client) flushSpeakerSamples(ctx context.Context) error {
	for {
		req, ok := c.queues.SpeakerSamples.PopFront()
		if !ok {
			return nil
		}
		payload, _ := json.Marshal(req)
		if err := c.send(ctx, FrameSpeakerSample, payload); err != nil {
			c.queues.SpeakerSamples.Requeue([]SpeakerSampleRequest{req})
			return err
		}
	}
}

func (c *Client) close() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}
