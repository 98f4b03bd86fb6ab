package stt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
)

const dialTimeout = 10 * time.Second

func dial(ctx context.Context, provider, url string, headers http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				err = fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			} else {
				err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
			}
		}
		return nil, apperrors.STTConnectionFailed(provider, err)
	}
	return conn, nil
}

// frameParser turns one provider text frame into finalized segments.
type frameParser func(data []byte) ([]model.TranscriptSegment, error)

// wsStream is the provider-neutral half of a streaming connection: guarded
// writes, an idempotent close, and a read loop feeding the parser.
type wsStream struct {
	provider string
	conn     *websocket.Conn
	parse    frameParser
	handler  SegmentHandler

	finalizeMsg  []byte
	keepAliveMsg []byte
	closeMsg     func() []byte
	onSend       func()

	closed  atomic.Bool
	writeMu sync.Mutex
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

func newWSStream(provider string, conn *websocket.Conn, parse frameParser, handler SegmentHandler) *wsStream {
	return &wsStream{
		provider: provider,
		conn:     conn,
		parse:    parse,
		handler:  handler,
		done:     make(chan struct{}),
	}
}

func (s *wsStream) start() {
	go s.readLoop()
}

func (s *wsStream) readLoop() {
	defer close(s.done)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(apperrors.STTConnectionFailed(s.provider, err))
				log.Warn().Err(err).Str("provider", s.provider).Msg("stt connection dropped")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		segments, err := s.parse(data)
		if err != nil {
			log.Debug().Err(err).Str("provider", s.provider).Msg("unparseable stt frame")
			continue
		}
		if len(segments) > 0 && s.handler != nil {
			s.handler(segments)
		}
	}
}

func (s *wsStream) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// Err reports why the read loop ended, or nil after a clean close.
func (s *wsStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed when the read loop exits.
func (s *wsStream) Done() <-chan struct{} {
	return s.done
}

func (s *wsStream) write(msgType int, data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%s stream closed", s.provider)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(msgType, data)
}

func (s *wsStream) Send(pcm []byte) error {
	if err := s.write(websocket.BinaryMessage, pcm); err != nil {
		return apperrors.ProviderTransient(s.provider, err)
	}
	if s.onSend != nil {
		s.onSend()
	}
	return nil
}

func (s *wsStream) Finalize() error {
	if s.finalizeMsg == nil || s.closed.Load() {
		return nil
	}
	return s.write(websocket.TextMessage, s.finalizeMsg)
}

func (s *wsStream) KeepAlive() error {
	if s.keepAliveMsg == nil || s.closed.Load() {
		return nil
	}
	return s.write(websocket.TextMessage, s.keepAliveMsg)
}

func (s *wsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	if s.closeMsg != nil {
		if msg := s.closeMsg(); msg != nil {
			s.conn.WriteMessage(websocket.TextMessage, msg)
		}
	}
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
