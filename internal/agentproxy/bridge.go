// Package agentproxy bridges a client WebSocket to the user's agent VM,
// starting the VM on demand and keeping the chat history in step.
package agentproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/omi/listen-server/internal/config"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/observability"
	"github.com/omi/listen-server/internal/repository"
	"github.com/omi/listen-server/internal/service"
)

// errPumpDone ends the task group when either side hangs up.
var errPumpDone = errors.New("pump done")

// Conn is the subset of *websocket.Conn the bridge uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type Options struct {
	VMPort             int
	HealthProbeTimeout time.Duration
	HealthPollDeadline time.Duration
	HealthPollInterval time.Duration
	KeepaliveInterval  time.Duration
	HistoryLimit       int
}

func DefaultOptions(vmPort int) Options {
	return Options{
		VMPort:             vmPort,
		HealthProbeTimeout: config.VMHealthProbeTimeout,
		HealthPollDeadline: config.VMHealthPollDeadline,
		HealthPollInterval: 2 * time.Second,
		KeepaliveInterval:  config.VMKeepaliveInterval,
		HistoryLimit:       config.ChatHistoryLimit,
	}
}

type Bridge struct {
	users      repository.UserRepository
	vms        VMController
	chat       *service.ChatService
	metrics    *observability.Metrics
	httpClient *http.Client
	dialer     *websocket.Dialer
	opts       Options
}

func NewBridge(users repository.UserRepository, vms VMController, chat *service.ChatService, metrics *observability.Metrics, opts Options) *Bridge {
	return &Bridge{
		users:      users,
		vms:        vms,
		chat:       chat,
		metrics:    metrics,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		opts:       opts,
	}
}

func (b *Bridge) logger(uid string) *zerolog.Logger {
	l := log.With().Str("component", "agentproxy").Str("uid", uid).Logger()
	return &l
}

type statusFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// vmFrame is the part of a VM frame the bridge reads.
type vmFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Result string `json:"result"`
}

// session is one bridged connection.
type session struct {
	b         *Bridge
	user      *model.UserContext
	sessionID string
	client    Conn
	vm        Conn
	logger    *zerolog.Logger

	writeMu        sync.Mutex
	firstQuerySent bool
	saves          sync.WaitGroup
}

func (s *session) writeClient(mt int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.client.WriteMessage(mt, data)
}

func (s *session) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeClient(websocket.TextMessage, data)
}

// Serve runs the bridge for an accepted client socket until either side
// hangs up. bearer is the client's token, handed to the VM for callbacks.
// The returned error, if any, decides the close code.
func (b *Bridge) Serve(ctx context.Context, client Conn, user *model.UserContext, bearer string) error {
	s := &session{b: b, user: user, client: client, logger: b.logger(user.UID)}

	b.metrics.SessionStarted("agent")
	started := time.Now()
	var err error
	defer func() {
		b.metrics.SessionEnded("agent", strconv.Itoa(apperrors.CloseCode(err)), time.Since(started))
	}()

	vm, err := b.EnsureVM(ctx, user.UID, user.AgentVM, func(msg string) {
		if err := s.sendJSON(statusFrame{Type: "status", Message: msg}); err != nil {
			s.logger.Debug().Err(err).Msg("send status")
		}
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("agent vm not available")
		msg := err.Error()
		if appErr, ok := apperrors.AsAppError(err); ok {
			msg = appErr.Message
		}
		_ = s.sendJSON(statusFrame{Type: "error", Message: msg})
		return err
	}

	chat, err := b.chat.DefaultSession(ctx, user.UID)
	if err != nil {
		return err
	}
	s.sessionID = chat.ID

	vmURL := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(vm.IP, strconv.Itoa(b.opts.VMPort)),
		Path:     "/ws",
		RawQuery: url.Values{"token": {vm.AuthToken}}.Encode(),
	}
	vmConn, resp, dialErr := b.dialer.DialContext(ctx, vmURL.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if dialErr != nil {
		err = apperrors.VMUnhealthy().WithCause(dialErr)
		_ = s.sendJSON(statusFrame{Type: "error", Message: "could not reach your agent VM"})
		return err
	}
	s.vm = vmConn
	defer vmConn.Close()

	go b.forwardToken(context.WithoutCancel(ctx), s.logger, vm, bearer)

	s.logger.Info().Str("vm", vm.VMName).Str("chatSessionId", s.sessionID).Msg("agent bridge open")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.clientToVM(gctx) })
	g.Go(func() error { return s.vmToClient(gctx) })
	g.Go(func() error { return s.keepalive(gctx, vm) })
	go func() {
		<-gctx.Done()
		_ = client.SetReadDeadline(time.Now())
		_ = vmConn.SetReadDeadline(time.Now())
	}()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, errPumpDone) && !errors.Is(werr, context.Canceled) {
		err = werr
	}
	s.saves.Wait()

	s.logger.Info().Dur("duration", time.Since(started)).Msg("agent bridge closed")
	return err
}

// forwardToken hands the client's token to the VM so it can call back-end
// tools on the user's behalf.
func (b *Bridge) forwardToken(ctx context.Context, logger *zerolog.Logger, vm *model.AgentVM, bearer string) {
	body, _ := json.Marshal(map[string]string{"token": bearer})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL(vm.IP)+"/auth", bytes.NewReader(body))
	if err != nil {
		logger.Warn().Err(err).Msg("build vm auth request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+vm.AuthToken)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("forward token to vm")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Msg("vm rejected token")
	}
}

func (s *session) clientToVM(ctx context.Context) error {
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("client read")
			}
			return errPumpDone
		}
		if mt == websocket.TextMessage {
			data = s.rewriteQuery(ctx, data)
		}
		if err := s.vm.WriteMessage(mt, data); err != nil {
			s.logger.Debug().Err(err).Msg("vm write")
			return errPumpDone
		}
	}
}

// rewriteQuery prepends the chat history to the first query of the
// connection and saves every query as a user turn. Frames that are not
// queries pass unchanged.
func (s *session) rewriteQuery(ctx context.Context, data []byte) []byte {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil || msg["type"] != "query" {
		return data
	}
	prompt, _ := msg["prompt"].(string)

	if !s.firstQuerySent {
		s.firstQuerySent = true
		history, err := s.b.chat.History(ctx, s.user.UID, s.sessionID, s.b.opts.HistoryLimit)
		if err != nil {
			s.logger.Warn().Err(err).Msg("load chat history")
		} else if block := service.FormatHistory(history); block != "" {
			msg["prompt"] = service.PrependHistory(block, prompt)
			if rewritten, err := json.Marshal(msg); err == nil {
				data = rewritten
			}
		}
	}

	if strings.TrimSpace(prompt) != "" {
		s.saveAsync(ctx, prompt, model.SenderHuman)
	}
	return data
}

func (s *session) vmToClient(ctx context.Context) error {
	var pending strings.Builder
	defer func() {
		if pending.Len() > 0 {
			s.save(context.WithoutCancel(ctx), pending.String(), model.SenderAI)
		}
	}()

	for {
		mt, data, err := s.vm.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Info().Err(err).Msg("vm connection closed")
			}
			return errPumpDone
		}
		if err := s.writeClient(mt, data); err != nil {
			s.logger.Debug().Err(err).Msg("client write")
			return errPumpDone
		}
		if mt != websocket.TextMessage {
			continue
		}

		var frame vmFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "text_delta":
			pending.WriteString(frame.Text)
		case "result":
			text := pending.String()
			if text == "" {
				text = frame.Result
			}
			if text == "" {
				text = frame.Text
			}
			pending.Reset()
			if text != "" {
				s.saveAsync(ctx, text, model.SenderAI)
			}
		}
	}
}

func (s *session) saveAsync(ctx context.Context, text string, sender model.MessageSender) {
	ctx = context.WithoutCancel(ctx)
	s.saves.Add(1)
	go func() {
		defer s.saves.Done()
		s.save(ctx, text, sender)
	}()
}

func (s *session) save(ctx context.Context, text string, sender model.MessageSender) {
	if _, err := s.b.chat.SaveMessage(ctx, s.user.UID, s.sessionID, text, sender, s.user.DataProtectionLevel); err != nil {
		s.logger.Error().Err(err).Str("sender", string(sender)).Msg("save chat message")
	}
}

// keepalive pings the VM so it does not stop itself while the client is
// connected.
func (s *session) keepalive(ctx context.Context, vm *model.AgentVM) error {
	ticker := time.NewTicker(s.b.opts.KeepaliveInterval)
	defer ticker.Stop()
	pingURL := s.b.baseURL(vm.IP) + "/ping?" + url.Values{"token": {vm.AuthToken}}.Encode()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, pingURL, nil)
			if err != nil {
				continue
			}
			resp, err := s.b.httpClient.Do(req)
			if err != nil {
				s.logger.Debug().Err(err).Msg("vm keepalive")
				continue
			}
			resp.Body.Close()
		}
	}
}
