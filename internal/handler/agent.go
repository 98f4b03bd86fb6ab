package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/omi/listen-server/internal/agentloop"
	"github.com/omi/listen-server/internal/agentproxy"
	"github.com/omi/listen-server/internal/audit"
	"github.com/omi/listen-server/internal/config"
	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/httputil"
	"github.com/omi/listen-server/internal/middleware"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/repository"
	"github.com/omi/listen-server/internal/service"
)

const agentSystemPrompt = "You are the user's personal assistant. You can read their recent conversations and action items with the tools provided. Answer briefly."

// AgentHandler serves the agent VM socket and the in-process agentic chat.
type AgentHandler struct {
	auth     *middleware.AuthMiddleware
	users    repository.UserRepository
	bridge   *agentproxy.Bridge
	chat     *service.ChatService
	loop     *agentloop.Loop
	upgrader websocket.Upgrader
}

func NewAgentHandler(
	auth *middleware.AuthMiddleware,
	users repository.UserRepository,
	bridge *agentproxy.Bridge,
	chat *service.ChatService,
	loop *agentloop.Loop,
) *AgentHandler {
	return &AgentHandler{
		auth:     auth,
		users:    users,
		bridge:   bridge,
		chat:     chat,
		loop:     loop,
		upgrader: newUpgrader(),
	}
}

// Routes are mounted behind the auth middleware. The socket authenticates
// itself so it can answer with a close code.
func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/chat", h.Chat)
	return r
}

// Socket serves /v1/agent/ws.
func (h *AgentHandler) Socket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := middleware.ExtractToken(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("agent upgrade failed")
		return
	}

	uid, err := h.auth.Authenticate(ctx, token)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeAuthFailed) {
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"path": r.URL.Path},
			})
		}
		closeWith(conn, err)
		return
	}

	user, err := h.users.GetUserContext(ctx, uid)
	if err != nil {
		log.Error().Err(err).Str("uid", uid).Msg("load user context")
		closeWith(conn, apperrors.External("firestore", err))
		return
	}
	if user == nil || user.AgentVM == nil {
		closeWith(conn, apperrors.NoVM())
		return
	}

	closeWith(conn, h.bridge.Serve(ctx, conn, user, token))
}

type agentChatRequest struct {
	Prompt string `json:"prompt"`
}

// Chat runs one agentic turn and streams its frames as server-sent events.
func (h *AgentHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := middleware.GetUID(ctx)
	if h.loop == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Agent chat is not configured"})
		return
	}

	var req agentChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		httputil.WriteError(w, apperrors.ValidationError("prompt is required"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	user, err := h.users.GetUserContext(ctx, uid)
	if err != nil {
		httputil.WriteError(w, apperrors.External("firestore", err))
		return
	}
	level := model.ProtectionStandard
	if user != nil && user.DataProtectionLevel != "" {
		level = user.DataProtectionLevel
	}

	session, err := h.chat.DefaultSession(ctx, uid)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	history, err := h.chat.History(ctx, uid, session.ID, config.ChatHistoryLimit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: agentSystemPrompt}}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Sender == model.SenderAI {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	if _, err := h.chat.SaveMessage(ctx, uid, session.ID, prompt, model.SenderHuman, level); err != nil {
		log.Error().Err(err).Str("uid", uid).Msg("save chat prompt")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	answer, err := h.loop.Run(ctx, uid, messages, func(f agentloop.Frame) error {
		return sendEvent(w, flusher, f.Type, f)
	})
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrCodeSafetyAbort) {
			log.Error().Err(err).Str("uid", uid).Msg("agent chat turn failed")
			_ = sendEvent(w, flusher, "error", agentloop.Frame{Type: "error", Message: "Something went wrong. Please try again."})
		}
		return
	}
	if answer != "" {
		if _, err := h.chat.SaveMessage(ctx, uid, session.ID, answer, model.SenderAI, level); err != nil {
			log.Error().Err(err).Str("uid", uid).Msg("save chat answer")
		}
	}
	_ = sendEvent(w, flusher, "done", map[string]string{"type": "done"})
}
