package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/listen"
	"github.com/omi/listen-server/internal/middleware"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/repository"
)

// ListenHandler upgrades listen requests and runs a session per socket.
type ListenHandler struct {
	users    repository.UserRepository
	deps     listen.Deps
	upgrader websocket.Upgrader
}

func NewListenHandler(users repository.UserRepository, deps listen.Deps) *ListenHandler {
	return &ListenHandler{users: users, deps: deps, upgrader: newUpgrader()}
}

// Multi serves /v1/listen/multi, whose binary frames start with a channel
// id byte.
func (h *ListenHandler) Multi(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true)
}

// Single serves /v1/listen.
func (h *ListenHandler) Single(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, false)
}

func (h *ListenHandler) serve(w http.ResponseWriter, r *http.Request, multi bool) {
	ctx := r.Context()
	uid := middleware.GetUID(ctx)
	params, paramErr := listen.ParseParams(r.URL.Query(), uid, multi)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("uid", uid).Msg("listen upgrade failed")
		return
	}
	if paramErr != nil {
		log.Info().Err(paramErr).Str("uid", uid).Msg("rejecting listen socket")
		closeWith(conn, paramErr)
		return
	}

	user, err := h.users.GetUserContext(ctx, uid)
	if err != nil {
		log.Error().Err(err).Str("uid", uid).Msg("load user context")
		closeWith(conn, apperrors.External("firestore", err))
		return
	}
	if user == nil {
		user = &model.UserContext{UID: uid}
	}

	sess := listen.NewSession(conn, params, user, h.deps)
	closeWith(conn, sess.Run(ctx))
}
