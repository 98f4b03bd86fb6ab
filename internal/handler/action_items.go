package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/omi/listen-server/internal/errors"
	"github.com/omi/listen-server/internal/httputil"
	"github.com/omi/listen-server/internal/middleware"
	"github.com/omi/listen-server/internal/model"
	"github.com/omi/listen-server/internal/service"
	"github.com/omi/listen-server/internal/util"
)

type ActionItemHandler struct {
	items *service.ActionItemService
}

func NewActionItemHandler(items *service.ActionItemService) *ActionItemHandler {
	return &ActionItemHandler{items: items}
}

func (h *ActionItemHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListOpen)
	r.Patch("/{id}", h.Update)
	return r
}

// GET /v1/action-items
func (h *ActionItemHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	uid := middleware.GetUID(r.Context())
	items, err := h.items.Open(r.Context(), uid, ParseLimit(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if items == nil {
		items = []model.ActionItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// PATCH /v1/action-items/{id}
// Absent fields are left alone; "due_at": null clears the due date.
func (h *ActionItemHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid := middleware.GetUID(r.Context())
	id := chi.URLParam(r, "id")
	if !util.IsValidUUID(id) {
		httputil.WriteError(w, apperrors.ValidationError("invalid action item id"))
		return
	}

	var upd model.ActionItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		httputil.WriteError(w, apperrors.ValidationError("invalid request body"))
		return
	}

	item, err := h.items.Update(r.Context(), uid, id, upd)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
