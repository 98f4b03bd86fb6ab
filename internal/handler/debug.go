package handler

import (
	"net/http"
	"time"

	"github.com/omi/listen-server/internal/observability"
)

type DebugHandler struct {
	stats *observability.PusherStats
}

func NewDebugHandler(stats *observability.PusherStats) *DebugHandler {
	return &DebugHandler{stats: stats}
}

// GET /v1/debug/pusher
func (h *DebugHandler) Pusher(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pusher":    h.stats.Snapshot(),
		"timestamp": time.Now().UnixMilli(),
	})
}
