package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omi/listen-server/internal/events"
	"github.com/omi/listen-server/internal/middleware"
)

// EventsHandler streams the user's conversation events as server-sent
// events.
type EventsHandler struct {
	broker    *events.Broker
	heartbeat time.Duration
}

func NewEventsHandler(broker *events.Broker) *EventsHandler {
	return &EventsHandler{broker: broker, heartbeat: events.HeartbeatInterval}
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid := middleware.GetUID(r.Context())
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	ctx := r.Context()
	sub, err := h.broker.Subscribe(ctx, uid)
	if err != nil {
		log.Error().Err(err).Str("uid", uid).Msg("subscribe to conversation events")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Events unavailable"})
		return
	}
	defer h.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().Str("uid", uid).Msg("sse connection established")

	if err := sendEvent(w, flusher, "connected", map[string]any{"uid": uid}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("uid", uid).Msg("sse connection closed by client")
			return

		case <-sub.Done:
			log.Info().Str("uid", uid).Msg("sse connection closed by broker")
			return

		case event := <-sub.Events:
			if err := sendEvent(w, flusher, string(event.Type), event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("uid", uid).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
