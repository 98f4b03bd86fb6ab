package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/omi/listen-server/internal/errors"
)

const closeWriteTimeout = time.Second

// maxCloseReason keeps the close frame payload under the 125 byte limit.
const maxCloseReason = 120

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		// Device and app clients do not send a browser origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

// closeWith sends the close frame that matches err and closes the socket.
func closeWith(conn *websocket.Conn, err error) {
	code := apperrors.CloseCode(err)
	reason := ""
	if err != nil {
		if appErr, ok := apperrors.AsAppError(err); ok {
			reason = appErr.Message
		}
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if werr := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); werr != nil {
		log.Debug().Err(werr).Int("code", code).Msg("write close frame")
	}
	conn.Close()
}
