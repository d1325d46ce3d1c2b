package reconnect

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
)

const wsWriteTimeout = 10 * time.Second

func newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// handleWebSocket runs the same replay, marker, live, terminal sequence as the
// SSE variant with one JSON text message per frame.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	convID := r.URL.Query().Get("conversationId")

	data, rerr := h.authorize(r.Context(), convID)
	if rerr != nil {
		rerr.write(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered with an HTTP error
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// the client only ever closes; reading surfaces that as an error
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(payload any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return errors.Wrap(conn.WriteJSON(payload), "write websocket frame")
	}

	if data.IsComplete {
		if err := send(stream.NewCompleteResponse(data)); err == nil {
			closeNormally(conn)
		}
		return
	}

	tail, data := h.openTail(ctx, convID)
	defer tail.close()
	if data == nil {
		_ = send(map[string]string{"error": errNotFound.message})
		return
	}
	if data.IsComplete {
		if err := send(stream.NewCompleteResponse(data)); err == nil {
			closeNormally(conn)
		}
		return
	}

	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
	}
	if err := tail.relay(ctx, data, send, ping, h.keepalive); err != nil {
		tail.logger.Debug().Err(err).Msg("websocket tail terminated")
		return
	}
	closeNormally(conn)
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
