package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/hub"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// clients authenticate with a token, not cookies
	CheckOrigin: func(r *http.Request) bool { return true },
}

// openConnection registers a push stream for the authenticated user.
func (h *Handler) openConnection(r *http.Request) (*hub.Connection, error) {
	id, err := h.snowflake.Generate()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return h.hub.Open(r.Context(), id, userFromContext(r.Context())), nil
}

// HandleEvents streams notifications as server-sent events until the client goes away.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, apperr.Internal(fmt.Errorf("streaming is not supported")))
		return
	}

	conn, err := h.openConnection(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer conn.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(pingInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, ok := <-conn.Notifications():
			if !ok {
				return
			}
			if !conn.Wants(n) {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.sugar.Error(err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleWebSocket is the websocket form of HandleEvents. Anything the client
// sends is ignored; a failed read ends the connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.sugar.Debug(err)
		return
	}
	defer ws.Close()

	conn, err := h.openConnection(r)
	if err != nil {
		h.sugar.Error(err)
		return
	}
	defer conn.Close()

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				h.sugar.Debugf("Websocket [%d] closed: %v", conn.ID, err)
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-disconnected:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case n, ok := <-conn.Notifications():
			if !ok {
				return
			}
			if !conn.Wants(n) {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(n); err != nil {
				h.sugar.Debugf("Websocket [%d] write failed: %v", conn.ID, err)
				return
			}
		}
	}
}
