package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev-friendly; lock down via the fronting proxy in production.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS is the WebSocket twin of the SSE endpoint.
// GET /stream/ws?workflow_id=<id>&last_event_id=<n>
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	wf := r.URL.Query().Get("workflow_id")
	if wf == "" {
		http.Error(w, "workflow_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	lastID := resumePoint(r)

	ch := h.mgr.Subscribe(wf, 256)
	defer h.mgr.Unsubscribe(wf, ch)

	maxSeen := lastID
	if h.events != nil {
		logged, err := h.events.ReadSince(r.Context(), wf, lastID)
		if err != nil {
			h.logger.Warn("event log replay failed",
				zap.String("workflow_id", wf), zap.Error(err))
		}
		for _, e := range logged {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
			if e.Sequence > maxSeen {
				maxSeen = e.Sequence
			}
		}
	}
	for _, evt := range h.mgr.ReplaySince(wf, maxSeen) {
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
		if evt.Seq > maxSeen {
			maxSeen = evt.Seq
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader pump; client messages are discarded, reads only surface closes.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= maxSeen {
				continue
			}
			maxSeen = evt.Seq
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Type == "completed" || evt.Type == "error" {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
