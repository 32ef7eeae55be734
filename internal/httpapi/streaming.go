// Package httpapi exposes the orchestrator over HTTP: workflow submission
// (sync and streaming), SSE/WebSocket event delivery with Last-Event-ID
// resume, and the durable catch-up endpoint.
package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/eventlog"
	"github.com/answerflow-ai/answerflow/internal/streaming"
)

const sseHeartbeat = 15 * time.Second

// StreamingHandler serves live workflow events. Resume order: the durable
// event log first (authoritative, survives restarts), then the in-memory
// ring for anything newer, then live delivery.
type StreamingHandler struct {
	mgr    *streaming.Manager
	events *eventlog.Store
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, events *eventlog.Store, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, events: events, logger: logger}
}

// RegisterRoutes registers the streaming routes on mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// handleSSE streams events for one workflow.
// GET /stream/sse?workflow_id=<id>, Last-Event-ID header or last_event_id
// query param to resume.
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	wf := r.URL.Query().Get("workflow_id")
	if wf == "" {
		http.Error(w, `{"error":"workflow_id required"}`, http.StatusBadRequest)
		return
	}
	lastID := resumePoint(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so nothing published in between is lost;
	// duplicates are filtered by sequence below.
	ch := h.mgr.Subscribe(wf, 256)
	defer h.mgr.Unsubscribe(wf, ch)

	fmt.Fprintf(w, ": connected to workflow %s\n\n", wf)
	flusher.Flush()

	maxSeen, sawTerminal := h.replaySSE(w, r, wf, lastID)
	flusher.Flush()
	if sawTerminal {
		// The run already finished; the backlog is the whole story.
		return
	}

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("sse client disconnected", zap.String("workflow_id", wf))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= maxSeen {
				continue
			}
			maxSeen = evt.Seq
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Type == "completed" || evt.Type == "error" {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// replaySSE writes the catch-up backlog and returns the highest sequence
// delivered plus whether the backlog already ended the run.
func (h *StreamingHandler) replaySSE(w http.ResponseWriter, r *http.Request, wf string, since uint64) (uint64, bool) {
	maxSeen := since
	sawTerminal := false
	if h.events != nil {
		logged, err := h.events.ReadSince(r.Context(), wf, since)
		if err != nil {
			h.logger.Warn("event log replay failed",
				zap.String("workflow_id", wf), zap.Error(err))
		}
		for _, e := range logged {
			writeSSE(w, streaming.Event{
				WorkflowID: e.WorkflowID,
				Type:       e.Type,
				Data:       e.Data,
				Timestamp:  e.Timestamp,
				Seq:        e.Sequence,
			})
			if e.Sequence > maxSeen {
				maxSeen = e.Sequence
			}
			if e.Type == "completed" || e.Type == "error" {
				sawTerminal = true
			}
		}
	}
	for _, evt := range h.mgr.ReplaySince(wf, maxSeen) {
		writeSSE(w, evt)
		if evt.Seq > maxSeen {
			maxSeen = evt.Seq
		}
		if evt.Type == "completed" || evt.Type == "error" {
			sawTerminal = true
		}
	}
	return maxSeen, sawTerminal
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
}

func resumePoint(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
