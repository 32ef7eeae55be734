package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/answerflow-ai/answerflow/internal/config"
	"github.com/answerflow-ai/answerflow/internal/eventlog"
	"github.com/answerflow-ai/answerflow/internal/metrics"
	"github.com/answerflow-ai/answerflow/internal/sendqueue"
	"github.com/answerflow-ai/answerflow/internal/streaming"
	"github.com/answerflow-ai/answerflow/internal/workflows"
)

// WorkflowRun is a started run: its ID plus a blocking result fetch.
type WorkflowRun interface {
	ID() string
	Get(ctx context.Context, out *workflows.Result) error
}

// Runner starts answer workflows. Satisfied by TemporalRunner in production
// and by fakes in tests.
type Runner interface {
	Start(ctx context.Context, input workflows.Input) (WorkflowRun, error)
}

// TemporalRunner starts runs on a Temporal task queue.
type TemporalRunner struct {
	client    client.Client
	taskQueue string
}

func NewTemporalRunner(c client.Client, taskQueue string) *TemporalRunner {
	return &TemporalRunner{client: c, taskQueue: taskQueue}
}

type temporalRun struct{ run client.WorkflowRun }

func (r temporalRun) ID() string { return r.run.GetID() }

func (r temporalRun) Get(ctx context.Context, out *workflows.Result) error {
	return r.run.Get(ctx, out)
}

func (r *TemporalRunner) Start(ctx context.Context, input workflows.Input) (WorkflowRun, error) {
	run, err := r.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "answer-" + uuid.NewString(),
		TaskQueue: r.taskQueue,
	}, workflows.AnswerWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("start answer workflow: %w", err)
	}
	return temporalRun{run: run}, nil
}

// WorkflowHandler accepts answer requests and serves the durable catch-up
// endpoint.
type WorkflowHandler struct {
	runner  Runner
	queue   *sendqueue.Queue
	stream  *streaming.Manager
	events  *eventlog.Store
	cfg     *config.Manager
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewWorkflowHandler(runner Runner, queue *sendqueue.Queue, stream *streaming.Manager, events *eventlog.Store, cfg *config.Manager, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpCfg := cfg.Config().HTTP
	return &WorkflowHandler{
		runner:  runner,
		queue:   queue,
		stream:  stream,
		events:  events,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(httpCfg.RateLimitRPS), httpCfg.RateLimitBurst),
		logger:  logger,
	}
}

// RegisterRoutes registers the workflow routes on mux.
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/workflows", h.handleSubmit)
	mux.HandleFunc("GET /api/v1/workflows/{id}/events", h.handleEventsSince)
}

// submitRequest is one answer request. Stream selects SSE delivery over a
// single synchronous JSON response.
type submitRequest struct {
	Query       string   `json:"query"`
	ChatID      string   `json:"chat_id"`
	SessionID   string   `json:"session_id,omitempty"`
	ChatTitle   string   `json:"chat_title,omitempty"`
	ContextRefs []string `json:"context_refs,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

func (h *WorkflowHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeJSONError(w, http.StatusBadRequest, "query required")
		return
	}
	if req.ChatID == "" {
		writeJSONError(w, http.StatusBadRequest, "chat_id required")
		return
	}

	input := workflows.Input{
		Query:       req.Query,
		ChatID:      req.ChatID,
		SessionID:   req.SessionID,
		ChatTitle:   req.ChatTitle,
		ContextRefs: req.ContextRefs,
		Tunables:    h.cfg.Workflow(),
	}
	metrics.WorkflowsStarted.Inc()

	if req.Stream {
		h.submitStreaming(w, r, input)
		return
	}
	h.submitSync(w, r, input)
}

// submitSync runs the workflow through the conversation's send queue and
// responds once with the full result.
func (h *WorkflowHandler) submitSync(w http.ResponseWriter, r *http.Request, input workflows.Input) {
	var res workflows.Result
	errCh := h.queue.Enqueue(r.Context(), input.ChatID, func(ctx context.Context) error {
		run, err := h.runner.Start(ctx, input)
		if err != nil {
			return err
		}
		return run.Get(ctx, &res)
	})

	select {
	case <-r.Context().Done():
		// The workflow keeps running in Temporal; its outcome stays durable
		// and the client can catch up via the events endpoint.
		writeJSONError(w, http.StatusRequestTimeout, "client disconnected")
		return
	case err := <-errCh:
		if err != nil {
			metrics.WorkflowsCompleted.WithLabelValues(string(res.Path), "error").Inc()
			h.logger.Warn("workflow failed",
				zap.String("chat_id", input.ChatID), zap.Error(err))
			writeJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
	}

	metrics.WorkflowsCompleted.WithLabelValues(string(res.Path), "ok").Inc()
	writeJSON(w, http.StatusOK, res)
}

// submitStreaming starts the run through the send queue and relays its event
// stream as SSE until the terminal event.
func (h *WorkflowHandler) submitStreaming(w http.ResponseWriter, r *http.Request, input workflows.Input) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	runCh := make(chan WorkflowRun, 1)
	var res workflows.Result
	errCh := h.queue.Enqueue(r.Context(), input.ChatID, func(ctx context.Context) error {
		run, err := h.runner.Start(ctx, input)
		if err != nil {
			close(runCh)
			return err
		}
		runCh <- run
		return run.Get(ctx, &res)
	})

	var (
		run     WorkflowRun
		started bool
	)
	select {
	case run, started = <-runCh:
	case <-r.Context().Done():
		// Client gone while the task was still queued behind another run for
		// this chat; the queue skips the task without ever touching runCh.
		h.logger.Debug("streaming client disconnected before start",
			zap.String("chat_id", input.ChatID))
		return
	}
	if !started {
		err := <-errCh
		metrics.WorkflowsCompleted.WithLabelValues("", "error").Inc()
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	workflowID := run.ID()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.stream.Subscribe(workflowID, 256)
	defer h.stream.Unsubscribe(workflowID, ch)

	// Hand the client its workflow id up front so it can resume via
	// /stream/sse or the events endpoint if this connection drops.
	fmt.Fprintf(w, "event: workflow\ndata: {\"workflow_id\":%q}\n\n", workflowID)
	flusher.Flush()

	// Catch up on anything published before the subscription.
	var maxSeen uint64
	done := false
	for _, evt := range h.stream.ReplaySince(workflowID, 0) {
		writeSSE(w, evt)
		maxSeen = evt.Seq
		if evt.Type == "completed" || evt.Type == "error" {
			done = true
		}
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	for !done {
		select {
		case <-r.Context().Done():
			// Abandonment: the workflow keeps running; the client can resume
			// from the event log.
			h.logger.Debug("streaming client disconnected",
				zap.String("workflow_id", workflowID))
			return
		case evt, open := <-ch:
			if !open {
				done = true
				break
			}
			if evt.Seq <= maxSeen {
				continue
			}
			maxSeen = evt.Seq
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Type == "completed" || evt.Type == "error" {
				done = true
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}

	if err := <-errCh; err != nil {
		metrics.WorkflowsCompleted.WithLabelValues(string(res.Path), "error").Inc()
		return
	}
	metrics.WorkflowsCompleted.WithLabelValues(string(res.Path), "ok").Inc()
}

// handleEventsSince is the durable catch-up endpoint for reconnecting
// clients. GET /api/v1/workflows/{id}/events?since=<n>
func (h *WorkflowHandler) handleEventsSince(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	if workflowID == "" {
		writeJSONError(w, http.StatusBadRequest, "workflow id required")
		return
	}
	var since uint64
	if q := r.URL.Query().Get("since"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	events, err := h.events.ReadSince(r.Context(), workflowID, since)
	if err != nil {
		h.logger.Error("event catch-up read failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": workflowID,
		"since":       since,
		"events":      events,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
