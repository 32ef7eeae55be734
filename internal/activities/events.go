package activities

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/eventlog"
	"github.com/answerflow-ai/answerflow/internal/metrics"
	"github.com/answerflow-ai/answerflow/internal/streaming"
)

// Event types on the wire. Progress marks stage transitions, reasoning
// carries research deltas, content carries synthesis deltas; completed and
// error terminate the stream.
const (
	EventProgress  = "progress"
	EventReasoning = "reasoning"
	EventContent   = "content"
	EventCompleted = "completed"
	EventError     = "error"
)

// Emission is one event to record and broadcast. Sequence numbers are
// assigned at emission time so the log stays gapless across stages.
type Emission struct {
	WorkflowID string         `json:"workflow_id"`
	Type       string         `json:"type"`
	Stage      string         `json:"stage,omitempty"`
	Message    string         `json:"message,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// EmitEvent appends an event to the durable log and publishes it to live
// subscribers. Returns the assigned sequence number.
func (a *Activities) EmitEvent(ctx context.Context, e Emission) (uint64, error) {
	return a.emit(ctx, e)
}

func (a *Activities) emit(ctx context.Context, e Emission) (uint64, error) {
	seq, err := a.events.Next(ctx, e.WorkflowID)
	if err != nil {
		return 0, err
	}

	var data json.RawMessage
	if len(e.Data) > 0 {
		if data, err = json.Marshal(e.Data); err != nil {
			return 0, err
		}
	}
	now := time.Now().UTC()

	payload := map[string]any{}
	for k, v := range e.Data {
		payload[k] = v
	}
	if e.Stage != "" {
		payload["stage"] = e.Stage
	}
	if e.Message != "" {
		payload["message"] = e.Message
	}
	logData, _ := json.Marshal(payload)

	if err := a.events.Append(ctx, eventlog.Event{
		WorkflowID: e.WorkflowID,
		Sequence:   seq,
		Type:       e.Type,
		Data:       logData,
		Timestamp:  now,
	}); err != nil {
		// The live path still gets the event; a reconnecting client may miss
		// this one entry on replay.
		a.logger.Warn("event log append failed",
			zap.String("workflow_id", e.WorkflowID),
			zap.Uint64("seq", seq),
			zap.Error(err))
	} else {
		metrics.EventsAppended.Inc()
	}

	a.stream.Publish(streaming.Event{
		WorkflowID: e.WorkflowID,
		Type:       e.Type,
		Stage:      e.Stage,
		Message:    e.Message,
		Data:       data,
		Timestamp:  now,
		Seq:        seq,
	})
	return seq, nil
}

// emitBestEffort is for in-stage progress where emission failure must not
// fail the stage.
func (a *Activities) emitBestEffort(ctx context.Context, e Emission) {
	if _, err := a.emit(ctx, e); err != nil {
		a.logger.Warn("event emission failed",
			zap.String("workflow_id", e.WorkflowID),
			zap.String("type", e.Type),
			zap.Error(err))
	}
}

// PurgeEvents drops the event log, the live replay buffer, and the in-memory
// token for a finished run. Best-effort: the run outcome is already durable
// by the time this runs.
func (a *Activities) PurgeEvents(ctx context.Context, workflowID string) error {
	if err := a.events.Purge(ctx, workflowID); err != nil {
		a.logger.Warn("event log purge failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
	a.stream.Forget(workflowID)
	a.tokens.Evict(workflowID)
	return nil
}

// ReleaseRun drops a failed run's in-memory state: the live replay ring and
// the terminal token. The durable event log is kept until its TTL so a
// reconnecting client can still observe the error event.
func (a *Activities) ReleaseRun(ctx context.Context, workflowID string) error {
	a.stream.Forget(workflowID)
	a.tokens.Evict(workflowID)
	return nil
}
