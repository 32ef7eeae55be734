package activities

import (
	"context"
	"fmt"
	"time"

	"github.com/answerflow-ai/answerflow/internal/config"
	"github.com/answerflow-ai/answerflow/internal/llm"
	"github.com/answerflow-ai/answerflow/internal/metrics"
	"github.com/answerflow-ai/answerflow/internal/stagetimeout"
)

const historyTurnsForContext = 10

// PlanInput carries the query and conversation identity into planning, plus
// the run's config snapshot so a hot reload never shifts its budget mid-run.
type PlanInput struct {
	WorkflowID  string                `json:"workflow_id"`
	ChatID      string                `json:"chat_id"`
	Query       string                `json:"query"`
	ContextRefs []string              `json:"context_refs,omitempty"`
	Tunables    config.WorkflowConfig `json:"tunables"`
}

// PlanOutput is the structured research intent plus the conversation turns
// that informed it, so later stages reuse them without a second read.
type PlanOutput struct {
	Plan    llm.PlanResponse `json:"plan"`
	History []llm.Message    `json:"history,omitempty"`
}

// Plan turns the user query into a structured research intent. Fails typed
// PlanningFailed on model errors and on output that misses the schema.
func (a *Activities) Plan(ctx context.Context, in PlanInput) (PlanOutput, error) {
	wf := in.Tunables
	start := time.Now()

	a.emitBestEffort(ctx, Emission{
		WorkflowID: in.WorkflowID,
		Type:       EventProgress,
		Stage:      "planning",
		Message:    "Analyzing your question",
	})

	history, err := a.recentHistory(ctx, in.ChatID)
	if err != nil {
		// Planning can proceed without context; losing it degrades quality,
		// not correctness.
		a.logger.Warn("conversation history unavailable for planning", zapWorkflow(in.WorkflowID, err)...)
		history = nil
	}

	plan, err := stagetimeout.Run(ctx, "planning", wf.StageBudgetFast,
		func(ctx context.Context) (llm.PlanResponse, error) {
			return a.llm.Plan(ctx, llm.PlanRequest{
				Query:       in.Query,
				History:     history,
				ContextRefs: in.ContextRefs,
			})
		})
	metrics.StageDuration.WithLabelValues("planning").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StageFailures.WithLabelValues("planning", "model").Inc()
		return PlanOutput{}, asStageError(err, TypePlanningFailed)
	}

	if err := validatePlan(plan); err != nil {
		metrics.StageFailures.WithLabelValues("planning", "schema").Inc()
		return PlanOutput{}, asStageError(err, TypePlanningFailed)
	}
	return PlanOutput{Plan: plan, History: history}, nil
}

func validatePlan(p llm.PlanResponse) error {
	if p.UserIntent == "" {
		return fmt.Errorf("planning output missing user intent")
	}
	if p.ConfidenceLevel < 0 || p.ConfidenceLevel > 1 {
		return fmt.Errorf("planning confidence %v outside [0,1]", p.ConfidenceLevel)
	}
	return nil
}

func (a *Activities) recentHistory(ctx context.Context, chatID string) ([]llm.Message, error) {
	if a.history == nil || chatID == "" {
		return nil, nil
	}
	turns, err := a.history.Recent(ctx, chatID, historyTurnsForContext)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out, nil
}
