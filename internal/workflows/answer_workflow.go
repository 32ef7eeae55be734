package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/answerflow-ai/answerflow/internal/activities"
	"github.com/answerflow-ai/answerflow/internal/answer"
	"github.com/answerflow-ai/answerflow/internal/tokens"
)

// activityGrace pads activity timeouts past the in-activity stage budget so
// the typed StageTimeout error wins the race against Temporal's own deadline.
const activityGrace = 15 * time.Second

// AnswerWorkflow runs one question through plan → path selection → research →
// synthesis, emitting ordered events along the way. Stages never retry; any
// failure invalidates the run's token and surfaces as an error event plus a
// typed workflow error.
func AnswerWorkflow(ctx workflow.Context, input Input) (Result, error) {
	logger := workflow.GetLogger(ctx)
	workflowID := workflow.GetInfo(ctx).WorkflowExecution.ID
	start := workflow.Now(ctx)
	wf := input.Tunables

	logger.Info("Starting answer workflow",
		"workflow_id", workflowID,
		"chat_id", input.ChatID,
	)

	var a *activities.Activities

	fastCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: wf.StageBudgetFast + activityGrace,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	researchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: wf.StageBudgetResearch + activityGrace,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	// failRun invalidates the token and emits the error event before
	// rethrowing. Both cleanups are best-effort on a disconnected context so
	// they run even when the workflow context is already cancelled.
	failRun := func(stage string, err error) (Result, error) {
		logger.Error("Stage failed",
			"workflow_id", workflowID,
			"stage", stage,
			"error", err,
		)
		detached, _ := workflow.NewDisconnectedContext(ctx)
		cleanupCtx := workflow.WithActivityOptions(detached, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
			RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
		})
		if cerr := workflow.ExecuteActivity(cleanupCtx, a.InvalidateToken, workflowID).Get(cleanupCtx, nil); cerr != nil {
			logger.Warn("Token invalidation failed", "workflow_id", workflowID, "error", cerr)
		}
		if eerr := workflow.ExecuteActivity(cleanupCtx, a.EmitEvent, activities.Emission{
			WorkflowID: workflowID,
			Type:       activities.EventError,
			Stage:      stage,
			Message:    err.Error(),
			Data:       map[string]any{"error_type": activities.ErrorType(err)},
		}).Get(cleanupCtx, nil); eerr != nil {
			logger.Warn("Error event emission failed", "workflow_id", workflowID, "error", eerr)
		}
		// Failed runs keep their durable events until the TTL, but the replay
		// ring and token entry must not outlive the run.
		if rerr := workflow.ExecuteActivity(cleanupCtx, a.ReleaseRun, workflowID).Get(cleanupCtx, nil); rerr != nil {
			logger.Warn("Run state release failed", "workflow_id", workflowID, "error", rerr)
		}
		return Result{}, err
	}

	var token tokens.Token
	if err := workflow.ExecuteActivity(fastCtx, a.IssueToken, activities.IssueTokenInput{
		WorkflowID: workflowID,
		ChatID:     input.ChatID,
		SessionID:  input.SessionID,
		Tunables:   wf,
	}).Get(fastCtx, &token); err != nil {
		return failRun("token", err)
	}

	var (
		path        Path
		answerText  string
		recovered   bool
		planOut     activities.PlanOutput
		researchOut activities.ResearchOutput
	)

	if canned, ok := MatchInstant(input.Query); ok {
		path = PathInstant
		var synth activities.SynthesizeOutput
		if err := workflow.ExecuteActivity(fastCtx, a.EmitAnswer, activities.EmitAnswerInput{
			WorkflowID: workflowID,
			Answer:     canned,
		}).Get(fastCtx, &synth); err != nil {
			return failRun("synthesis", err)
		}
		answerText = synth.Answer
	} else {
		if err := workflow.ExecuteActivity(fastCtx, a.Plan, activities.PlanInput{
			WorkflowID:  workflowID,
			ChatID:      input.ChatID,
			Query:       input.Query,
			ContextRefs: input.ContextRefs,
			Tunables:    wf,
		}).Get(fastCtx, &planOut); err != nil {
			return failRun("planning", err)
		}

		path = ChoosePath(planOut.Plan, wf.SkipResearchThreshold)
		logger.Info("Path selected",
			"workflow_id", workflowID,
			"path", string(path),
			"confidence", planOut.Plan.ConfidenceLevel,
		)

		if path == PathParallel {
			if err := workflow.ExecuteActivity(researchCtx, a.Research, activities.ResearchInput{
				WorkflowID: workflowID,
				Query:      input.Query,
				Plan:       planOut.Plan,
				Tunables:   wf,
			}).Get(researchCtx, &researchOut); err != nil {
				return failRun("research", err)
			}
		}

		if researchOut.Recovered {
			// Turn-budget recovery already produced final answer text; stream
			// it instead of synthesizing again.
			recovered = true
			var synth activities.SynthesizeOutput
			if err := workflow.ExecuteActivity(fastCtx, a.EmitAnswer, activities.EmitAnswerInput{
				WorkflowID: workflowID,
				Answer:     researchOut.RecoveredAnswer,
			}).Get(fastCtx, &synth); err != nil {
				return failRun("synthesis", err)
			}
			answerText = synth.Answer
		} else {
			var synth activities.SynthesizeOutput
			if err := workflow.ExecuteActivity(fastCtx, a.Synthesize, activities.SynthesizeInput{
				WorkflowID:     workflowID,
				Query:          input.Query,
				UserIntent:     planOut.Plan.UserIntent,
				Research:       researchOut.Research,
				ScrapedContent: researchOut.ScrapedContent,
				History:        planOut.History,
				Tunables:       wf,
			}).Get(fastCtx, &synth); err != nil {
				return failRun("synthesis", err)
			}
			answerText = synth.Answer
		}
	}

	parsed := answer.Parse(answerText)

	var completion activities.CompleteTokenOutput
	if err := workflow.ExecuteActivity(fastCtx, a.CompleteToken, activities.CompleteTokenInput{
		WorkflowID: workflowID,
		Answer:     parsed.Answer,
	}).Get(fastCtx, &completion); err != nil {
		return failRun("completion", err)
	}

	var persisted activities.PersistOutput
	if err := workflow.ExecuteActivity(fastCtx, a.PersistResult, activities.PersistInput{
		WorkflowID:    workflowID,
		ChatID:        input.ChatID,
		SessionID:     input.SessionID,
		Query:         input.Query,
		Answer:        parsed.Answer,
		UserIntent:    planOut.Plan.UserIntent,
		ChatTitle:     input.ChatTitle,
		Sources:       parsed.SourcesUsed,
		Confidence:    parsed.Confidence,
		Completeness:  string(parsed.Completeness),
		SearchResults: researchOut.SearchResults,
		ContextRefs:   input.ContextRefs,
	}).Get(fastCtx, &persisted); err != nil {
		return failRun("persistence", err)
	}

	if err := workflow.ExecuteActivity(fastCtx, a.EmitEvent, activities.Emission{
		WorkflowID: workflowID,
		Type:       activities.EventCompleted,
		Data: map[string]any{
			"assistant_message_id": persisted.MessageID,
			"workflow_id":          workflowID,
			"answer":               parsed.Answer,
			"sources":              parsed.SourcesUsed,
			"context_references":   input.ContextRefs,
			"signature":            completion.Signature,
		},
	}).Get(fastCtx, nil); err != nil {
		// The run already succeeded durably; a lost completion event only
		// degrades live delivery.
		logger.Warn("Completion event emission failed", "workflow_id", workflowID, "error", err)
	}

	// The outcome is durable; drop the event log, replay buffer, and token
	// before returning. The disconnected context lets the purge finish even
	// under cancellation; failures are logged, never surfaced.
	detached, _ := workflow.NewDisconnectedContext(ctx)
	purgeCtx := workflow.WithActivityOptions(detached, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
	if err := workflow.ExecuteActivity(purgeCtx, a.PurgeEvents, workflowID).Get(purgeCtx, nil); err != nil {
		logger.Warn("Event purge failed", "workflow_id", workflowID, "error", err)
	}

	logger.Info("Answer workflow completed",
		"workflow_id", workflowID,
		"path", string(path),
		"sources", len(parsed.SourcesUsed),
	)

	return Result{
		WorkflowID:  workflowID,
		MessageID:   persisted.MessageID,
		Answer:      parsed.Answer,
		Sources:     parsed.SourcesUsed,
		ContextRefs: input.ContextRefs,
		Signature:   completion.Signature,
		Path:        path,
		Confidence:  parsed.Confidence,
		Recovered:   recovered,
		Duration:    workflow.Now(ctx).Sub(start),
	}, nil
}
