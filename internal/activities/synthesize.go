package activities

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"

	"github.com/answerflow-ai/answerflow/internal/config"
	"github.com/answerflow-ai/answerflow/internal/llm"
	"github.com/answerflow-ai/answerflow/internal/metrics"
	"github.com/answerflow-ai/answerflow/internal/stagetimeout"
)

// SynthesizeInput carries the accumulated context for the final answer. For
// the fast path Research is the zero value and History does the work.
type SynthesizeInput struct {
	WorkflowID     string                `json:"workflow_id"`
	Query          string                `json:"query"`
	UserIntent     string                `json:"user_intent"`
	Research       llm.ResearchResponse  `json:"research"`
	ScrapedContent string                `json:"scraped_content,omitempty"`
	History        []llm.Message         `json:"history,omitempty"`
	Tunables       config.WorkflowConfig `json:"tunables"`
}

// SynthesizeOutput is the full answer text plus how many content deltas were
// streamed on the way.
type SynthesizeOutput struct {
	Answer string `json:"answer"`
	Deltas int    `json:"deltas"`
}

// Synthesize streams the final answer, emitting one content event per delta.
// A run that produces a final value without deltas still emits exactly one
// content event so consumers always see the text arrive on the stream.
func (a *Activities) Synthesize(ctx context.Context, in SynthesizeInput) (SynthesizeOutput, error) {
	wf := in.Tunables
	start := time.Now()

	a.emitBestEffort(ctx, Emission{
		WorkflowID: in.WorkflowID,
		Type:       EventProgress,
		Stage:      "synthesis",
		Message:    "Writing the answer",
	})

	deltas := 0
	answer, err := stagetimeout.Run(ctx, "synthesis", wf.StageBudgetFast,
		func(ctx context.Context) (string, error) {
			return a.llm.Synthesize(ctx, llm.SynthesizeRequest{
				Query:           in.Query,
				UserIntent:      in.UserIntent,
				ResearchSummary: in.Research.ResearchSummary,
				KeyFindings:     in.Research.KeyFindings,
				SourcesUsed:     in.Research.SourcesUsed,
				ScrapedContent:  in.ScrapedContent,
				History:         in.History,
			}, func(delta string) {
				deltas++
				metrics.SynthesisDeltas.Inc()
				a.emitBestEffort(ctx, Emission{
					WorkflowID: in.WorkflowID,
					Type:       EventContent,
					Stage:      "synthesis",
					Data:       map[string]any{"delta": delta},
				})
			})
		})
	metrics.StageDuration.WithLabelValues("synthesis").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StageFailures.WithLabelValues("synthesis", "model").Inc()
		return SynthesizeOutput{}, asStageError(err, TypeEmptySynthesisOutput)
	}

	if strings.TrimSpace(answer) == "" {
		metrics.StageFailures.WithLabelValues("synthesis", "empty").Inc()
		err := fmt.Errorf("synthesis produced no answer text")
		return SynthesizeOutput{}, temporal.NewNonRetryableApplicationError(
			err.Error(), TypeEmptySynthesisOutput, err)
	}

	if deltas == 0 {
		// Final-only output: synthesize the single delta downstream consumers
		// rely on.
		deltas = 1
		metrics.SynthesisDeltas.Inc()
		a.emitBestEffort(ctx, Emission{
			WorkflowID: in.WorkflowID,
			Type:       EventContent,
			Stage:      "synthesis",
			Data:       map[string]any{"delta": answer},
		})
	}
	return SynthesizeOutput{Answer: answer, Deltas: deltas}, nil
}

// EmitAnswerInput is an answer produced outside synthesis: the instant path
// and turn-budget recovery.
type EmitAnswerInput struct {
	WorkflowID string `json:"workflow_id"`
	Answer     string `json:"answer"`
}

// EmitAnswer streams a pre-made answer as a single content event, keeping the
// "at least one content event per run" contract.
func (a *Activities) EmitAnswer(ctx context.Context, in EmitAnswerInput) (SynthesizeOutput, error) {
	if strings.TrimSpace(in.Answer) == "" {
		err := fmt.Errorf("no answer text to emit")
		return SynthesizeOutput{}, temporal.NewNonRetryableApplicationError(
			err.Error(), TypeEmptySynthesisOutput, err)
	}
	metrics.SynthesisDeltas.Inc()
	a.emitBestEffort(ctx, Emission{
		WorkflowID: in.WorkflowID,
		Type:       EventContent,
		Stage:      "synthesis",
		Data:       map[string]any{"delta": in.Answer},
	})
	return SynthesizeOutput{Answer: in.Answer, Deltas: 1}, nil
}
