package activities

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/answerflow-ai/answerflow/internal/stagetimeout"
)

// Application error types crossing the activity boundary. The workflow and
// API layer branch on these, never on message text.
const (
	TypePlanningFailed        = "PlanningFailed"
	TypeResearchOutputInvalid = "ResearchOutputInvalid"
	TypeToolErrorThreshold    = "ToolErrorThresholdExceeded"
	TypeStageTimeout          = "StageTimeout"
	TypeEmptySynthesisOutput  = "EmptySynthesisOutput"
	TypeNoUsableOutput        = "NoUsableOutput"
)

// asStageError maps a stage failure to a typed, non-retryable application
// error. Stage budget overruns keep their own type regardless of fallback so
// callers can always tell "too slow" from "broken".
func asStageError(err error, fallbackType string) error {
	var timeout *stagetimeout.Error
	if errors.As(err, &timeout) {
		return temporal.NewNonRetryableApplicationError(timeout.Error(), TypeStageTimeout, err, timeout.Stage)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), fallbackType, err)
}

// ErrorType extracts the application error type from a workflow or activity
// failure, unwrapping Temporal's layering. Empty when the error carries none.
func ErrorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type()
	}
	return ""
}
