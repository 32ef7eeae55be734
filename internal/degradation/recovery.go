// Package degradation implements the one-time fallback applied when the
// model exhausts its turn budget mid-research. It is a ladder, not a retry
// loop: each rung is tried once, in priority order.
package degradation

import (
	"errors"

	"go.uber.org/zap"
)

// ErrNoUsableOutput means the run produced nothing recoverable: no answer
// text, no search results, no scraped pages.
var ErrNoUsableOutput = errors.New("no usable output after turn budget exhausted")

// Outcome names the rung of the recovery ladder that applied.
type Outcome string

const (
	// OutcomeRecovered: streamed answer text is treated as the final answer.
	OutcomeRecovered Outcome = "recovered"
	// OutcomePartial: harvested material is surfaced; the caller decides
	// whether to continue to synthesis with partial data.
	OutcomePartial Outcome = "partial"
	// OutcomeUnusable: nothing recoverable.
	OutcomeUnusable Outcome = "unusable"
)

// Policy controls what an unusable run reports to the caller.
type Policy string

const (
	// PolicyFail surfaces the failure as-is.
	PolicyFail Policy = "fail"
	// PolicyResubmitHint marks the failure retryable so the caller may
	// re-submit a new run with reduced scope. The orchestrator itself never
	// retries.
	PolicyResubmitHint Policy = "resubmit_hint"
)

// Input is what the interrupted research stage salvaged.
type Input struct {
	AccumulatedText string
	SearchResults   int
	ScrapedPages    int
}

// Result is the recovery decision.
type Result struct {
	Outcome   Outcome
	Answer    string // set when Outcome == OutcomeRecovered
	Retryable bool   // set for unusable runs under PolicyResubmitHint
}

// Resolve walks the recovery ladder for a turn-budget exhaustion.
func Resolve(in Input, policy Policy, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if in.AccumulatedText != "" {
		logger.Info("turn budget exhausted, recovering accumulated answer text",
			zap.Int("answer_len", len(in.AccumulatedText)))
		return Result{Outcome: OutcomeRecovered, Answer: in.AccumulatedText}, nil
	}

	if in.SearchResults > 0 || in.ScrapedPages > 0 {
		logger.Info("turn budget exhausted, surfacing partial research output",
			zap.Int("search_results", in.SearchResults),
			zap.Int("scraped_pages", in.ScrapedPages))
		return Result{Outcome: OutcomePartial}, nil
	}

	logger.Warn("turn budget exhausted with nothing recoverable")
	return Result{Outcome: OutcomeUnusable, Retryable: policy == PolicyResubmitHint}, ErrNoUsableOutput
}
