package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/answerflow-ai/answerflow/internal/config"
	"github.com/answerflow-ai/answerflow/internal/degradation"
	"github.com/answerflow-ai/answerflow/internal/llm"
	"github.com/answerflow-ai/answerflow/internal/metrics"
	"github.com/answerflow-ai/answerflow/internal/stagetimeout"
	"github.com/answerflow-ai/answerflow/internal/tools"
)

// ResearchInput carries the planning output into the research stage.
type ResearchInput struct {
	WorkflowID string                `json:"workflow_id"`
	Query      string                `json:"query"`
	Plan       llm.PlanResponse      `json:"plan"`
	Tunables   config.WorkflowConfig `json:"tunables"`
}

// ResearchOutput is the stage result. Exactly one of the three shapes holds:
// a validated distillation (the normal case), a recovered answer (turn budget
// hit with streamed text in hand), or partial raw material (turn budget hit
// with only tool results harvested).
type ResearchOutput struct {
	Research llm.ResearchResponse `json:"research"`

	SearchResults  []tools.SearchResult `json:"search_results,omitempty"`
	ScrapedContent string               `json:"scraped_content,omitempty"`
	ToolCalls      []tools.LogEntry     `json:"tool_calls"`

	Recovered       bool   `json:"recovered,omitempty"`
	RecoveredAnswer string `json:"recovered_answer,omitempty"`
	Partial         bool   `json:"partial,omitempty"`
}

// Research fans out the planned searches and scrapes, distills the harvest
// through the model, and applies the one-time turn-budget recovery ladder.
func (a *Activities) Research(ctx context.Context, in ResearchInput) (ResearchOutput, error) {
	wf := in.Tunables
	start := time.Now()
	ledger := tools.NewLedger(in.WorkflowID, wf.MaxToolErrors)

	searchResults, err := a.runSearches(ctx, in, ledger, wf.MaxSearchQueries)
	if err != nil {
		return ResearchOutput{}, a.failResearch(err, "search")
	}

	var scraped []tools.ScrapedPage
	if in.Plan.NeedsWebScraping {
		scraped, err = a.runScrapes(ctx, in, ledger, searchResults, wf.MaxScrapeURLs)
		if err != nil {
			return ResearchOutput{}, a.failResearch(err, "scrape")
		}
	}

	searchContext := formatSearchContext(searchResults)
	scrapedContext := formatScrapedContext(scraped)

	a.emitBestEffort(ctx, Emission{
		WorkflowID: in.WorkflowID,
		Type:       EventProgress,
		Stage:      "research",
		Message:    "Reading through what I found",
		Data: map[string]any{
			"approx_context_tokens": approxTokens(searchContext) + approxTokens(scrapedContext),
		},
	})

	var accumulated string
	research, err := stagetimeout.Run(ctx, "research", wf.StageBudgetResearch,
		func(ctx context.Context) (llm.ResearchResponse, error) {
			out, text, err := a.llm.Research(ctx, llm.ResearchRequest{
				Query:          in.Query,
				UserIntent:     in.Plan.UserIntent,
				SearchContext:  searchContext,
				ScrapedContext: scrapedContext,
				Gaps:           in.Plan.InformationNeeded,
			}, func(delta string) {
				a.emitBestEffort(ctx, Emission{
					WorkflowID: in.WorkflowID,
					Type:       EventReasoning,
					Stage:      "research",
					Data:       map[string]any{"content": delta},
				})
			})
			accumulated = text
			return out, err
		})
	metrics.StageDuration.WithLabelValues("research").Observe(time.Since(start).Seconds())

	out := ResearchOutput{
		Research:       research,
		SearchResults:  searchResults,
		ScrapedContent: scrapedContext,
		ToolCalls:      ledger.Entries(),
	}

	switch {
	case err == nil:
		if verr := validateResearch(research); verr != nil {
			metrics.StageFailures.WithLabelValues("research", "schema").Inc()
			return ResearchOutput{}, temporal.NewNonRetryableApplicationError(
				verr.Error(), TypeResearchOutputInvalid, verr)
		}
		return out, nil

	case errors.Is(err, llm.ErrMaxTurns):
		return a.recoverFromMaxTurns(out, accumulated, scraped, wf.RecoveryOnNoOutput)

	case errors.Is(err, llm.ErrMalformedOutput):
		metrics.StageFailures.WithLabelValues("research", "schema").Inc()
		return ResearchOutput{}, temporal.NewNonRetryableApplicationError(
			err.Error(), TypeResearchOutputInvalid, err)

	default:
		metrics.StageFailures.WithLabelValues("research", "model").Inc()
		return ResearchOutput{}, asStageError(err, TypeResearchOutputInvalid)
	}
}

// recoverFromMaxTurns walks the degradation ladder once. Policy only matters
// on the unusable rung, where it decides whether the caller gets a retryable
// failure.
func (a *Activities) recoverFromMaxTurns(out ResearchOutput, accumulated string, scraped []tools.ScrapedPage, policy string) (ResearchOutput, error) {
	res, err := degradation.Resolve(degradation.Input{
		AccumulatedText: accumulated,
		SearchResults:   len(out.SearchResults),
		ScrapedPages:    len(scraped),
	}, degradation.Policy(policy), a.logger)
	metrics.RecoveryOutcomes.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case degradation.OutcomeRecovered:
		out.Recovered = true
		out.RecoveredAnswer = res.Answer
		return out, nil
	case degradation.OutcomePartial:
		out.Partial = true
		out.Research = llm.ResearchResponse{
			ResearchSummary: formatSearchContext(out.SearchResults),
			ResearchQuality: "partial",
		}
		return out, nil
	default:
		metrics.StageFailures.WithLabelValues("research", "no_usable_output").Inc()
		if res.Retryable {
			return ResearchOutput{}, temporal.NewApplicationError(err.Error(), TypeNoUsableOutput)
		}
		return ResearchOutput{}, temporal.NewNonRetryableApplicationError(err.Error(), TypeNoUsableOutput, err)
	}
}

func (a *Activities) failResearch(err error, phase string) error {
	var threshold *tools.ThresholdError
	if errors.As(err, &threshold) {
		metrics.ToolErrorThresholdTrips.Inc()
		metrics.StageFailures.WithLabelValues("research", "tool_threshold").Inc()
		return temporal.NewNonRetryableApplicationError(
			threshold.Error(), TypeToolErrorThreshold, threshold, threshold.Count, threshold.Max)
	}
	metrics.StageFailures.WithLabelValues("research", phase).Inc()
	return asStageError(err, TypeResearchOutputInvalid)
}

// runSearches dispatches the planned queries concurrently. Individual search
// failures are recorded, not fatal; only the ledger threshold aborts the
// fan-out.
func (a *Activities) runSearches(ctx context.Context, in ResearchInput, ledger *tools.Ledger, maxQueries int) ([]tools.SearchResult, error) {
	queries := in.Plan.SearchQueries
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}
	if len(queries) == 0 {
		return nil, nil
	}

	a.emitBestEffort(ctx, Emission{
		WorkflowID: in.WorkflowID,
		Type:       EventProgress,
		Stage:      "research",
		Message:    fmt.Sprintf("Searching the web (%d queries)", len(queries)),
		Data:       map[string]any{"queries": queries},
	})

	var mu sync.Mutex
	var results []tools.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queries {
		q := q
		g.Go(func() error {
			started := time.Now()
			hits, err := a.searcher.Search(gctx, q, 0)
			entry := tools.LogEntry{
				ToolName:   "web_search",
				Input:      q,
				DurationMs: time.Since(started).Milliseconds(),
				Success:    err == nil,
			}
			if err != nil {
				entry.ResultSummary = err.Error()
				metrics.ToolCalls.WithLabelValues("web_search", "error").Inc()
			} else {
				entry.ResultSummary = summarizeHits(hits)
				metrics.ToolCalls.WithLabelValues("web_search", "ok").Inc()
			}
			if terr := ledger.Record(entry); terr != nil {
				return terr
			}
			if err != nil {
				a.logger.Warn("search query failed",
					zap.String("workflow_id", in.WorkflowID),
					zap.String("query", q),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			results = append(results, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runScrapes pulls full page content for the top distinct result URLs.
func (a *Activities) runScrapes(ctx context.Context, in ResearchInput, ledger *tools.Ledger, hits []tools.SearchResult, maxURLs int) ([]tools.ScrapedPage, error) {
	urls := distinctURLs(hits, maxURLs)
	if len(urls) == 0 {
		return nil, nil
	}

	a.emitBestEffort(ctx, Emission{
		WorkflowID: in.WorkflowID,
		Type:       EventProgress,
		Stage:      "research",
		Message:    fmt.Sprintf("Reading %d pages", len(urls)),
		Data:       map[string]any{"urls": urls},
	})

	var mu sync.Mutex
	var pages []tools.ScrapedPage
	g, gctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			started := time.Now()
			page, err := a.scraper.Scrape(gctx, u)
			entry := tools.LogEntry{
				ToolName:   "web_scrape",
				Input:      u,
				DurationMs: time.Since(started).Milliseconds(),
				Success:    err == nil,
			}
			if err != nil {
				entry.ResultSummary = err.Error()
				metrics.ToolCalls.WithLabelValues("web_scrape", "error").Inc()
			} else {
				entry.ResultSummary = page.Content
				metrics.ToolCalls.WithLabelValues("web_scrape", "ok").Inc()
			}
			if terr := ledger.Record(entry); terr != nil {
				return terr
			}
			if err != nil {
				a.logger.Warn("scrape failed",
					zap.String("workflow_id", in.WorkflowID),
					zap.String("url", u),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			pages = append(pages, page)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

func validateResearch(r llm.ResearchResponse) error {
	if strings.TrimSpace(r.ResearchSummary) == "" {
		return fmt.Errorf("research output missing summary")
	}
	if len(r.KeyFindings) == 0 {
		return fmt.Errorf("research output missing key findings")
	}
	return nil
}

func distinctURLs(hits []tools.SearchResult, max int) []string {
	seen := make(map[string]struct{}, len(hits))
	var out []string
	for _, h := range hits {
		if h.URL == "" {
			continue
		}
		if _, dup := seen[h.URL]; dup {
			continue
		}
		seen[h.URL] = struct{}{}
		out = append(out, h.URL)
		if len(out) == max {
			break
		}
	}
	return out
}

func summarizeHits(hits []tools.SearchResult) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(h.Title)
	}
	return b.String()
}

func formatSearchContext(hits []tools.SearchResult) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "- %s (%s): %s\n", h.Title, h.URL, h.Snippet)
	}
	return b.String()
}

// scrapedExcerptLen caps what each page contributes to the model context.
const scrapedExcerptLen = 1500

func formatScrapedContext(pages []tools.ScrapedPage) string {
	if len(pages) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range pages {
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", p.Title, p.URL, excerpt(p.Content, scrapedExcerptLen))
	}
	return b.String()
}

// excerpt cuts s to at most max bytes on a rune boundary so model context
// never carries a split multi-byte character.
func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// approxTokens is the rough len/4 estimate used for event diagnostics only.
func approxTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}
