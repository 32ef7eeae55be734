package activities

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/answerflow-ai/answerflow/internal/config"
	"github.com/answerflow-ai/answerflow/internal/db"
	"github.com/answerflow-ai/answerflow/internal/eventlog"
	"github.com/answerflow-ai/answerflow/internal/llm"
	"github.com/answerflow-ai/answerflow/internal/streaming"
	"github.com/answerflow-ai/answerflow/internal/tokens"
	"github.com/answerflow-ai/answerflow/internal/tools"
)

type fakeLLM struct {
	plan       func(llm.PlanRequest) (llm.PlanResponse, error)
	research   func(llm.ResearchRequest, func(string)) (llm.ResearchResponse, string, error)
	synthesize func(llm.SynthesizeRequest, func(string)) (string, error)
}

func (f *fakeLLM) Plan(_ context.Context, req llm.PlanRequest) (llm.PlanResponse, error) {
	return f.plan(req)
}

func (f *fakeLLM) Research(_ context.Context, req llm.ResearchRequest, onDelta func(string)) (llm.ResearchResponse, string, error) {
	return f.research(req, onDelta)
}

func (f *fakeLLM) Synthesize(_ context.Context, req llm.SynthesizeRequest, onDelta func(string)) (string, error) {
	return f.synthesize(req, onDelta)
}

type fakeSearcher struct {
	failFor map[string]bool
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) ([]tools.SearchResult, error) {
	if f.failFor[query] {
		return nil, fmt.Errorf("search provider returned status 500 for %q", query)
	}
	return []tools.SearchResult{{
		Title:   "Result for " + query,
		URL:     "https://example.com/" + query,
		Snippet: "snippet",
	}}, nil
}

type fakeScraper struct{}

func (fakeScraper) Scrape(_ context.Context, pageURL string) (tools.ScrapedPage, error) {
	return tools.ScrapedPage{URL: pageURL, Title: "Page", Content: "body text"}, nil
}

type fakePersister struct {
	messages []*db.AssistantMessage
}

func (p *fakePersister) PersistAssistantMessage(_ context.Context, msg *db.AssistantMessage) (string, error) {
	p.messages = append(p.messages, msg)
	return "msg-1", nil
}

func (p *fakePersister) UpdateChatTitleIfNeeded(context.Context, string, string, string) error {
	return nil
}

func testWorkflowConfig() config.WorkflowConfig {
	return config.WorkflowConfig{
		SkipResearchThreshold: 0.9,
		MaxToolErrors:         3,
		MaxSearchQueries:      4,
		MaxScrapeURLs:         3,
		StageBudgetFast:       time.Minute,
		StageBudgetResearch:   3 * time.Minute,
		TokenTTL:              time.Hour,
		RecoveryOnNoOutput:    "fail",
	}
}

func newTestActivities(t *testing.T, mutate func(*Deps)) *Activities {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	deps := Deps{
		Searcher: &fakeSearcher{},
		Scraper:  fakeScraper{},
		Events:   eventlog.NewStore(rdb, time.Hour, zap.NewNop()),
		Stream:   streaming.NewManager(64),
		Tokens:   tokens.NewManager(nil, zap.NewNop()),
		Signer:   tokens.NewJWTSigner("test-signing-key", time.Hour),
		DB:       &fakePersister{},
		Logger:   zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps)
}

func validResearch() llm.ResearchResponse {
	return llm.ResearchResponse{
		ResearchSummary: "summary of what was found",
		KeyFindings:     []string{"finding one"},
		SourcesUsed:     []string{"example.com"},
		ResearchQuality: "high",
	}
}

func TestPlanRejectsOutputMissingIntent(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{plan: func(llm.PlanRequest) (llm.PlanResponse, error) {
			return llm.PlanResponse{ConfidenceLevel: 0.5}, nil
		}}
	})

	_, err := a.Plan(context.Background(), PlanInput{WorkflowID: "wf-1", Query: "q", Tunables: testWorkflowConfig()})
	require.Error(t, err)
	assert.Equal(t, TypePlanningFailed, ErrorType(err))
}

func TestPlanRejectsConfidenceOutOfRange(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{plan: func(llm.PlanRequest) (llm.PlanResponse, error) {
			return llm.PlanResponse{UserIntent: "find things", ConfidenceLevel: 1.5}, nil
		}}
	})

	_, err := a.Plan(context.Background(), PlanInput{WorkflowID: "wf-1", Query: "q", Tunables: testWorkflowConfig()})
	require.Error(t, err)
	assert.Equal(t, TypePlanningFailed, ErrorType(err))
}

func TestResearchFiveToolsOneFailureProceeds(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.Searcher = &fakeSearcher{failFor: map[string]bool{"q3": true}}
		d.LLM = &fakeLLM{research: func(llm.ResearchRequest, func(string)) (llm.ResearchResponse, string, error) {
			return validResearch(), "", nil
		}}
	})

	wf := testWorkflowConfig()
	wf.MaxSearchQueries = 5
	out, err := a.Research(context.Background(), ResearchInput{
		WorkflowID: "wf-1",
		Query:      "q",
		Plan: llm.PlanResponse{
			UserIntent:    "research",
			SearchQueries: []string{"q1", "q2", "q3", "q4", "q5"},
		},
		Tunables: wf,
	})
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 5)

	failures := 0
	for _, call := range out.ToolCalls {
		if !call.Success {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Len(t, out.SearchResults, 4)
}

func TestResearchAbortsAtToolErrorThreshold(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.Searcher = &fakeSearcher{failFor: map[string]bool{"q1": true, "q2": true, "q3": true}}
		d.LLM = &fakeLLM{research: func(llm.ResearchRequest, func(string)) (llm.ResearchResponse, string, error) {
			t.Error("distillation must not run after threshold abort")
			return llm.ResearchResponse{}, "", nil
		}}
	})

	_, err := a.Research(context.Background(), ResearchInput{
		WorkflowID: "wf-1",
		Query:      "q",
		Plan: llm.PlanResponse{
			UserIntent:    "research",
			SearchQueries: []string{"q1", "q2", "q3"},
		},
		Tunables: testWorkflowConfig(),
	})
	require.Error(t, err)
	assert.Equal(t, TypeToolErrorThreshold, ErrorType(err))
}

func TestResearchRecoversAccumulatedTextOnMaxTurns(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{research: func(_ llm.ResearchRequest, onDelta func(string)) (llm.ResearchResponse, string, error) {
			onDelta("partial answer ")
			onDelta("that streamed")
			return llm.ResearchResponse{}, "partial answer that streamed", llm.ErrMaxTurns
		}}
	})

	out, err := a.Research(context.Background(), ResearchInput{
		WorkflowID: "wf-1",
		Query:      "q",
		Plan:       llm.PlanResponse{UserIntent: "research", SearchQueries: []string{"q1"}},
		Tunables:   testWorkflowConfig(),
	})
	require.NoError(t, err)
	assert.True(t, out.Recovered)
	assert.Equal(t, "partial answer that streamed", out.RecoveredAnswer)
}

func TestResearchSurfacesPartialHarvestOnMaxTurns(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{research: func(llm.ResearchRequest, func(string)) (llm.ResearchResponse, string, error) {
			return llm.ResearchResponse{}, "", llm.ErrMaxTurns
		}}
	})

	out, err := a.Research(context.Background(), ResearchInput{
		WorkflowID: "wf-1",
		Query:      "q",
		Plan:       llm.PlanResponse{UserIntent: "research", SearchQueries: []string{"q1"}},
		Tunables:   testWorkflowConfig(),
	})
	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.False(t, out.Recovered)
	assert.Equal(t, "partial", out.Research.ResearchQuality)
}

func TestResearchFailsWhenNothingRecoverable(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{research: func(llm.ResearchRequest, func(string)) (llm.ResearchResponse, string, error) {
			return llm.ResearchResponse{}, "", llm.ErrMaxTurns
		}}
	})

	_, err := a.Research(context.Background(), ResearchInput{
		WorkflowID: "wf-1",
		Query:      "q",
		Plan:       llm.PlanResponse{UserIntent: "research"},
		Tunables:   testWorkflowConfig(),
	})
	require.Error(t, err)
	assert.Equal(t, TypeNoUsableOutput, ErrorType(err))
}

func TestResearchRejectsInvalidDistillation(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{research: func(llm.ResearchRequest, func(string)) (llm.ResearchResponse, string, error) {
			return llm.ResearchResponse{ResearchSummary: "has summary but no findings"}, "", nil
		}}
	})

	_, err := a.Research(context.Background(), ResearchInput{
		WorkflowID: "wf-1",
		Query:      "q",
		Plan:       llm.PlanResponse{UserIntent: "research", SearchQueries: []string{"q1"}},
		Tunables:   testWorkflowConfig(),
	})
	require.Error(t, err)
	assert.Equal(t, TypeResearchOutputInvalid, ErrorType(err))
}

func TestResearchBudgetComesFromRunSnapshot(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{research: func(llm.ResearchRequest, func(string)) (llm.ResearchResponse, string, error) {
			time.Sleep(200 * time.Millisecond)
			return validResearch(), "", nil
		}}
	})

	// The tight budget rides in the input; the stage must fail with the typed
	// timeout even if live config carries a larger one.
	wf := testWorkflowConfig()
	wf.StageBudgetResearch = 10 * time.Millisecond
	_, err := a.Research(context.Background(), ResearchInput{
		WorkflowID: "wf-1",
		Query:      "q",
		Plan:       llm.PlanResponse{UserIntent: "research", SearchQueries: []string{"q1"}},
		Tunables:   wf,
	})
	require.Error(t, err)
	assert.Equal(t, TypeStageTimeout, ErrorType(err))
}

func TestSynthesizeStreamsDeltasInOrder(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{synthesize: func(_ llm.SynthesizeRequest, onDelta func(string)) (string, error) {
			onDelta("Hello ")
			onDelta("world")
			return "", nil
		}}
	})

	out, err := a.Synthesize(context.Background(), SynthesizeInput{WorkflowID: "wf-1", Query: "q", Tunables: testWorkflowConfig()})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", out.Answer)
	assert.Equal(t, 2, out.Deltas)

	events := a.stream.ReplaySince("wf-1", 0)
	var contents []string
	for _, e := range events {
		if e.Type == EventContent {
			contents = append(contents, string(e.Data))
		}
	}
	require.Len(t, contents, 2)
	assert.Contains(t, contents[0], "Hello ")
	assert.Contains(t, contents[1], "world")
}

func TestSynthesizeEmitsSyntheticDeltaForFinalOnlyOutput(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{synthesize: func(llm.SynthesizeRequest, func(string)) (string, error) {
			return "the whole answer at once", nil
		}}
	})

	out, err := a.Synthesize(context.Background(), SynthesizeInput{WorkflowID: "wf-1", Query: "q", Tunables: testWorkflowConfig()})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Deltas)

	events := a.stream.ReplaySince("wf-1", 0)
	contentEvents := 0
	for _, e := range events {
		if e.Type == EventContent {
			contentEvents++
		}
	}
	assert.Equal(t, 1, contentEvents, "downstream consumers must see at least one content event")
}

func TestSynthesizeFailsOnEmptyOutput(t *testing.T) {
	a := newTestActivities(t, func(d *Deps) {
		d.LLM = &fakeLLM{synthesize: func(llm.SynthesizeRequest, func(string)) (string, error) {
			return "   ", nil
		}}
	})

	_, err := a.Synthesize(context.Background(), SynthesizeInput{WorkflowID: "wf-1", Query: "q", Tunables: testWorkflowConfig()})
	require.Error(t, err)
	assert.Equal(t, TypeEmptySynthesisOutput, ErrorType(err))
}

func TestEmitEventSequencesAreGapless(t *testing.T) {
	a := newTestActivities(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := a.EmitEvent(ctx, Emission{WorkflowID: "wf-1", Type: EventProgress, Stage: "planning"})
		require.NoError(t, err)
	}

	events, err := a.events.ReadSince(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestCompleteTokenSignsAndTransitions(t *testing.T) {
	signer := tokens.NewJWTSigner("test-signing-key", time.Hour)
	a := newTestActivities(t, func(d *Deps) { d.Signer = signer })
	ctx := context.Background()

	issued, err := a.IssueToken(ctx, IssueTokenInput{WorkflowID: "wf-1", ChatID: "chat-1", Tunables: testWorkflowConfig()})
	require.NoError(t, err)
	assert.Equal(t, tokens.StatusActive, issued.Status)
	assert.NotEmpty(t, issued.Nonce)

	out, err := a.CompleteToken(ctx, CompleteTokenInput{WorkflowID: "wf-1", Answer: "final answer"})
	require.NoError(t, err)
	require.NotEmpty(t, out.Signature)
	require.NoError(t, signer.Verify(out.Signature, "wf-1", issued.Nonce))

	final, ok := a.tokens.Get("wf-1")
	require.True(t, ok)
	assert.Equal(t, tokens.StatusCompleted, final.Status)
}

func TestReleaseRunDropsLiveStateKeepsLog(t *testing.T) {
	a := newTestActivities(t, nil)
	ctx := context.Background()

	_, err := a.EmitEvent(ctx, Emission{WorkflowID: "wf-1", Type: EventError, Stage: "research"})
	require.NoError(t, err)
	a.IssueToken(ctx, IssueTokenInput{WorkflowID: "wf-1", ChatID: "chat-1", Tunables: testWorkflowConfig()})
	a.InvalidateToken(ctx, "wf-1")

	require.NoError(t, a.ReleaseRun(ctx, "wf-1"))

	assert.Empty(t, a.stream.ReplaySince("wf-1", 0), "replay ring must be dropped")
	_, ok := a.tokens.Get("wf-1")
	assert.False(t, ok, "terminal token must be evicted")

	// The durable log stays for reconnecting clients until its TTL.
	events, err := a.events.ReadSince(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

func TestScrapedContextExcerptKeepsRunesIntact(t *testing.T) {
	// The odd-length prefix shifts the 2-byte runes off the excerpt cap, so a
	// byte slice would cut mid-rune.
	long := "x" + strings.Repeat("é", 1200)
	got := formatScrapedContext([]tools.ScrapedPage{{URL: "https://example.com", Title: "T", Content: long}})
	assert.True(t, utf8.ValidString(got))
	assert.Less(t, len(got), len(long))
}

func TestInvalidateTokenNeverFails(t *testing.T) {
	a := newTestActivities(t, nil)
	// Unknown workflow: still a nil error, cleanup must not mask failures.
	assert.NoError(t, a.InvalidateToken(context.Background(), "missing"))
}

func TestPersistResultStoresSourcesAndConfidence(t *testing.T) {
	store := &fakePersister{}
	a := newTestActivities(t, func(d *Deps) { d.DB = store })

	out, err := a.PersistResult(context.Background(), PersistInput{
		WorkflowID:   "wf-1",
		ChatID:       "chat-1",
		Query:        "q",
		Answer:       "the answer",
		Sources:      []string{"example.com"},
		Confidence:   0.7,
		Completeness: "complete",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", out.MessageID)
	require.Len(t, store.messages, 1)
	assert.Equal(t, "the answer", store.messages[0].Content)
	assert.Equal(t, 0.7, store.messages[0].Sources["confidence"])
}
