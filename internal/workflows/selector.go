package workflows

import (
	"regexp"
	"strings"

	"github.com/answerflow-ai/answerflow/internal/llm"
)

// instantIntent pairs a trivial-query pattern with its canned answer.
type instantIntent struct {
	pattern *regexp.Regexp
	answer  string
}

// Identity and meta questions that never warrant a model call. Evaluated
// before planning, so these runs log zero tool calls and cite no sources.
var instantIntents = []instantIntent{
	{
		pattern: regexp.MustCompile(`(?i)^(who|what)( exactly)? are you\??$`),
		answer: "I'm an AI research assistant. Ask me anything and I'll search " +
			"the web, read through what I find, and write you a sourced answer.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^what('s| is) your name\??$`),
		answer:  "I don't have a name. I'm the AI assistant behind this chat.",
	},
	{
		pattern: regexp.MustCompile(`(?i)^(hi|hello|hey)[.!]?$`),
		answer:  "Hello! What would you like to know?",
	},
	{
		pattern: regexp.MustCompile(`(?i)^what can you do\??$`),
		answer: "I can research questions for you: I plan search queries, read " +
			"relevant pages, and compose an answer with its sources.",
	},
}

// MatchInstant reports whether the query is a trivial identity/meta question
// and returns the canned answer. Pure function; safe inside workflow code.
func MatchInstant(query string) (string, bool) {
	q := strings.TrimSpace(query)
	for _, intent := range instantIntents {
		if intent.pattern.MatchString(q) {
			return intent.answer, true
		}
	}
	return "", false
}

// ChoosePath applies the planning-output rule: research is skipped only when
// the plan wants nothing and is confident enough about it. Evaluated after
// MatchInstant, so this never returns PathInstant.
func ChoosePath(plan llm.PlanResponse, skipResearchThreshold float64) Path {
	if len(plan.SearchQueries) == 0 &&
		len(plan.InformationNeeded) == 0 &&
		!plan.NeedsWebScraping &&
		plan.ConfidenceLevel >= skipResearchThreshold {
		return PathFast
	}
	return PathParallel
}
