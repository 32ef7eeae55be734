package answer

import (
	"regexp"
	"strings"
)

// Completeness classifies how much of the question the answer covers.
type Completeness string

const (
	CompletenessComplete     Completeness = "complete"
	CompletenessPartial      Completeness = "partial"
	CompletenessInsufficient Completeness = "insufficient"
)

// Parsed is the post-processed view of raw synthesis output.
type Parsed struct {
	Answer         string       `json:"answer"`
	HasLimitations bool         `json:"has_limitations"`
	Limitations    string       `json:"limitations,omitempty"`
	SourcesUsed    []string     `json:"sources_used"`
	Completeness   Completeness `json:"answer_completeness"`
	Confidence     float64      `json:"confidence"`
}

var (
	// Trailing reference blocks the model appends on its own. Each pattern is
	// applied in turn and strips independently.
	headingSourcesRe = regexp.MustCompile(`(?ims)\n#{1,6}\s*(sources|references|citations)\s*:?\s*\n.*$`)
	boldSourcesRe    = regexp.MustCompile(`(?ims)\n\*\*\s*(sources|references|citations)\s*:?\s*\*\*\s*\n.*$`)
	plainSourcesRe   = regexp.MustCompile(`(?ims)\n(sources|references|citations)\s*:\s*\n(\s*[-*\d].*\n?)+$`)

	citationRe = regexp.MustCompile(`\[([^\[\]]+)\]`)

	limitationHeaderRe = regexp.MustCompile(`(?im)^(?:#{1,6}\s*)?(?:\*\*)?\s*(limitations|caveats|important caveats|known limitations)\s*:?\s*(?:\*\*)?\s*$`)
	limitationPhraseRe = regexp.MustCompile(`(?i)(it'?s important to note|keep in mind that|note that this (answer|information))`)
	nextHeaderRe       = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)

	insufficientRe = regexp.MustCompile(`(?i)(could not find|couldn'?t find|insufficient information|no (reliable )?information (was )?(found|available))`)

	confidentRe   = regexp.MustCompile(`(?i)\b(clearly|definitively|well[- ]documented|established|confirmed)\b`)
	hedgingRe     = regexp.MustCompile(`(?i)\b(might|may be|possibly|perhaps|appears to|seems to|likely)\b`)
	uncertaintyRe = regexp.MustCompile(`(?i)\b(uncertain|unclear|cannot (be )?determine[d]?|conflicting (information|reports))\b`)
)

// Parse post-processes raw synthesis text. It is pure and idempotent: running
// it on its own Answer output performs no further stripping.
func Parse(raw string) Parsed {
	text := StripTrailingSources(raw)
	sources := extractCitations(text)

	hasLimitations, limitations := detectLimitations(text)

	p := Parsed{
		Answer:         text,
		HasLimitations: hasLimitations,
		Limitations:    limitations,
		SourcesUsed:    sources,
		Completeness:   classifyCompleteness(text, hasLimitations),
		Confidence:     estimateConfidence(text, len(sources)),
	}
	return p
}

// StripTrailingSources removes model-appended reference sections from the end
// of the text. All three shapes (markdown heading, bold label, plain list) are
// tried in sequence.
func StripTrailingSources(text string) string {
	out := headingSourcesRe.ReplaceAllString(text, "")
	out = boldSourcesRe.ReplaceAllString(out, "")
	out = plainSourcesRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// extractCitations pulls [domain.tld] style tokens. Only tokens that contain a
// dot and no whitespace qualify; duplicates collapse in first-seen order.
func extractCitations(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		tok := strings.TrimSpace(m[1])
		if !strings.Contains(tok, ".") || strings.ContainsAny(tok, " \t\n") {
			continue
		}
		tok = strings.ToLower(tok)
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func detectLimitations(text string) (bool, string) {
	if loc := limitationHeaderRe.FindStringIndex(text); loc != nil {
		rest := text[loc[1]:]
		if next := nextHeaderRe.FindStringIndex(rest); next != nil {
			rest = rest[:next[0]]
		}
		return true, strings.TrimSpace(rest)
	}
	if loc := limitationPhraseRe.FindStringIndex(text); loc != nil {
		rest := text[loc[0]:]
		if idx := strings.Index(rest, "\n\n"); idx > 0 {
			rest = rest[:idx]
		}
		return true, strings.TrimSpace(rest)
	}
	return false, ""
}

func classifyCompleteness(text string, hasLimitations bool) Completeness {
	words := len(strings.Fields(text))
	switch {
	case words < 50 || insufficientRe.MatchString(text):
		return CompletenessInsufficient
	case hasLimitations || words < 150:
		return CompletenessPartial
	default:
		return CompletenessComplete
	}
}

// estimateConfidence starts at 0.5 and adjusts for citations and language
// markers, clamped to [0,1].
func estimateConfidence(text string, citations int) float64 {
	c := 0.5
	if citations > 0 {
		bonus := 0.1 + 0.02*float64(citations)
		if bonus > 0.2 {
			bonus = 0.2
		}
		c += bonus
	}
	if confidentRe.MatchString(text) {
		c += 0.1
	}
	if hedgingRe.MatchString(text) {
		c -= 0.1
	}
	if uncertaintyRe.MatchString(text) {
		c -= 0.15
	}
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}
