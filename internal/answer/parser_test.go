package answer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word"
	}
	return strings.Join(parts, " ")
}

func TestStripTrailingSourcesHeading(t *testing.T) {
	in := "The answer body.\n## Sources\n- https://example.com\n- https://example.org\n"
	assert.Equal(t, "The answer body.", StripTrailingSources(in))
}

func TestStripTrailingSourcesBold(t *testing.T) {
	in := "The answer body.\n**References:**\n1. example.com\n"
	assert.Equal(t, "The answer body.", StripTrailingSources(in))
}

func TestStripTrailingSourcesPlainList(t *testing.T) {
	in := "The answer body.\nSources:\n- example.com\n- example.org\n"
	assert.Equal(t, "The answer body.", StripTrailingSources(in))
}

func TestParseIdempotentAfterStripping(t *testing.T) {
	in := "Body text with a citation [golang.org] inline.\n## Sources\n- golang.org\n"
	first := Parse(in)
	second := Parse(first.Answer)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.SourcesUsed, second.SourcesUsed)
}

func TestCitationExtraction(t *testing.T) {
	in := "Go launched in 2009 [golang.org] and is popular [golang.org] per surveys [go.dev]. Ignore [not a domain] and [nodot]."
	p := Parse(in)
	assert.Equal(t, []string{"golang.org", "go.dev"}, p.SourcesUsed)
}

func TestCitationsEmptyNotNil(t *testing.T) {
	p := Parse("No citations here at all.")
	require.NotNil(t, p.SourcesUsed)
	assert.Empty(t, p.SourcesUsed)
}

func TestLimitationsHeaderDetection(t *testing.T) {
	in := words(200) + "\n## Limitations\nData only covers 2023.\n## Next\nmore"
	p := Parse(in)
	require.True(t, p.HasLimitations)
	assert.Equal(t, "Data only covers 2023.", p.Limitations)
	assert.Equal(t, CompletenessPartial, p.Completeness)
}

func TestCompletenessInsufficientShort(t *testing.T) {
	p := Parse(words(40))
	assert.Equal(t, CompletenessInsufficient, p.Completeness)
}

func TestCompletenessInsufficientPhrase(t *testing.T) {
	p := Parse(words(200) + " Unfortunately I could not find reliable data on this.")
	assert.Equal(t, CompletenessInsufficient, p.Completeness)
}

func TestCompletenessPartialAt120Words(t *testing.T) {
	in := words(115) + "\nLimitations:\nonly partial coverage."
	p := Parse(in)
	assert.Equal(t, CompletenessPartial, p.Completeness)
}

func TestCompletenessComplete(t *testing.T) {
	p := Parse(words(300))
	assert.Equal(t, CompletenessComplete, p.Completeness)
}

func TestConfidenceBaseline(t *testing.T) {
	p := Parse(words(300))
	assert.InDelta(t, 0.5, p.Confidence, 0.0001)
}

func TestConfidenceCitationsAndMarkers(t *testing.T) {
	in := words(300) + " This is clearly established [golang.org] [go.dev]."
	p := Parse(in)
	// 0.5 + citation bonus (0.1 + 0.02*2) + 0.1 confident marker
	assert.InDelta(t, 0.74, p.Confidence, 0.0001)
}

func TestConfidenceClamped(t *testing.T) {
	in := "It might possibly be unclear and uncertain, perhaps."
	p := Parse(in)
	assert.GreaterOrEqual(t, p.Confidence, 0.0)
	assert.LessOrEqual(t, p.Confidence, 1.0)
	assert.InDelta(t, 0.25, p.Confidence, 0.0001)
}
