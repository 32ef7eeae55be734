package tools

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerRecordsEntriesInOrder(t *testing.T) {
	l := NewLedger("wf-1", 3)
	require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Input: "a", Success: true}))
	require.NoError(t, l.Record(LogEntry{ToolName: "web_scrape", Input: "b", Success: true}))

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "web_search", entries[0].ToolName)
	assert.Equal(t, "web_scrape", entries[1].ToolName)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestLedgerThresholdTripsAtMax(t *testing.T) {
	l := NewLedger("wf-1", 3)
	require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Success: false}))
	require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Success: false}))

	err := l.Record(LogEntry{ToolName: "web_search", Success: false})
	require.Error(t, err)

	var te *ThresholdError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "wf-1", te.Workflow)
	assert.Equal(t, 3, te.Count)
	assert.Equal(t, 3, te.Max)
}

func TestLedgerTwoFailuresOneSuccessProceeds(t *testing.T) {
	l := NewLedger("wf-1", 3)
	require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Success: false}))
	require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Success: true}))
	require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Success: false}))
	assert.Equal(t, 2, l.Failures())
}

func TestLedgerFiveResultsOneFailure(t *testing.T) {
	l := NewLedger("wf-1", 3)
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Success: true}))
	}
	require.NoError(t, l.Record(LogEntry{ToolName: "web_search", Success: false}))

	entries := l.Entries()
	require.Len(t, entries, 5)
	failed := 0
	for _, e := range entries {
		if !e.Success {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestLedgerTruncatesResultSummary(t *testing.T) {
	l := NewLedger("wf-1", 3)
	long := strings.Repeat("x", maxResultSummaryLen+500)
	require.NoError(t, l.Record(LogEntry{ToolName: "web_scrape", ResultSummary: long, Success: true}))
	assert.Len(t, l.Entries()[0].ResultSummary, maxResultSummaryLen)
}

func TestLedgerTruncationKeepsRunesIntact(t *testing.T) {
	l := NewLedger("wf-1", 3)
	// The leading ASCII byte shifts the 3-byte runes off the cap boundary, so
	// a byte slice would cut mid-rune.
	long := "x" + strings.Repeat("語", maxResultSummaryLen/3+10)
	require.NoError(t, l.Record(LogEntry{ToolName: "web_scrape", ResultSummary: long, Success: true}))

	got := l.Entries()[0].ResultSummary
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxResultSummaryLen)
}

func TestLedgerConcurrentRecords(t *testing.T) {
	l := NewLedger("wf-1", 0) // no threshold
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(ok bool) {
			defer wg.Done()
			_ = l.Record(LogEntry{ToolName: "web_search", Success: ok})
		}(i%2 == 0)
	}
	wg.Wait()
	assert.Len(t, l.Entries(), 50)
	assert.Equal(t, 25, l.Failures())
}
