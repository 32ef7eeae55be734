package tools

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

// maxResultSummaryLen bounds what one tool result contributes to the ledger.
const maxResultSummaryLen = 1500

// LogEntry records one external tool invocation during a research stage.
type LogEntry struct {
	ToolName      string    `json:"tool_name"`
	Timestamp     time.Time `json:"timestamp"`
	Reasoning     string    `json:"reasoning,omitempty"`
	Input         string    `json:"input"`
	ResultSummary string    `json:"result_summary,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
}

// ThresholdError reports that a research stage crossed its tool-failure
// threshold and was aborted rather than burning more budget on a degraded
// run.
type ThresholdError struct {
	Workflow string
	Count    int
	Max      int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("workflow %s: tool error threshold exceeded (%d/%d)", e.Workflow, e.Count, e.Max)
}

// Ledger accumulates tool-call entries for one research stage instance and
// counts failures against a threshold. Tool calls are dispatched
// concurrently, so the ledger is the single serialized point of that stage.
type Ledger struct {
	mu       sync.Mutex
	workflow string
	max      int
	entries  []LogEntry
	failures int
}

// NewLedger creates a ledger for one research stage. max is the failure count
// at which Record returns a *ThresholdError.
func NewLedger(workflow string, max int) *Ledger {
	return &Ledger{workflow: workflow, max: max}
}

// Record appends an entry, truncating its result summary. When the entry is
// a failure and the running failure count reaches the threshold, the
// returned error tells the stage to abort immediately.
func (l *Ledger) Record(e LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.ResultSummary = truncateRunes(e.ResultSummary, maxResultSummaryLen)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if !e.Success {
		l.failures++
		if l.max > 0 && l.failures >= l.max {
			return &ThresholdError{Workflow: l.workflow, Count: l.failures, Max: l.max}
		}
	}
	return nil
}

// Entries returns a copy of all recorded entries in record order.
func (l *Ledger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Failures returns the current failure count.
func (l *Ledger) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// truncateRunes cuts s to at most max bytes, backing up to a rune boundary so
// the result is always valid UTF-8.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
