// Package workflows holds the Temporal workflow driving one answer run:
// plan, pick a path, research when needed, synthesize, persist, sign.
package workflows

import (
	"time"

	"github.com/answerflow-ai/answerflow/internal/config"
)

// Path is the execution path chosen for a run.
type Path string

const (
	// PathInstant answers pattern-matched trivial queries with a canned
	// response. No model call, no tools.
	PathInstant Path = "instant"
	// PathFast synthesizes straight from conversation context.
	PathFast Path = "fast"
	// PathParallel runs the full research stage with concurrent tool calls.
	PathParallel Path = "parallel"
)

// Input starts one answer run.
type Input struct {
	Query       string   `json:"query"`
	ChatID      string   `json:"chat_id"`
	SessionID   string   `json:"session_id,omitempty"`
	ChatTitle   string   `json:"chat_title,omitempty"`
	ContextRefs []string `json:"context_refs,omitempty"`

	// Tunables is the config snapshot taken when the run was accepted, so a
	// mid-run hot reload never changes behavior under a running workflow.
	Tunables config.WorkflowConfig `json:"tunables"`
}

// Result is the terminal payload of a successful run.
type Result struct {
	WorkflowID  string        `json:"workflow_id"`
	MessageID   string        `json:"message_id"`
	Answer      string        `json:"answer"`
	Sources     []string      `json:"sources"`
	ContextRefs []string      `json:"context_refs,omitempty"`
	Signature   string        `json:"signature"`
	Path        Path          `json:"path"`
	Confidence  float64       `json:"confidence"`
	Recovered   bool          `json:"recovered,omitempty"`
	Duration    time.Duration `json:"duration"`
}
