// Package llm is the HTTP client for the model inference collaborator. The
// orchestrator never talks to a model provider directly; it calls the llm
// service's agent endpoints and treats inference as a capability.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrMaxTurns signals that the model exhausted its reasoning turn budget
// before finishing. Callers decide whether accumulated output is usable.
var ErrMaxTurns = errors.New("model exhausted turn budget")

// ErrMalformedOutput signals that the model finished but its structured
// output did not decode. Distinct from transport failures so callers can
// treat it as a validation error rather than an infrastructure one.
var ErrMalformedOutput = errors.New("malformed model output")

// Message is one conversation turn handed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls the llm service over HTTP/JSON.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// PlanRequest carries the user query plus conversation context to the
// planning endpoint.
type PlanRequest struct {
	Query       string    `json:"query"`
	History     []Message `json:"history,omitempty"`
	ContextRefs []string  `json:"context_refs,omitempty"`
}

// PlanResponse is the structured planning output.
type PlanResponse struct {
	UserIntent            string   `json:"user_intent"`
	SearchQueries         []string `json:"search_queries"`
	InformationNeeded     []string `json:"information_needed"`
	NeedsWebScraping      bool     `json:"needs_web_scraping"`
	ConfidenceLevel       float64  `json:"confidence_level"`
	AnticipatedChallenges string   `json:"anticipated_challenges,omitempty"`
}

// Plan asks the model to turn the query into a structured research intent.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	var out PlanResponse
	if err := c.postJSON(ctx, "/agent/plan", req, &out); err != nil {
		return PlanResponse{}, err
	}
	return out, nil
}

// ResearchRequest asks the model to distill harvested material into a
// research summary.
type ResearchRequest struct {
	Query          string   `json:"query"`
	UserIntent     string   `json:"user_intent"`
	SearchContext  string   `json:"search_context,omitempty"`
	ScrapedContext string   `json:"scraped_context,omitempty"`
	Gaps           []string `json:"gaps,omitempty"`
}

// ResearchResponse is the structured distillation of harvested material.
type ResearchResponse struct {
	ResearchSummary string   `json:"research_summary"`
	KeyFindings     []string `json:"key_findings"`
	SourcesUsed     []string `json:"sources_used"`
	ResearchQuality string   `json:"research_quality"`
	InformationGaps string   `json:"information_gaps,omitempty"`
}

// Research calls the model-driven distillation endpoint. On turn-budget
// exhaustion it returns ErrMaxTurns together with whatever answer text had
// streamed before the cutoff.
func (c *Client) Research(ctx context.Context, req ResearchRequest, onDelta func(string)) (ResearchResponse, string, error) {
	var accumulated strings.Builder
	final, err := c.stream(ctx, "/agent/research", req, func(text string) {
		accumulated.WriteString(text)
		if onDelta != nil {
			onDelta(text)
		}
	})
	if err != nil {
		return ResearchResponse{}, accumulated.String(), err
	}
	var out ResearchResponse
	if err := json.Unmarshal([]byte(final), &out); err != nil {
		return ResearchResponse{}, accumulated.String(),
			fmt.Errorf("decode research output: %w: %v", ErrMalformedOutput, err)
	}
	return out, accumulated.String(), nil
}

// SynthesizeRequest carries the accumulated research context for the final
// answer.
type SynthesizeRequest struct {
	Query           string    `json:"query"`
	UserIntent      string    `json:"user_intent"`
	ResearchSummary string    `json:"research_summary,omitempty"`
	KeyFindings     []string  `json:"key_findings,omitempty"`
	SourcesUsed     []string  `json:"sources_used,omitempty"`
	ScrapedContent  string    `json:"scraped_content,omitempty"`
	History         []Message `json:"history,omitempty"`
}

// Synthesize streams the final answer. onDelta fires for each text chunk in
// emission order; the full accumulated text is returned. A final value with
// no deltas is possible and left for the caller to normalize.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest, onDelta func(string)) (string, error) {
	var accumulated strings.Builder
	final, err := c.stream(ctx, "/agent/synthesize", req, func(text string) {
		accumulated.WriteString(text)
		if onDelta != nil {
			onDelta(text)
		}
	})
	if err != nil {
		return accumulated.String(), err
	}
	if accumulated.Len() == 0 {
		return final, nil
	}
	return accumulated.String(), nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call llm service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("llm service %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode llm response: %w", err)
	}
	return nil
}

// streamEvent is one line of the chunked streaming protocol.
type streamEvent struct {
	Type string `json:"type"` // delta | final | max_turns | error
	Text string `json:"text,omitempty"`
}

// stream posts in and consumes newline-delimited JSON events until a
// terminal event or EOF. Returns the final payload text.
func (c *Client) stream(ctx context.Context, path string, in interface{}, onDelta func(string)) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("call llm service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("llm service %s returned status %d", path, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Tolerate SSE-style framing from proxies.
		line = strings.TrimPrefix(line, "data:")
		line = strings.TrimSpace(line)

		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			c.logger.Warn("skipping undecodable stream line", zap.String("path", path))
			continue
		}
		switch ev.Type {
		case "delta":
			if onDelta != nil {
				onDelta(ev.Text)
			}
		case "final":
			return ev.Text, nil
		case "max_turns":
			return "", ErrMaxTurns
		case "error":
			return "", fmt.Errorf("llm service %s stream error: %s", path, ev.Text)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read llm stream %s: %w", path, err)
	}
	// Stream ended without a terminal event; treat what streamed as final.
	return "", nil
}
