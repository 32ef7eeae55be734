// Package tools holds the external search/scrape clients used by the
// research stage and the ledger that records every invocation.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SearchResult is one organic result from the search provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the search capability the research stage depends on.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SerperClient queries the Serper search API.
type SerperClient struct {
	apiKey  string
	baseURL string
	country string
	locale  string
	httpc   *http.Client
	logger  *zap.Logger
}

func NewSerperClient(apiKey, baseURL, country, locale string, logger *zap.Logger) *SerperClient {
	if baseURL == "" {
		baseURL = "https://google.serper.dev/search"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerperClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		country: country,
		locale:  locale,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type serperResponse struct {
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search runs one query and returns at most maxResults organic hits.
func (c *SerperClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	payload := map[string]any{"q": query, "num": maxResults}
	if c.country != "" {
		payload["gl"] = c.country
	}
	if c.locale != "" {
		payload["hl"] = c.locale
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal search payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search provider returned status %d for %q", resp.StatusCode, query)
	}

	var raw serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]SearchResult, 0, len(raw.Organic))
	for i, item := range raw.Organic {
		if i >= maxResults {
			break
		}
		out = append(out, SearchResult{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return out, nil
}
