package tools

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"
)

// ScrapedPage is the extracted main content of one URL.
type ScrapedPage struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Scraper is the page-content capability the research stage depends on.
type Scraper interface {
	Scrape(ctx context.Context, pageURL string) (ScrapedPage, error)
}

// ReadabilityScraper fetches a page and extracts its main article text.
type ReadabilityScraper struct {
	httpc      *http.Client
	maxContent int
	logger     *zap.Logger
}

func NewReadabilityScraper(maxContent int, logger *zap.Logger) *ReadabilityScraper {
	if maxContent <= 0 {
		maxContent = 20000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadabilityScraper{
		httpc:      &http.Client{Timeout: 20 * time.Second},
		maxContent: maxContent,
		logger:     logger,
	}
}

// Scrape downloads pageURL and extracts readable text, truncated to the
// configured content limit.
func (s *ReadabilityScraper) Scrape(ctx context.Context, pageURL string) (ScrapedPage, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ScrapedPage{}, fmt.Errorf("invalid scrape url %q", pageURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ScrapedPage{}, fmt.Errorf("create scrape request: %w", err)
	}
	req.Header.Set("User-Agent", "answerflow-research/1.0")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return ScrapedPage{}, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ScrapedPage{}, fmt.Errorf("fetch %s returned status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return ScrapedPage{}, fmt.Errorf("read %s: %w", pageURL, err)
	}

	var title, content string
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err == nil {
		title = article.Title
		content = strings.TrimSpace(article.TextContent)
	}
	if content == "" {
		// Extraction found no article body; fall back to the stripped raw text
		// so a partially-renderable page still contributes something.
		s.logger.Debug("readability extraction empty, using raw text",
			zap.String("url", pageURL), zap.Error(err))
		content = stripTags(string(body))
	}
	if content == "" {
		return ScrapedPage{}, fmt.Errorf("no readable content at %s", pageURL)
	}
	return ScrapedPage{URL: pageURL, Title: title, Content: truncateRunes(content, s.maxContent)}, nil
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</\w+>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

func stripTags(raw string) string {
	out := scriptBlockRe.ReplaceAllString(raw, " ")
	out = tagRe.ReplaceAllString(out, " ")
	out = html.UnescapeString(out)
	return strings.TrimSpace(spaceRe.ReplaceAllString(out, " "))
}
