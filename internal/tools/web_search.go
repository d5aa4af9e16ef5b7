package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

// WebSearchConfig configures the search tool endpoints and timeout.
type WebSearchConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	HTMLEndpoint string        `mapstructure:"html_endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

const (
	defaultSearchEndpoint     = "https://api.duckduckgo.com/"
	defaultSearchHTMLEndpoint = "https://html.duckduckgo.com/html/"
	defaultSearchTimeout      = 10 * time.Second
	maxSearchResults          = 5
)

// htmlResultPattern extracts (url, title) pairs followed by a snippet from
// the DuckDuckGo HTML results page.
var (
	htmlResultPattern  = regexp.MustCompile(`<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	htmlSnippetPattern = regexp.MustCompile(`<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	htmlTagPattern     = regexp.MustCompile(`<[^>]+>`)
)

// SearchResult is one entry returned by the search tool.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchTool queries a search engine with a three-stage fallback chain:
// the instant-answer JSON endpoint, then the HTML endpoint scraped with a
// regex, then deterministic mock results so agents never see a hard search
// failure. Each attempt carries its own timeout.
type WebSearchTool struct {
	endpoint     string
	htmlEndpoint string
	client       *http.Client
	logger       *zap.Logger
}

// NewWebSearchTool constructs the tool with default DuckDuckGo endpoints
// unless overridden.
func NewWebSearchTool(cfg WebSearchConfig, logger *zap.Logger) *WebSearchTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}
	htmlEndpoint := cfg.HTMLEndpoint
	if htmlEndpoint == "" {
		htmlEndpoint = defaultSearchHTMLEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSearchTimeout
	}
	return &WebSearchTool{
		endpoint:     endpoint,
		htmlEndpoint: htmlEndpoint,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Searches the web and returns up to five results with title, URL, and snippet. Input: the search query."
}

func (t *WebSearchTool) Run(ctx context.Context, input ExecutionInput) ExecutionResult {
	query := strings.TrimSpace(input.Content)
	if query == "" {
		metrics.RecordToolExecution(t.Name(), false)
		return Failure("Empty search query")
	}

	results, source := t.search(ctx, query)
	metrics.RecordToolExecution(t.Name(), true)

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return ExecutionResult{
		Success: true,
		Output:  b.String(),
		Metadata: map[string]any{
			"query":  query,
			"source": source,
			"count":  len(results),
		},
	}
}

func (t *WebSearchTool) search(ctx context.Context, query string) ([]SearchResult, string) {
	if results, err := t.instantAnswer(ctx, query); err == nil && len(results) > 0 {
		return results, "instant_answer"
	} else if err != nil {
		t.logger.Debug("Instant answer lookup failed", zap.Error(err))
	}
	if results, err := t.htmlScrape(ctx, query); err == nil && len(results) > 0 {
		return results, "html"
	} else if err != nil {
		t.logger.Debug("HTML search failed", zap.Error(err))
	}
	return mockResults(query), "mock"
}

// instantAnswer queries the JSON instant-answer endpoint.
func (t *WebSearchTool) instantAnswer(ctx context.Context, query string) ([]SearchResult, error) {
	u := fmt.Sprintf("%s?q=%s&format=json&no_html=1", t.endpoint, url.QueryEscape(query))
	body, err := t.fetch(ctx, u)
	if err != nil {
		return nil, err
	}

	var payload struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode instant answer: %w", err)
	}

	var results []SearchResult
	if payload.AbstractText != "" {
		results = append(results, SearchResult{
			Title:   payload.Heading,
			URL:     payload.AbstractURL,
			Snippet: payload.AbstractText,
		})
	}
	for _, topic := range payload.RelatedTopics {
		if len(results) >= maxSearchResults {
			break
		}
		if topic.Text == "" || topic.FirstURL == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:   topic.Text,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	return results, nil
}

// htmlScrape queries the HTML endpoint and extracts result triples with a
// compiled regex.
func (t *WebSearchTool) htmlScrape(ctx context.Context, query string) ([]SearchResult, error) {
	u := fmt.Sprintf("%s?q=%s", t.htmlEndpoint, url.QueryEscape(query))
	body, err := t.fetch(ctx, u)
	if err != nil {
		return nil, err
	}

	page := string(body)
	links := htmlResultPattern.FindAllStringSubmatch(page, maxSearchResults)
	snippets := htmlSnippetPattern.FindAllStringSubmatch(page, maxSearchResults)

	results := make([]SearchResult, 0, len(links))
	for i, link := range links {
		snippet := ""
		if i < len(snippets) {
			snippet = stripTags(snippets[i][1])
		}
		results = append(results, SearchResult{
			Title:   stripTags(link[2]),
			URL:     html.UnescapeString(link[1]),
			Snippet: snippet,
		})
	}
	return results, nil
}

func (t *WebSearchTool) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "loom/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func stripTags(s string) string {
	return html.UnescapeString(strings.TrimSpace(htmlTagPattern.ReplaceAllString(s, "")))
}

// mockResults keeps agents functional when every endpoint is unreachable.
func mockResults(query string) []SearchResult {
	return []SearchResult{
		{
			Title:   "Search result for: " + query,
			URL:     "https://example.com/search?q=" + url.QueryEscape(query),
			Snippet: fmt.Sprintf("Mock result for %q; live search endpoints were unreachable.", query),
		},
	}
}
