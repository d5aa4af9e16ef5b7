package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWebSearchInstantAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go concurrency", r.URL.Query().Get("q"))
		w.Write([]byte(`{
			"Heading": "Concurrency",
			"AbstractText": "Concurrency is composition of independent processes.",
			"AbstractURL": "https://example.org/conc",
			"RelatedTopics": [
				{"Text": "Goroutines", "FirstURL": "https://example.org/goroutines"}
			]
		}`))
	}))
	defer srv.Close()

	tool := NewWebSearchTool(WebSearchConfig{Endpoint: srv.URL}, zaptest.NewLogger(t))
	result := tool.Run(context.Background(), ExecutionInput{Content: "go concurrency"})

	require.True(t, result.Success)
	assert.Equal(t, "instant_answer", result.Metadata["source"])
	assert.Contains(t, result.Output, "Concurrency")
	assert.Contains(t, result.Output, "https://example.org/conc")
	assert.Contains(t, result.Output, "Goroutines")
}

func TestWebSearchFallsBackToHTML(t *testing.T) {
	jsonSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"AbstractText": "", "RelatedTopics": []}`))
	}))
	defer jsonSrv.Close()

	htmlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<div>
			<a rel="noopener" class="result__a" href="https://example.org/page">Page <b>Title</b></a>
			<a class="result__snippet">A short &amp; useful snippet</a>
		</div>`))
	}))
	defer htmlSrv.Close()

	tool := NewWebSearchTool(WebSearchConfig{Endpoint: jsonSrv.URL, HTMLEndpoint: htmlSrv.URL}, zaptest.NewLogger(t))
	result := tool.Run(context.Background(), ExecutionInput{Content: "anything"})

	require.True(t, result.Success)
	assert.Equal(t, "html", result.Metadata["source"])
	assert.Contains(t, result.Output, "Page Title")
	assert.Contains(t, result.Output, "https://example.org/page")
	assert.Contains(t, result.Output, "A short & useful snippet")
}

func TestWebSearchMockFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tool := NewWebSearchTool(WebSearchConfig{
		Endpoint:     srv.URL,
		HTMLEndpoint: srv.URL,
		Timeout:      2 * time.Second,
	}, zaptest.NewLogger(t))
	result := tool.Run(context.Background(), ExecutionInput{Content: "offline query"})

	require.True(t, result.Success)
	assert.Equal(t, "mock", result.Metadata["source"])
	assert.Contains(t, result.Output, "offline query")
}

func TestWebSearchEmptyQuery(t *testing.T) {
	tool := NewWebSearchTool(WebSearchConfig{}, zaptest.NewLogger(t))
	result := tool.Run(context.Background(), ExecutionInput{Content: "  "})
	assert.False(t, result.Success)
}
