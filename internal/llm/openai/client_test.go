package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/llm"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "test-key", Model: "gpt-test", BaseURL: srv.URL + "/v1"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestCompleteText(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "hello back"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	})

	resp, err := c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			llm.SystemMessage("be brief"),
			llm.UserMessage("hello"),
		},
		MaxTokens:   64,
		Temperature: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Empty(t, resp.ToolCalls)

	assert.Equal(t, "gpt-test", captured["model"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestCompleteToolCalls(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "file_read",
							"arguments": `{"path":"notes.txt"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	})

	resp, err := c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{llm.UserMessage("read my notes")},
		Tools: []llm.ToolSpec{{
			Name:        "file_read",
			Description: "Read a file",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
			},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "file_read", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"notes.txt"}`, resp.ToolCalls[0].Arguments)

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "file_read", fn["name"])
}

func TestToolConversationRoundTrip(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "done"},
				"finish_reason": "stop",
			}},
		})
	})

	_, err := c.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			llm.UserMessage("read it"),
			llm.AssistantMessage("", llm.ToolCall{ID: "call_1", Name: "file_read", Arguments: `{"path":"x"}`}),
			llm.ToolResultMessage("call_1", "file contents"),
		},
	})
	require.NoError(t, err)

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 3)
	toolMsg := msgs[2].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		category faults.Category
	}{
		{"unauthorized", http.StatusUnauthorized, faults.Auth},
		{"rate limited", http.StatusTooManyRequests, faults.RateLimited},
		{"server error", http.StatusInternalServerError, faults.Service},
		{"bad request", http.StatusBadRequest, faults.InvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "nope", "type": "test_error"},
				})
			})
			_, err := c.Complete(context.Background(), llm.Request{
				Messages: []llm.Message{llm.UserMessage("hi")},
			})
			require.Error(t, err)
			assert.True(t, faults.IsCategory(err, tc.category),
				"status %d should map to %s, got %v", tc.status, tc.category, faults.CategoryOf(err))
		})
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.Configuration))
}
