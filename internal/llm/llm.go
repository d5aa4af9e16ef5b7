// Package llm defines the provider-agnostic chat completion client used by
// sub-agents, the middleware that wraps it (retry, budget, circuit breaker,
// metrics), and the request/response types shared by the provider adapters in
// the subpackages.
package llm

import (
	"context"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries the result of a tool invocation back to the model.
	RoleTool Role = "tool"
)

// ToolCall is a model request to invoke a named tool. Arguments is the raw
// JSON payload exactly as the provider produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is one turn of a conversation. Assistant messages may carry
// ToolCalls; RoleTool messages reference the call they answer via ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolSpec advertises a callable tool to the model. Parameters is a JSON
// Schema object describing the tool input.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single chat completion request. WorkflowID attributes the
// spend for budgeting and is not sent to the provider.
type Request struct {
	WorkflowID  string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32
}

// Usage reports provider-metered token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the model's reply. A response with ToolCalls asks the caller to
// run the tools and continue the conversation.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Client is implemented by the provider adapters and by every middleware.
type Client interface {
	// Provider names the backing provider ("openai", "anthropic").
	Provider() string
	// Complete performs one blocking chat completion. Failures are classified
	// with the faults taxonomy so callers can decide on retries.
	Complete(ctx context.Context, req Request) (Response, error)
}

// Middleware wraps a Client with additional behavior.
type Middleware func(Client) Client

// Chain applies middlewares so the first one listed is outermost.
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage carries a tool observation back to the model.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// EstimateTokens approximates the token cost of a request before it is sent,
// for budget reservation. Prompt side uses the rough 4-characters-per-token
// heuristic; the completion side assumes the full MaxTokens may be spent.
func EstimateTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Arguments)
		}
	}
	est := chars/4 + req.MaxTokens
	if est < 1 {
		est = 1
	}
	return est
}
