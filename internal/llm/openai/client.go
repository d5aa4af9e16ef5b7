// Package openai adapts the OpenAI chat completions API to the llm.Client
// interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	sdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/llm"
)

const defaultModel = "gpt-4o-mini"

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	Timeout time.Duration
}

type Client struct {
	api    *sdk.Client
	model  string
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, faults.New(faults.Configuration, "openai api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := sdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		api:    sdk.NewClientWithConfig(clientCfg),
		model:  model,
		logger: logger,
	}, nil
}

func (c *Client) Provider() string { return "openai" }

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	chatReq, err := c.encodeRequest(req)
	if err != nil {
		return llm.Response{}, err
	}
	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return llm.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, faults.New(faults.Service, "openai returned no choices")
	}
	return decodeResponse(resp), nil
}

func (c *Client) encodeRequest(req llm.Request) (sdk.ChatCompletionRequest, error) {
	msgs := make([]sdk.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := sdk.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case llm.RoleSystem:
			msg.Role = sdk.ChatMessageRoleSystem
		case llm.RoleUser:
			msg.Role = sdk.ChatMessageRoleUser
		case llm.RoleAssistant:
			msg.Role = sdk.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, sdk.ToolCall{
					ID:   tc.ID,
					Type: sdk.ToolTypeFunction,
					Function: sdk.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case llm.RoleTool:
			msg.Role = sdk.ChatMessageRoleTool
			msg.ToolCallID = m.ToolCallID
		default:
			return sdk.ChatCompletionRequest{}, faults.Errorf(faults.InvalidInput, "unsupported message role %q", m.Role)
		}
		msgs = append(msgs, msg)
	}

	chatReq := sdk.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	for _, spec := range req.Tools {
		params, err := json.Marshal(spec.Parameters)
		if err != nil {
			return sdk.ChatCompletionRequest{}, faults.Wrap(faults.InvalidInput, "marshaling schema for tool "+spec.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return chatReq, nil
}

func decodeResponse(resp sdk.ChatCompletionResponse) llm.Response {
	choice := resp.Choices[0]
	out := llm.Response{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// classify maps transport and API errors onto the faults taxonomy so the
// retry middleware can tell transient failures from fatal ones.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, "openai request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return faults.Wrap(faults.Auth, "openai rejected credentials", err)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return faults.Wrap(faults.RateLimited, "openai rate limit", err)
		case apiErr.HTTPStatusCode == http.StatusNotFound:
			return faults.Wrap(faults.NotFound, "openai resource not found", err)
		case apiErr.HTTPStatusCode >= 500:
			return faults.Wrap(faults.Service, "openai server error", err)
		case apiErr.HTTPStatusCode >= 400:
			return faults.Wrap(faults.InvalidInput, "openai rejected request", err)
		}
	}
	return faults.Wrap(faults.Service, "openai request failed", err)
}
